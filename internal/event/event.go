// Package event defines the canonical internal calendar event record and the
// normalizers that map provider payloads and feed occurrences onto it.
//
// Each source owns its own rows: a provider event and a feed occurrence that
// describe the same real-world meeting are kept as two records with distinct
// (source, externalKey) identities. Cancellations tombstone instead of
// deleting so a stale notification can never resurrect a removed event.
package event

import (
	"errors"
	"time"
)

// ErrEntryMalformed marks a single provider event or feed entry that failed
// normalization. Callers accumulate it per entry instead of aborting.
var ErrEntryMalformed = errors.New("entry malformed")

type Source string

const (
	SourceProvider Source = "provider"
	SourceFeed     Source = "feed"
)

// Record is the normalized calendar entry, ready for storage. The owning
// user is supplied separately by the storage call, never by the source.
type Record struct {
	Source          Source
	ExternalKey     string
	Title           string
	StartsAt        time.Time
	EndsAt          time.Time
	SourceUpdatedAt time.Time
	Cancelled       bool
}

// FeedExternalKey builds the identity key of one feed occurrence. Two
// occurrences sharing a UID but different recurrence starts are distinct.
func FeedExternalKey(uid string, start time.Time) string {
	return uid + "@" + start.UTC().Format(time.RFC3339)
}

// FromFeedOccurrence maps one expanded feed occurrence to a Record.
func FromFeedOccurrence(uid, title string, start, end, sourceUpdated time.Time, cancelled bool) Record {
	return Record{
		Source:          SourceFeed,
		ExternalKey:     FeedExternalKey(uid, start),
		Title:           title,
		StartsAt:        start,
		EndsAt:          end,
		SourceUpdatedAt: sourceUpdated,
		Cancelled:       cancelled,
	}
}
