package feed

import (
	"context"
	"time"

	"github.com/teamtrack/calsync/internal/event"
	"github.com/teamtrack/calsync/internal/logging"
)

// EventMerger persists a batch of feed occurrences for one user and reports
// how many rows were newly created versus modified.
type EventMerger interface {
	MergeOccurrences(ctx context.Context, userID string, recs []event.Record) (added, updated int, err error)
}

// Report summarizes one feed import run. Errors holds per-entry parse
// failures; they never abort the run. Stale marks a run that imported a
// cached copy because the feed origin was unreachable.
type Report struct {
	Added   int          `json:"added"`
	Updated int          `json:"updated"`
	Errors  []EntryError `json:"errors"`
	Stale   bool         `json:"stale,omitempty"`
}

type ImporterConfig struct {
	// WindowPast and WindowFuture bound recurrence expansion around now.
	WindowPast   time.Duration
	WindowFuture time.Duration

	// PerEventCap limits occurrences expanded from a single recurring event.
	PerEventCap int
}

func (c *ImporterConfig) fill() {
	if c.WindowPast <= 0 {
		c.WindowPast = 30 * 24 * time.Hour
	}
	if c.WindowFuture <= 0 {
		c.WindowFuture = 365 * 24 * time.Hour
	}
	if c.PerEventCap <= 0 {
		c.PerEventCap = defaultOccurrenceCap
	}
}

// Importer pulls an iCal feed, expands recurrences and merges the resulting
// occurrences into a user's calendar.
type Importer struct {
	fetcher *Fetcher
	merger  EventMerger
	cfg     ImporterConfig
	now     func() time.Time
}

func NewImporter(fetcher *Fetcher, merger EventMerger, cfg ImporterConfig) *Importer {
	cfg.fill()
	return &Importer{
		fetcher: fetcher,
		merger:  merger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ImportFeed fetches the feed at feedURL and imports it for userID.
// A fetch failure is ErrFeedUnreachable unless a cached copy could serve,
// in which case the report is marked stale.
func (im *Importer) ImportFeed(ctx context.Context, userID, feedURL string) (Report, error) {
	data, stale, err := im.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return Report{}, err
	}
	report, err := im.ImportData(ctx, userID, data)
	if err != nil {
		return Report{}, err
	}
	report.Stale = stale
	return report, nil
}

// ImportData imports an already-fetched iCal payload for userID. A document
// that cannot be parsed at all fails with ErrFeedMalformed and writes
// nothing; individual malformed entries are skipped and reported.
func (im *Importer) ImportData(ctx context.Context, userID string, data []byte) (Report, error) {
	events, entryErrs, err := parseDocument(data)
	if err != nil {
		return Report{}, err
	}

	now := im.now()
	win := window{start: now.Add(-im.cfg.WindowPast), end: now.Add(im.cfg.WindowFuture)}
	occs := expandOccurrences(events, win, im.cfg.PerEventCap)

	recs := make([]event.Record, 0, len(occs))
	for _, occ := range occs {
		sourceUpdated := occ.SourceUpdated
		if sourceUpdated.IsZero() {
			sourceUpdated = now
		}
		recs = append(recs, event.FromFeedOccurrence(occ.UID, occ.Title, occ.Start, occ.End, sourceUpdated, occ.Cancelled))
	}

	report := Report{Errors: entryErrs}
	if len(recs) > 0 {
		added, updated, err := im.merger.MergeOccurrences(ctx, userID, recs)
		if err != nil {
			return Report{}, err
		}
		report.Added = added
		report.Updated = updated
	}

	logging.Info("feed import finished",
		"user_id", userID,
		"occurrences", len(recs),
		"added", report.Added,
		"updated", report.Updated,
		"entry_errors", len(report.Errors))
	return report, nil
}
