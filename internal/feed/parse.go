package feed

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// EntryError records one feed entry that failed parsing or expansion.
// Accumulated, never fatal for the rest of the feed.
type EntryError struct {
	UID    string `json:"uid"`
	Reason string `json:"reason"`
}

// parsedEvent is one VEVENT as read from the document, before recurrence
// expansion.
type parsedEvent struct {
	UID          string
	Summary      string
	Start        time.Time
	End          time.Time
	AllDay       bool
	Cancelled    bool
	LastModified time.Time

	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time
	IsOverride   bool
}

// parseDocument parses a whole iCal payload. A document-level failure is
// ErrFeedMalformed; individual bad VEVENTs are collected as entry errors and
// the rest of the document still parses.
func parseDocument(body []byte) ([]parsedEvent, []EntryError, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil, fmt.Errorf("%w: empty document", ErrFeedMalformed)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFeedMalformed, err)
	}

	var events []parsedEvent
	var entryErrs []EntryError
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			entryErrs = append(entryErrs, EntryError{UID: eventUID(ve), Reason: err.Error()})
			continue
		}
		events = append(events, ev)
	}
	return events, entryErrs, nil
}

func eventUID(ve *ical.VEvent) string {
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		return p.Value
	}
	return ""
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}
	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.LastModified = t
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if start, err := ve.GetStartAt(); err == nil {
		out.Start = start
	} else if dtStart != nil {
		// The library helper rejects some DATE-only forms; fall back to
		// parsing the raw value.
		if t, perr := parseICSTime(dtStart.Value); perr == nil {
			out.Start = t
		}
	}
	if out.Start.IsZero() {
		return out, errors.New("missing or invalid DTSTART")
	}
	if end, err := ve.GetEndAt(); err == nil {
		out.End = end
	}

	if dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.AllDay = true
			}
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.AllDay = true
		}
	}
	if out.End.IsZero() {
		if out.AllDay {
			out.End = out.Start.Add(24 * time.Hour)
		} else {
			out.End = out.Start.Add(time.Hour)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.RecurrenceID = &t
			out.IsOverride = true
		}
	}
	return out, nil
}

// parseICSTime handles the basic DATE / DATE-TIME / UTC value forms used by
// EXDATE, RECURRENCE-ID, and LAST-MODIFIED.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	}
	return time.ParseInLocation("20060102", v, time.UTC)
}
