package feed

import (
	"time"

	"github.com/teambition/rrule-go"

	"github.com/teamtrack/calsync/internal/logging"
)

const defaultOccurrenceCap = 1000

// Occurrence is one concrete event instance extracted from a feed, already
// expanded from any recurrence rule.
type Occurrence struct {
	UID           string
	Title         string
	Start         time.Time
	End           time.Time
	Cancelled     bool
	SourceUpdated time.Time
}

type window struct {
	start time.Time
	end   time.Time
}

// expandOccurrences turns parsed VEVENTs into discrete occurrences within
// the window: plain events pass through, RRULE events expand with EXDATE
// exceptions applied and RECURRENCE-ID overrides substituted. The per-event
// cap keeps a pathological rule from flooding the store.
func expandOccurrences(events []parsedEvent, win window, perEventCap int) []Occurrence {
	if perEventCap <= 0 {
		perEventCap = defaultOccurrenceCap
	}

	baseByUID := map[string][]parsedEvent{}
	overridesByUID := map[string][]parsedEvent{}
	for _, ev := range events {
		if ev.IsOverride && ev.RecurrenceID != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	var out []Occurrence
	for uid, bases := range baseByUID {
		overrides := overridesByUID[uid]
		for _, ev := range bases {
			if ev.RawRRule == "" {
				if occ, ok := expandSingle(ev, overrides, win); ok {
					out = append(out, occ)
				}
				continue
			}
			out = append(out, expandRecurring(ev, overrides, win, perEventCap)...)
		}
	}
	return out
}

func expandSingle(ev parsedEvent, overrides []parsedEvent, win window) (Occurrence, bool) {
	start, end := ev.Start, ev.End
	source := ev
	if o, ok := overrideForStart(overrides, start); ok {
		start, end = o.Start, o.End
		source = o
	}
	if !overlaps(start, end, win) {
		return Occurrence{}, false
	}
	return makeOccurrence(source, start, end), true
}

func expandRecurring(ev parsedEvent, overrides []parsedEvent, win window, limit int) []Occurrence {
	rule, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		logging.Error("unparsable RRULE, skipping recurrence", err, "uid", ev.UID)
		return nil
	}
	rule.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	starts := set.Between(win.start.In(ev.Start.Location()), win.end.In(ev.Start.Location()), true)
	if len(starts) > limit {
		logging.Error("recurrence expansion truncated", nil, "uid", ev.UID, "cap", limit)
		starts = starts[:limit]
	}

	duration := ev.End.Sub(ev.Start)
	out := make([]Occurrence, 0, len(starts))
	for _, start := range starts {
		end := start.Add(duration)
		source := ev
		if o, ok := overrideForStart(overrides, start); ok {
			start, end = o.Start, o.End
			source = o
		}
		out = append(out, makeOccurrence(source, start, end))
	}
	return out
}

func overrideForStart(overrides []parsedEvent, start time.Time) (parsedEvent, bool) {
	for _, o := range overrides {
		if o.RecurrenceID != nil && o.RecurrenceID.In(start.Location()).Equal(start) {
			return o, true
		}
	}
	return parsedEvent{}, false
}

func makeOccurrence(ev parsedEvent, start, end time.Time) Occurrence {
	return Occurrence{
		UID:           ev.UID,
		Title:         ev.Summary,
		Start:         start,
		End:           end,
		Cancelled:     ev.Cancelled,
		SourceUpdated: ev.LastModified,
	}
}

func overlaps(start, end time.Time, win window) bool {
	if end.Before(win.start) {
		return false
	}
	if start.After(win.end) {
		return false
	}
	return true
}
