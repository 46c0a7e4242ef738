// Package normalize converts per-source raw records into the canonical
// event shape.
package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"calsync/internal/models"
	"calsync/internal/source"
)

// idNamespace seeds deterministic event IDs. Fixed so the same logical event
// gets the same ID across repeated fetches of the same source.
var idNamespace = uuid.MustParse("9fd4b8a6-72f3-4c43-9b2a-5f0d6c1e8a37")

// Normalizer turns raw records into canonical events. It is stateless apart
// from the location used for zone-less and date-only timestamps.
type Normalizer struct {
	loc *time.Location
}

// New creates a Normalizer interpreting zone-less dates in loc.
func New(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{loc: loc}
}

// Batch normalizes a batch of raw records. Records whose dates cannot be
// parsed are dropped and reported as ParseErrors; they are never silently
// defaulted to the current time. IDs are stable per logical event and unique
// within the returned batch.
func (n *Normalizer) Batch(raws []models.RawEvent) ([]models.Event, []error) {
	events := make([]models.Event, 0, len(raws))
	var errs []error

	seen := make(map[string]int, len(raws))
	for _, raw := range raws {
		ev, err := n.one(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		// Stable ID with intra-batch collision suffixes: two distinct events
		// hashing to the same ID (same key, same instant) stay distinct.
		seen[ev.ID]++
		if c := seen[ev.ID]; c > 1 {
			ev.ID = fmt.Sprintf("%s-%d", ev.ID, c)
		}
		events = append(events, ev)
	}
	return events, errs
}

// one normalizes a single record.
func (n *Normalizer) one(raw models.RawEvent) (models.Event, error) {
	start, err := n.parseTime(raw.Start)
	if err != nil {
		return models.Event{}, &source.ParseError{
			Source: raw.Source,
			Record: fmt.Sprintf("%q start=%q", raw.Title, raw.Start),
			Err:    err,
		}
	}
	end, err := n.parseTime(raw.End)
	if err != nil {
		return models.Event{}, &source.ParseError{
			Source: raw.Source,
			Record: fmt.Sprintf("%q end=%q", raw.Title, raw.End),
			Err:    err,
		}
	}

	if end.Before(start) {
		start, end = end, start
	}

	allDay := raw.AllDay || isDayBounded(start, end, n.loc)
	if allDay {
		start, end = clampToDays(start, end, n.loc)
	}

	ev := models.Event{
		ID:           n.eventID(raw, start),
		Title:        strings.TrimSpace(raw.Title),
		Description:  strings.TrimSpace(raw.Description),
		Start:        start,
		End:          end,
		AllDay:       allDay,
		Location:     strings.TrimSpace(raw.Location),
		Attendees:    normalizeAttendees(raw.Attendees),
		Source:       raw.Source,
		CalendarName: strings.TrimSpace(raw.CalendarName),
		NaturalKey:   raw.NaturalKey,
	}
	if raw.Source == models.SourceCloud {
		ev.AccountEmail = strings.ToLower(strings.TrimSpace(raw.AccountEmail))
	}
	return ev, nil
}

// timeLayouts are tried in order. Sources emit RFC3339, zone-less local
// timestamps, or bare dates; anything else is a parse error.
var timeLayouts = []struct {
	layout string
	local  bool
}{
	{time.RFC3339, false},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02", true},
}

func (n *Normalizer) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date value")
	}
	for _, l := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		if l.local {
			t, err = time.ParseInLocation(l.layout, s, n.loc)
		} else {
			t, err = time.Parse(l.layout, s)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// isDayBounded detects all-day events by shape, not by a fragile "starts at
// midnight" heuristic alone: the event must start and end exactly on local
// midnights and span at least a full day.
func isDayBounded(start, end time.Time, loc *time.Location) bool {
	ls, le := start.In(loc), end.In(loc)
	if !isMidnight(ls) || !isMidnight(le) {
		return false
	}
	return end.Sub(start) >= 24*time.Hour
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}

// clampToDays normalizes an all-day event to local-day boundaries. An event
// whose end already sits on a later midnight keeps it; otherwise the end is
// pushed to the midnight after it.
func clampToDays(start, end time.Time, loc *time.Location) (time.Time, time.Time) {
	ls := start.In(loc)
	dayStart := time.Date(ls.Year(), ls.Month(), ls.Day(), 0, 0, 0, 0, loc)

	le := end.In(loc)
	dayEnd := time.Date(le.Year(), le.Month(), le.Day(), 0, 0, 0, 0, loc)
	if dayEnd.Before(le) || !dayEnd.After(dayStart) {
		dayEnd = dayEnd.AddDate(0, 0, 1)
	}
	return dayStart, dayEnd
}

// eventID derives a deterministic ID from the source, the source's natural
// key (falling back to the title), and the start instant.
func (n *Normalizer) eventID(raw models.RawEvent, start time.Time) string {
	key := raw.NaturalKey
	if key == "" {
		key = strings.ToLower(strings.TrimSpace(raw.Title))
	}
	seed := fmt.Sprintf("%s|%s|%s|%d", raw.Source, raw.AccountEmail, key, start.Unix())
	return uuid.NewSHA1(idNamespace, []byte(seed)).String()
}

func normalizeAttendees(attendees []string) []string {
	if len(attendees) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(attendees))
	out := make([]string, 0, len(attendees))
	for _, a := range attendees {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := set[a]; ok {
			continue
		}
		set[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
