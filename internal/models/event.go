package models

import (
	"strings"
	"time"
)

// Source identifies which kind of origin an event came from.
type Source string

const (
	SourceNative         Source = "native"
	SourceScriptFallback Source = "script-fallback"
	SourceFileImport     Source = "file-import"
	SourceCloud          Source = "cloud"
)

// Rank orders sources by metadata richness. The deduplicator keeps the copy
// from the highest-ranked source when it finds duplicates.
func (s Source) Rank() int {
	switch s {
	case SourceCloud:
		return 3
	case SourceNative:
		return 2
	case SourceScriptFallback:
		return 1
	case SourceFileImport:
		return 0
	}
	return -1
}

func (s Source) String() string {
	return string(s)
}

// TimeRange is a half-open fetch window [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the range is non-empty and ordered.
func (r TimeRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && r.Start.Before(r.End)
}

// Overlaps reports whether two windows share any instant.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// RawEvent is a single record as returned by a provider, before
// normalization. Start and End are strings because sources disagree on date
// formats; the normalizer owns parsing them.
type RawEvent struct {
	// NaturalKey is the source's own identifier for the event (an iCal UID,
	// an API event id, a helper-assigned id). May be empty.
	NaturalKey  string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	AllDay      bool     `json:"all_day"`
	Attendees   []string `json:"attendees,omitempty"`

	CalendarName string `json:"calendar_name,omitempty"`
	AccountEmail string `json:"-"`
	Source       Source `json:"-"`
}

// Event is the canonical calendar event shared by every layer above the
// providers. It is immutable once produced by the normalizer.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`

	Source       Source `json:"source"`
	CalendarName string `json:"calendar_name,omitempty"`
	// AccountEmail is set only for cloud-sourced events.
	AccountEmail string `json:"account_email,omitempty"`

	// NaturalKey carries the source identifier forward for deduplication.
	NaturalKey string `json:"-"`
}

// NormalizedTitle is the comparison form of the title used by the
// deduplicator: lowercased with collapsed whitespace.
func (e Event) NormalizedTitle() string {
	return strings.Join(strings.Fields(strings.ToLower(e.Title)), " ")
}

// Window returns the event's own time range.
func (e Event) Window() TimeRange {
	return TimeRange{Start: e.Start, End: e.End}
}

// SourceError records one source's failure during an aggregation run.
type SourceError struct {
	Source Source `json:"source"`
	// Account distinguishes failures between cloud accounts.
	Account string `json:"account,omitempty"`
	Detail  string `json:"detail"`
}

// AggregationResult is what one aggregation run produces: the merged,
// deduplicated event list plus any per-source failures. SourceErrors is empty
// on a fully successful run.
type AggregationResult struct {
	Events       []Event       `json:"events"`
	SourceErrors []SourceError `json:"source_errors,omitempty"`
	FetchedAt    time.Time     `json:"fetched_at"`
}
