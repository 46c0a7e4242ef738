package syncer

import (
	"sort"

	"calsync/internal/models"
)

// Dedupe collapses logically identical events that arrived from multiple
// sources. Events are sorted by start time and compared within the sliding
// window of events whose time ranges still overlap, so the pass stays
// O(n log n) instead of quadratic.
//
// Two events are duplicates when they share a normalized title and an
// overlapping time window, unless they are provably distinct: same source,
// different natural keys, and no near-identical attendee/location
// fingerprint (two different "Standup" meetings in one calendar are not
// duplicates of each other).
//
// The surviving copy comes from the richest source (cloud > native > script
// fallback > file import), preferring the instance tagged with an account
// email. Output order is deterministic: (start, title, id).
func Dedupe(events []models.Event) []models.Event {
	if len(events) <= 1 {
		return sortEvents(append([]models.Event(nil), events...))
	}

	sorted := sortEvents(append([]models.Event(nil), events...))

	kept := make([]models.Event, 0, len(sorted))
	removed := make([]bool, 0, len(sorted))
	// active holds indices into kept whose windows may still overlap
	// upcoming events.
	active := make([]int, 0, 16)

	for _, ev := range sorted {
		// Events are sorted by start: anything ending at or before this
		// start can never overlap again.
		live := active[:0]
		for _, idx := range active {
			if !removed[idx] && kept[idx].End.After(ev.Start) {
				live = append(live, idx)
			}
		}
		active = live

		// An event can bridge several kept copies (e.g. a cloud copy
		// matching both a native and a file-import copy); merge the whole
		// chain into one survivor.
		var matches []int
		for _, idx := range active {
			if isDuplicate(kept[idx], ev) {
				matches = append(matches, idx)
			}
		}
		if len(matches) == 0 {
			kept = append(kept, ev)
			removed = append(removed, false)
			active = append(active, len(kept)-1)
			continue
		}

		winner := ev
		for _, idx := range matches {
			winner = preferred(kept[idx], winner)
		}
		kept[matches[0]] = winner
		for _, idx := range matches[1:] {
			removed[idx] = true
		}
	}

	out := make([]models.Event, 0, len(kept))
	for i, ev := range kept {
		if !removed[i] {
			out = append(out, ev)
		}
	}
	return sortEvents(out)
}

func sortEvents(events []models.Event) []models.Event {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return events
}

func isDuplicate(a, b models.Event) bool {
	if a.NormalizedTitle() != b.NormalizedTitle() {
		return false
	}
	if !a.Window().Overlaps(b.Window()) {
		return false
	}

	// Same source with distinct natural keys means the source itself
	// considers them different events; only a near-identical fingerprint
	// overrides that.
	if a.Source == b.Source && a.NaturalKey != "" && b.NaturalKey != "" && a.NaturalKey != b.NaturalKey {
		return similarFingerprint(a, b)
	}
	return true
}

// similarFingerprint reports whether attendee/location metadata marks two
// events as the same meeting: equal non-empty locations, or attendee sets
// with Jaccard similarity of at least 0.5.
func similarFingerprint(a, b models.Event) bool {
	if a.Location != "" && a.Location == b.Location {
		return true
	}
	if len(a.Attendees) == 0 || len(b.Attendees) == 0 {
		return false
	}

	set := make(map[string]struct{}, len(a.Attendees))
	for _, at := range a.Attendees {
		set[at] = struct{}{}
	}
	shared := 0
	for _, at := range b.Attendees {
		if _, ok := set[at]; ok {
			shared++
		}
	}
	union := len(a.Attendees) + len(b.Attendees) - shared
	return union > 0 && shared*2 >= union
}

// preferred picks the copy to keep from a duplicate pair.
func preferred(a, b models.Event) models.Event {
	if r := a.Source.Rank() - b.Source.Rank(); r != 0 {
		if r > 0 {
			return a
		}
		return b
	}
	if (a.AccountEmail != "") != (b.AccountEmail != "") {
		if a.AccountEmail != "" {
			return a
		}
		return b
	}
	if ra, rb := richness(a), richness(b); ra != rb {
		if ra > rb {
			return a
		}
		return b
	}
	if a.ID <= b.ID {
		return a
	}
	return b
}

// richness scores how much metadata an event carries.
func richness(e models.Event) int {
	score := len(e.Attendees) * 10
	if e.Description != "" {
		score += 5
	}
	if e.Location != "" {
		score += 5
	}
	if e.CalendarName != "" {
		score++
	}
	return score
}
