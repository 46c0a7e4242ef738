package source

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"calsync/internal/models"
)

func scriptWithOutput(out string, err error) *ScriptFallbackProvider {
	p := NewScriptFallbackProvider(testLogger(), time.UTC)
	p.run = func(ctx context.Context, script string) ([]byte, error) {
		return []byte(out), err
	}
	return p
}

func scriptLine(fields ...string) string {
	return strings.Join(fields, fieldDelim)
}

func TestScriptParsesDelimitedOutput(t *testing.T) {
	out := scriptLine("Standup", "daily sync", "Room 4", "2026-03-02T10:00:00", "2026-03-02T10:30:00", "false", "Work") + "\n" +
		scriptLine("Holiday", "", "", "2026-03-05T00:00:00", "2026-03-06T00:00:00", "true", "Personal") + "\n"

	events, err := scriptWithOutput(out, nil).Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first := events[0]
	if first.Title != "Standup" || first.Description != "daily sync" || first.Location != "Room 4" {
		t.Fatalf("unexpected fields: %+v", first)
	}
	if first.CalendarName != "Work" || first.AllDay {
		t.Fatalf("unexpected fields: %+v", first)
	}
	if first.Source != models.SourceScriptFallback {
		t.Fatalf("wrong source tag: %s", first.Source)
	}
	if !events[1].AllDay {
		t.Fatal("expected second event to be all-day")
	}
}

func TestScriptTitleContainingPipeSurvives(t *testing.T) {
	// A single-character delimiter would split this title apart.
	out := scriptLine("Deploy | Rollback drill", "", "", "2026-03-02T10:00:00", "2026-03-02T11:00:00", "false", "Ops") + "\n"

	events, err := scriptWithOutput(out, nil).Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Deploy | Rollback drill" {
		t.Fatalf("title mangled: %+v", events)
	}
}

func TestScriptSkipsWrongFieldCount(t *testing.T) {
	out := scriptLine("Good", "", "", "2026-03-02T10:00:00", "2026-03-02T11:00:00", "false", "Work") + "\n" +
		scriptLine("Truncated", "", "2026-03-02T10:00:00") + "\n" +
		scriptLine("Also Good", "", "", "2026-03-03T10:00:00", "2026-03-03T11:00:00", "false", "Work") + "\n"

	events, skipped := parseScriptOutput(out, time.UTC)
	if len(events) != 2 {
		t.Fatalf("expected 2 parseable events, got %d", len(events))
	}
	if len(skipped) != 1 {
		t.Fatalf("expected 1 skipped record, got %d", len(skipped))
	}
	var perr *ParseError
	if !errors.As(skipped[0], &perr) {
		t.Fatalf("expected ParseError, got %T", skipped[0])
	}
	if perr.Source != models.SourceScriptFallback {
		t.Fatalf("wrong source on parse error: %s", perr.Source)
	}
}

func TestScriptIgnoresBlankLines(t *testing.T) {
	out := "\n\r\n" + scriptLine("Solo", "", "", "2026-03-02T10:00:00", "2026-03-02T11:00:00", "false", "Work") + "\n\n"
	events, skipped := parseScriptOutput(out, time.UTC)
	if len(events) != 1 || len(skipped) != 0 {
		t.Fatalf("blank lines must be ignored: %d events, %d skipped", len(events), len(skipped))
	}
}

func TestScriptPermissionSentinel(t *testing.T) {
	_, err := scriptWithOutput("SCRIPT_PERMISSION_DENIED\n", nil).Fetch(context.Background(), testWindow())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestScriptRunnerFailureIsUnavailable(t *testing.T) {
	_, err := scriptWithOutput("", errors.New("osascript crashed")).Fetch(context.Background(), testWindow())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestBuildCalendarScriptContainsWindowAndDelimiter(t *testing.T) {
	script := buildCalendarScript(testWindow(), time.UTC)

	if !strings.Contains(script, fieldDelim) {
		t.Fatal("script does not emit the field delimiter")
	}
	if !strings.Contains(script, "2026-03-02 00:00:00") || !strings.Contains(script, "2026-03-09 00:00:00") {
		t.Fatalf("script does not embed the fetch window:\n%s", script)
	}
	if !strings.Contains(script, `tell application "Calendar"`) {
		t.Fatal("script does not target the calendar application")
	}
}
