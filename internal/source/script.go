package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"calsync/internal/models"
)

// Field and record delimiters for the script's line-oriented output. A naive
// single character breaks as soon as a title contains it; these sequences do
// not occur in natural calendar text, and the field count is validated per
// record regardless.
const (
	fieldDelim   = "<<|>>"
	scriptDenied = "SCRIPT_PERMISSION_DENIED"

	// title, description, location, start, end, allday, calendar
	scriptFieldCount = 7
)

const scriptTimeLayout = "2006-01-02 15:04:05"

// runScriptFunc executes a script through the OS automation facility and
// returns its stdout. Injectable for tests.
type runScriptFunc func(ctx context.Context, script string) ([]byte, error)

// ScriptFallbackProvider queries the same native calendar store through the
// OS scripting facility. It is the fallback when the helper binary is
// missing or denied, and it is a leaf: it never falls back to anything else,
// so a fallback loop is structurally impossible.
type ScriptFallbackProvider struct {
	logger *slog.Logger
	loc    *time.Location
	run    runScriptFunc

	// mu serializes script invocations; the automation bridge is not
	// reentrant and overlapping runs would spawn duplicate processes.
	mu sync.Mutex
}

// NewScriptFallbackProvider creates the scripting-based provider. loc is the
// zone the script's local timestamps are interpreted in.
func NewScriptFallbackProvider(logger *slog.Logger, loc *time.Location) *ScriptFallbackProvider {
	if loc == nil {
		loc = time.Local
	}
	return &ScriptFallbackProvider{
		logger: logger,
		loc:    loc,
		run:    runOSAScript,
	}
}

func (p *ScriptFallbackProvider) Source() models.Source {
	return models.SourceScriptFallback
}

// Fetch generates and executes the calendar query script, then parses its
// delimited output. Malformed records are skipped, not fatal.
func (p *ScriptFallbackProvider) Fetch(ctx context.Context, window models.TimeRange) ([]models.RawEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	script := buildCalendarScript(window, p.loc)
	out, err := p.run(ctx, script)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("script runner exited with code %d: %w", exitErr.ExitCode(), ErrSourceUnavailable)
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("script runner not found: %w", ErrSourceUnavailable)
		}
		return nil, fmt.Errorf("script runner failed: %v: %w", err, ErrSourceUnavailable)
	}
	if strings.TrimSpace(string(out)) == scriptDenied {
		return nil, ErrPermissionDenied
	}

	events, skipped := parseScriptOutput(string(out), p.loc)
	for _, serr := range skipped {
		p.logger.Warn("skipping malformed script record", "error", serr)
	}

	p.logger.Debug("script fallback fetch complete", "count", len(events), "skipped", len(skipped))
	return events, nil
}

// runOSAScript is the production runScriptFunc.
func runOSAScript(ctx context.Context, script string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-")
	cmd.Stdin = strings.NewReader(script)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// buildCalendarScript generates the AppleScript program that lists events in
// the window, one event per line, fields joined by fieldDelim.
func buildCalendarScript(window models.TimeRange, loc *time.Location) string {
	start := window.Start.In(loc).Format(scriptTimeLayout)
	end := window.End.In(loc).Format(scriptTimeLayout)

	var b strings.Builder
	b.WriteString("set startWindow to date \"" + start + "\"\n")
	b.WriteString("set endWindow to date \"" + end + "\"\n")
	b.WriteString("set output to \"\"\n")
	b.WriteString("tell application \"Calendar\"\n")
	b.WriteString("  repeat with cal in calendars\n")
	b.WriteString("    set evs to (every event of cal whose start date is less than endWindow and end date is greater than startWindow)\n")
	b.WriteString("    repeat with ev in evs\n")
	b.WriteString("      set output to output & (summary of ev) & \"" + fieldDelim + "\" & (description of ev) & \"" + fieldDelim + "\" & (location of ev) & \"" + fieldDelim + "\" & ((start date of ev) as «class isot» as string) & \"" + fieldDelim + "\" & ((end date of ev) as «class isot» as string) & \"" + fieldDelim + "\" & (allday event of ev) & \"" + fieldDelim + "\" & (name of cal) & linefeed\n")
	b.WriteString("    end repeat\n")
	b.WriteString("  end repeat\n")
	b.WriteString("end tell\n")
	b.WriteString("return output\n")
	return b.String()
}

// parseScriptOutput splits the script's output into records. A record whose
// field count does not match the script's layout is a ParseError for that
// record only.
func parseScriptOutput(out string, loc *time.Location) (events []models.RawEvent, skipped []error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, fieldDelim)
		if len(fields) != scriptFieldCount {
			skipped = append(skipped, &ParseError{
				Source: models.SourceScriptFallback,
				Record: truncateRecord(line),
				Err:    fmt.Errorf("expected %d fields, got %d", scriptFieldCount, len(fields)),
			})
			continue
		}

		ev := models.RawEvent{
			Title:        strings.TrimSpace(fields[0]),
			Description:  strings.TrimSpace(fields[1]),
			Location:     strings.TrimSpace(fields[2]),
			Start:        normalizeScriptTime(fields[3]),
			End:          normalizeScriptTime(fields[4]),
			AllDay:       strings.EqualFold(strings.TrimSpace(fields[5]), "true"),
			CalendarName: strings.TrimSpace(fields[6]),
			Source:       models.SourceScriptFallback,
		}
		events = append(events, ev)
	}
	return events, skipped
}

// normalizeScriptTime trims the script's ISO-ish timestamp. The script emits
// local time without a zone offset; the normalizer parses it in the
// configured location.
func normalizeScriptTime(s string) string {
	return strings.TrimSpace(s)
}
