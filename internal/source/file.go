package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"calsync/internal/models"
)

const (
	// maxImportSize bounds how much of a user-supplied calendar file is read.
	maxImportSize = 5 << 20 // 5 MiB

	// maxOccurrences caps recurrence expansion per event so a pathological
	// RRULE cannot blow up memory.
	maxOccurrences = 1000
)

// FileImportProvider parses user-imported .ics calendar files. Files must
// live under the configured import root; anything resolving outside it is
// rejected before being opened.
type FileImportProvider struct {
	root   string
	files  []string
	loc    *time.Location
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileImportProvider creates a provider reading the given files (relative
// to root, absolute paths allowed if they stay inside root).
func NewFileImportProvider(logger *slog.Logger, root string, files []string, loc *time.Location) *FileImportProvider {
	if loc == nil {
		loc = time.Local
	}
	return &FileImportProvider{
		root:   root,
		files:  files,
		loc:    loc,
		logger: logger,
	}
}

func (p *FileImportProvider) Source() models.Source {
	return models.SourceFileImport
}

// Fetch parses every configured import file and returns the events whose
// windows overlap the fetch window, expanding recurrences. A file that fails
// entirely is logged and skipped; only having no readable file at all fails
// the fetch.
func (p *FileImportProvider) Fetch(ctx context.Context, window models.TimeRange) ([]models.RawEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.files) == 0 {
		return []models.RawEvent{}, nil
	}

	var (
		all     []models.RawEvent
		lastErr error
		readAny bool
	)
	for _, name := range p.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		events, err := p.parseFile(name, window)
		if err != nil {
			p.logger.Warn("import file failed", "file", name, "error", err)
			lastErr = err
			continue
		}
		readAny = true
		all = append(all, events...)
	}

	if !readAny && lastErr != nil {
		return nil, lastErr
	}
	return all, nil
}

func (p *FileImportProvider) parseFile(name string, window models.TimeRange) ([]models.RawEvent, error) {
	path, err := p.resolvePath(name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat import file: %w", err)
	}
	if info.Size() > maxImportSize {
		return nil, fmt.Errorf("import file %s is %d bytes, limit is %d", name, info.Size(), maxImportSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	// LimitReader guards against the file growing between stat and read.
	dec := ical.NewDecoder(io.LimitReader(f, maxImportSize))

	var events []models.RawEvent
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(events) > 0 {
				break
			}
			return nil, &ParseError{
				Source: models.SourceFileImport,
				Record: name,
				Err:    err,
			}
		}

		for _, ve := range cal.Events() {
			evs, perr := p.expandEvent(ve, window)
			if perr != nil {
				p.logger.Warn("skipping malformed imported event", "file", name, "error", perr)
				continue
			}
			events = append(events, evs...)
		}
	}
	return events, nil
}

// resolvePath confirms the file lives under the import root, following
// symlinks, and returns the resolved path.
func (p *FileImportProvider) resolvePath(name string) (string, error) {
	root, err := filepath.Abs(p.root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}

	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", name, ErrPathTraversal)
	}
	return path, nil
}

// expandEvent converts one VEVENT into raw events, expanding its recurrence
// rule within the window when present.
func (p *FileImportProvider) expandEvent(ve ical.Event, window models.TimeRange) ([]models.RawEvent, error) {
	uid := propValue(ve.Props, ical.PropUID)
	title := propValue(ve.Props, ical.PropSummary)

	start, err := ve.DateTimeStart(p.loc)
	if err != nil || start.IsZero() {
		return nil, &ParseError{
			Source: models.SourceFileImport,
			Record: truncateRecord(uid + " " + title),
			Err:    fmt.Errorf("missing or invalid DTSTART: %v", err),
		}
	}
	end, err := ve.DateTimeEnd(p.loc)
	if err != nil || end.IsZero() {
		end = start
	}

	allDay := false
	if prop := ve.Props.Get(ical.PropDateTimeStart); prop != nil {
		if prop.ValueType() == ical.ValueDate {
			allDay = true
		}
	}

	base := models.RawEvent{
		NaturalKey:  uid,
		Title:       title,
		Description: propValue(ve.Props, ical.PropDescription),
		Location:    propValue(ve.Props, ical.PropLocation),
		AllDay:      allDay,
		Attendees:   attendeeEmails(ve.Props),
		Source:      models.SourceFileImport,
	}

	set, err := ve.RecurrenceSet(p.loc)
	if err != nil {
		return nil, &ParseError{
			Source: models.SourceFileImport,
			Record: truncateRecord(uid + " " + title),
			Err:    fmt.Errorf("invalid recurrence rule: %w", err),
		}
	}

	if set == nil {
		if !window.Overlaps(models.TimeRange{Start: start, End: end}) {
			return nil, nil
		}
		ev := base
		ev.Start = start.Format(time.RFC3339)
		ev.End = end.Format(time.RFC3339)
		return []models.RawEvent{ev}, nil
	}

	duration := end.Sub(start)
	occurrences := expandOccurrences(set, window, duration)
	if len(occurrences) > maxOccurrences {
		p.logger.Warn("recurrence expansion truncated", "uid", uid, "cap", maxOccurrences)
		occurrences = occurrences[:maxOccurrences]
	}

	events := make([]models.RawEvent, 0, len(occurrences))
	for _, occ := range occurrences {
		occEnd := occ.Add(duration)
		if !window.Overlaps(models.TimeRange{Start: occ, End: occEnd}) {
			continue
		}
		ev := base
		ev.NaturalKey = fmt.Sprintf("%s/%s", uid, occ.Format(time.RFC3339))
		ev.Start = occ.Format(time.RFC3339)
		ev.End = occEnd.Format(time.RFC3339)
		events = append(events, ev)
	}
	return events, nil
}

// expandOccurrences lists the rule's occurrence starts that can still overlap
// the window. The lower bound is widened by the event duration so an
// occurrence that started before the window but runs into it is included.
func expandOccurrences(set *rrule.Set, window models.TimeRange, duration time.Duration) []time.Time {
	return set.Between(window.Start.Add(-duration), window.End, true)
}

func propValue(props ical.Props, name string) string {
	if p := props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

func attendeeEmails(props ical.Props) []string {
	var out []string
	for _, p := range props.Values(ical.PropAttendee) {
		addr := strings.TrimPrefix(strings.TrimSpace(p.Value), "mailto:")
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
