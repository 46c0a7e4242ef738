package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"calsync/internal/models"
)

// permissionSentinel is printed by the helper on stdout when calendar access
// has been denied by the OS. The helper also exits with code 13 in that case;
// either signal is accepted.
const permissionSentinel = "PERMISSION_DENIED"

const permissionExitCode = 13

// helperRequest is the JSON document written to the helper's stdin.
type helperRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// runHelperFunc executes the helper and returns its stdout. Injectable for
// tests so they do not need a real binary.
type runHelperFunc func(ctx context.Context, path string, stdin []byte) ([]byte, error)

// NativeHelperProvider invokes the compiled native-calendar helper process:
// fetch window as JSON on stdin, a JSON array of raw events on stdout.
type NativeHelperProvider struct {
	path   string
	logger *slog.Logger
	run    runHelperFunc

	// mu serializes helper invocations; overlapping fetches must not spawn
	// duplicate helper processes.
	mu sync.Mutex
}

// NewNativeHelperProvider creates a provider for the helper binary at path.
func NewNativeHelperProvider(logger *slog.Logger, path string) *NativeHelperProvider {
	return &NativeHelperProvider{
		path:   path,
		logger: logger,
		run:    runHelper,
	}
}

func (p *NativeHelperProvider) Source() models.Source {
	return models.SourceNative
}

// Fetch runs the helper for the given window and parses its output.
func (p *NativeHelperProvider) Fetch(ctx context.Context, window models.TimeRange) ([]models.RawEvent, error) {
	if p.path == "" {
		return nil, fmt.Errorf("helper path not configured: %w", ErrSourceUnavailable)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	req, err := json.Marshal(helperRequest{
		Start: window.Start.Format(time.RFC3339),
		End:   window.End.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode helper request: %w", err)
	}

	out, err := p.run(ctx, p.path, req)
	if err != nil {
		return nil, classifyHelperError(out, err)
	}
	if strings.TrimSpace(string(out)) == permissionSentinel {
		return nil, ErrPermissionDenied
	}

	events, skipped, perr := parseHelperOutput(out)
	if perr != nil {
		return nil, perr
	}
	for _, serr := range skipped {
		p.logger.Warn("skipping malformed helper record", "error", serr)
	}

	p.logger.Debug("native helper fetch complete", "count", len(events), "skipped", len(skipped))
	return events, nil
}

// runHelper is the production runHelperFunc.
func runHelper(ctx context.Context, path string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// classifyHelperError maps an exec failure onto the provider error taxonomy:
// a denied helper is ErrPermissionDenied, everything else ErrSourceUnavailable.
func classifyHelperError(stdout []byte, err error) error {
	if strings.TrimSpace(string(stdout)) == permissionSentinel {
		return ErrPermissionDenied
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == permissionExitCode {
			return ErrPermissionDenied
		}
		return fmt.Errorf("helper exited with code %d: %w", exitErr.ExitCode(), ErrSourceUnavailable)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("helper binary not found: %w", ErrSourceUnavailable)
	}
	return fmt.Errorf("helper failed to run: %v: %w", err, ErrSourceUnavailable)
}

// parseHelperOutput decodes the helper's JSON event array. Records are
// decoded individually so one malformed record is skipped (returned as a
// ParseError in skipped) instead of dropping the whole batch. Only an output
// that is not a JSON array at all fails the fetch.
func parseHelperOutput(out []byte) (events []models.RawEvent, skipped []error, err error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return []models.RawEvent{}, nil, nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, nil, &ParseError{
			Source: models.SourceNative,
			Record: truncateRecord(string(trimmed)),
			Err:    err,
		}
	}

	events = make([]models.RawEvent, 0, len(records))
	for _, rec := range records {
		var ev models.RawEvent
		if err := json.Unmarshal(rec, &ev); err != nil {
			skipped = append(skipped, &ParseError{
				Source: models.SourceNative,
				Record: truncateRecord(string(rec)),
				Err:    err,
			})
			continue
		}
		ev.Source = models.SourceNative
		events = append(events, ev)
	}
	return events, skipped, nil
}
