package source

import (
	"context"
	"errors"
	"fmt"

	"calsync/internal/models"
)

var (
	// ErrPermissionDenied means the source refused access (e.g. the user has
	// not granted calendar permission). Callers must surface this distinctly
	// from a broken source.
	ErrPermissionDenied = errors.New("calendar source access denied")
	// ErrSourceUnavailable means the source could not be reached at all: the
	// helper binary is missing, failed to start, or exited abnormally.
	ErrSourceUnavailable = errors.New("calendar source unavailable")
	// ErrPathTraversal means an import file path resolved outside the
	// allowed import directory.
	ErrPathTraversal = errors.New("import path escapes allowed directory")
)

// ParseError describes one malformed record from a source. Providers skip
// the record and keep going; one bad record must never drop the batch.
type ParseError struct {
	Source models.Source
	// Record is a short excerpt of the offending input, for debugging.
	Record string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed record %q: %v", e.Source, e.Record, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// truncateRecord bounds the excerpt kept in a ParseError.
func truncateRecord(s string) string {
	const max = 120
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// Provider fetches raw events from one source type. Implementations must not
// panic on malformed upstream data: bad records become ParseErrors and are
// skipped. Each provider serializes access to its own non-reentrant resource,
// so Fetch is safe to call from concurrent goroutines.
type Provider interface {
	Source() models.Source
	Fetch(ctx context.Context, window models.TimeRange) ([]models.RawEvent, error)
}
