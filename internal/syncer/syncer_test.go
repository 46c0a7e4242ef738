package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calsync/internal/accounts"
	"calsync/internal/models"
	"calsync/internal/normalize"
	"calsync/internal/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *accounts.Store {
	t.Helper()
	store, err := accounts.NewStore(testLogger(), filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// fakeProvider is a scriptable source.Provider.
type fakeProvider struct {
	src    models.Source
	events []models.RawEvent
	err    error

	calls   atomic.Int64
	started chan struct{} // closed once on first Fetch, if set
	release chan struct{} // Fetch blocks on this, if set

	startOnce sync.Once
}

func (f *fakeProvider) Source() models.Source { return f.src }

func (f *fakeProvider) Fetch(ctx context.Context, window models.TimeRange) ([]models.RawEvent, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func rawEvent(key, title, start, end string, src models.Source) models.RawEvent {
	return models.RawEvent{
		NaturalKey: key,
		Title:      title,
		Start:      start,
		End:        end,
		Source:     src,
	}
}

func testWindow() models.TimeRange {
	return models.TimeRange{
		Start: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	}
}

func newTestAggregator(t *testing.T, providers ...source.Provider) (*Aggregator, *Cache) {
	t.Helper()
	cache := NewCache(time.Minute)
	agg := NewAggregator(testLogger(), providers, testStore(t), nil, normalize.New(time.UTC), cache)
	return agg, cache
}

func TestSyncMergesAllSources(t *testing.T) {
	native := &fakeProvider{src: models.SourceNative, events: []models.RawEvent{
		rawEvent("n1", "Standup", "2026-03-02T10:00:00Z", "2026-03-02T10:30:00Z", models.SourceNative),
	}}
	file := &fakeProvider{src: models.SourceFileImport, events: []models.RawEvent{
		rawEvent("f1", "Dentist", "2026-03-03T09:00:00Z", "2026-03-03T10:00:00Z", models.SourceFileImport),
	}}

	agg, _ := newTestAggregator(t, native, file)
	result, err := agg.Sync(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 merged events, got %d", len(result.Events))
	}
	if len(result.SourceErrors) != 0 {
		t.Fatalf("unexpected source errors: %v", result.SourceErrors)
	}
}

func TestSyncSurvivesPartialFailure(t *testing.T) {
	denied := &fakeProvider{src: models.SourceNative, err: source.ErrPermissionDenied}
	okA := &fakeProvider{src: models.SourceFileImport, events: []models.RawEvent{
		rawEvent("f1", "Dentist", "2026-03-03T09:00:00Z", "2026-03-03T10:00:00Z", models.SourceFileImport),
	}}
	okB := &fakeProvider{src: models.SourceScriptFallback, events: []models.RawEvent{
		rawEvent("s1", "Gym", "2026-03-04T18:00:00Z", "2026-03-04T19:00:00Z", models.SourceScriptFallback),
	}}

	agg, _ := newTestAggregator(t, denied, okA, okB)
	result, err := agg.Sync(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("partial failure must not be a hard error: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected the 2 healthy sources' events, got %d", len(result.Events))
	}
	if len(result.SourceErrors) != 1 {
		t.Fatalf("expected 1 source error, got %d", len(result.SourceErrors))
	}
	if result.SourceErrors[0].Source != models.SourceNative {
		t.Fatalf("wrong failed source: %s", result.SourceErrors[0].Source)
	}
}

func TestSyncFailsOnlyWhenEverySourceFails(t *testing.T) {
	a := &fakeProvider{src: models.SourceNative, err: source.ErrSourceUnavailable}
	b := &fakeProvider{src: models.SourceFileImport, err: errors.New("disk on fire")}

	agg, _ := newTestAggregator(t, a, b)
	_, err := agg.Sync(context.Background(), testWindow())
	if err == nil {
		t.Fatal("expected hard error when all sources fail")
	}
}

func TestSyncIdempotentForUnchangedUpstream(t *testing.T) {
	provider := &fakeProvider{src: models.SourceNative, events: []models.RawEvent{
		rawEvent("n2", "Review", "2026-03-03T14:00:00Z", "2026-03-03T15:00:00Z", models.SourceNative),
		rawEvent("n1", "Standup", "2026-03-02T10:00:00Z", "2026-03-02T10:30:00Z", models.SourceNative),
	}}

	agg, _ := newTestAggregator(t, provider)

	first, err := agg.Sync(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	second, err := agg.Sync(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	a, _ := json.Marshal(first.Events)
	b, _ := json.Marshal(second.Events)
	if string(a) != string(b) {
		t.Fatalf("aggregated output differs across runs:\n%s\n%s", a, b)
	}
}

func TestSyncDeduplicatesAcrossSources(t *testing.T) {
	native := &fakeProvider{src: models.SourceNative, events: []models.RawEvent{
		rawEvent("n1", "Team Standup", "2026-03-02T10:00:00Z", "2026-03-02T10:30:00Z", models.SourceNative),
	}}
	file := &fakeProvider{src: models.SourceFileImport, events: []models.RawEvent{
		rawEvent("f1", "Team Standup", "2026-03-02T10:00:00Z", "2026-03-02T10:30:00Z", models.SourceFileImport),
	}}

	agg, _ := newTestAggregator(t, native, file)
	result, err := agg.Sync(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected cross-source duplicate to collapse, got %d events", len(result.Events))
	}
	if result.Events[0].Source != models.SourceNative {
		t.Fatalf("expected the native copy to win over file import, got %s", result.Events[0].Source)
	}
}

func TestSyncSkipsMalformedRecords(t *testing.T) {
	provider := &fakeProvider{src: models.SourceNative, events: []models.RawEvent{
		rawEvent("good", "Fine", "2026-03-02T10:00:00Z", "2026-03-02T11:00:00Z", models.SourceNative),
		rawEvent("bad", "Broken", "not a date", "2026-03-02T11:00:00Z", models.SourceNative),
	}}

	agg, _ := newTestAggregator(t, provider)
	result, err := agg.Sync(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected the parseable record to survive alone, got %d", len(result.Events))
	}
}

func TestSyncCancelledRunDoesNotUpdateCache(t *testing.T) {
	provider := &fakeProvider{src: models.SourceNative, events: []models.RawEvent{
		rawEvent("n1", "Standup", "2026-03-02T10:00:00Z", "2026-03-02T10:30:00Z", models.SourceNative),
	}}

	agg, cache := newTestAggregator(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := agg.Sync(ctx, testWindow()); err == nil {
		t.Fatal("expected cancelled sync to report an error")
	}
	if _, ok := cache.Get(); ok {
		t.Fatal("cancelled run must not update the cache")
	}
}

func TestSyncUpdatesCacheOnSuccess(t *testing.T) {
	provider := &fakeProvider{src: models.SourceNative, events: []models.RawEvent{
		rawEvent("n1", "Standup", "2026-03-02T10:00:00Z", "2026-03-02T10:30:00Z", models.SourceNative),
	}}

	agg, cache := newTestAggregator(t, provider)
	if _, err := agg.Sync(context.Background(), testWindow()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	entry, ok := cache.Get()
	if !ok {
		t.Fatal("expected cache to be populated after sync")
	}
	if len(entry.Events) != 1 {
		t.Fatalf("cached %d events, want 1", len(entry.Events))
	}
}
