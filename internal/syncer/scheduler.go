package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/models"
)

// ErrSyncInProgress is returned to a caller whose sync request arrived while
// another run was already in flight. Requests are rejected, never queued.
var ErrSyncInProgress = errors.New("a sync is already in progress")

// Scheduler drives periodic background aggregations and guarantees at most
// one run in flight system-wide: the timer path and the manual path share
// the same single-flight guard. It can be stopped and restarted for the
// lifetime of the process.
type Scheduler struct {
	logger   *slog.Logger
	agg      *Aggregator
	interval time.Duration
	horizon  time.Duration

	// syncing is the single-flight guard; TryLock failing means a run is
	// already in flight.
	syncing sync.Mutex

	mu        sync.Mutex
	cron      *cron.Cron
	entryID   cron.EntryID
	status    models.SyncStatus
	runCancel context.CancelFunc
}

// NewScheduler creates a stopped scheduler. horizon is the length of the
// fetch window used for background runs.
func NewScheduler(logger *slog.Logger, agg *Aggregator, interval, horizon time.Duration) *Scheduler {
	return &Scheduler{
		logger:   logger,
		agg:      agg,
		interval: interval,
		horizon:  horizon,
	}
}

// Start begins periodic syncing. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	c := cron.New()
	id, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	c.Start()

	s.cron = c
	s.entryID = id
	s.status.Enabled = true
	s.updateNextLocked()

	s.logger.Info("sync scheduler started", "interval", s.interval)
	return nil
}

// Stop halts periodic syncing and cancels any in-flight run; the run's
// results are discarded and the cache is left untouched. The scheduler can
// be started again later.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	s.cron.Stop()
	s.cron = nil
	s.status.Enabled = false
	s.status.NextSync = nil
	if s.runCancel != nil {
		s.runCancel()
	}

	s.logger.Info("sync scheduler stopped")
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TriggerSync runs an on-demand aggregation on the same path (and under the
// same single-flight guard) as the timer. A second caller while a run is in
// flight gets ErrSyncInProgress immediately.
func (s *Scheduler) TriggerSync(ctx context.Context) (models.AggregationResult, error) {
	return s.runSync(ctx)
}

// tick is the cron callback. If the previous run has not finished, the tick
// is skipped; cron fires again on the next interval rather than stacking
// concurrent runs.
func (s *Scheduler) tick() {
	_, err := s.runSync(context.Background())
	if errors.Is(err, ErrSyncInProgress) {
		s.logger.Info("previous sync still running, skipping this tick")
	}
}

func (s *Scheduler) runSync(ctx context.Context) (models.AggregationResult, error) {
	if !s.syncing.TryLock() {
		return models.AggregationResult{}, ErrSyncInProgress
	}
	defer s.syncing.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.status.Running = true
	s.runCancel = cancel
	s.mu.Unlock()

	now := time.Now()
	window := models.TimeRange{Start: now, End: now.Add(s.horizon)}
	result, err := s.agg.Sync(runCtx, window)

	s.mu.Lock()
	s.status.Running = false
	s.runCancel = nil
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
		t := result.FetchedAt
		s.status.LastSync = &t
	}
	s.updateNextLocked()
	s.mu.Unlock()

	return result, err
}

// updateNextLocked refreshes NextSync from the cron entry. Caller holds s.mu.
func (s *Scheduler) updateNextLocked() {
	if s.cron == nil {
		s.status.NextSync = nil
		return
	}
	next := s.cron.Entry(s.entryID).Next
	if next.IsZero() {
		s.status.NextSync = nil
		return
	}
	s.status.NextSync = &next
}
