// Package syncer assembles the aggregated event list: it fans out to every
// configured source, normalizes and deduplicates what comes back, and keeps
// the result cached.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"calsync/internal/accounts"
	"calsync/internal/google"
	"calsync/internal/models"
	"calsync/internal/normalize"
	"calsync/internal/source"
)

// cloudConcurrency bounds parallel cloud-account fetches so a burst of
// accounts cannot exhaust the API quota.
const cloudConcurrency = 3

// Aggregator orchestrates one aggregation run across all sources.
type Aggregator struct {
	logger     *slog.Logger
	providers  []source.Provider
	store      *accounts.Store
	oauth      *google.OAuth
	normalizer *normalize.Normalizer
	cache      *Cache
	now        func() time.Time
}

// NewAggregator wires the static providers (native-with-fallback, file
// import) with the account store that yields one cloud provider per
// connected account. oauth may be nil when no cloud credentials are
// configured; cloud accounts are then skipped.
func NewAggregator(logger *slog.Logger, providers []source.Provider, store *accounts.Store, oauth *google.OAuth, normalizer *normalize.Normalizer, cache *Cache) *Aggregator {
	return &Aggregator{
		logger:     logger,
		providers:  providers,
		store:      store,
		oauth:      oauth,
		normalizer: normalizer,
		cache:      cache,
		now:        time.Now,
	}
}

// fetchTask is one provider invocation within a run.
type fetchTask struct {
	provider source.Provider
	account  string
	cloud    bool
}

// fetchOutcome is what one task produced.
type fetchOutcome struct {
	task   fetchTask
	events []models.Event
	err    error
}

// Sync performs one aggregation run. Every provider is fetched concurrently;
// a single source's failure is recorded in the result and does not abort the
// others. Sync returns a hard error only when every source failed. On
// success the cache is updated, unless ctx was cancelled mid-run, in which
// case the results are discarded.
func (a *Aggregator) Sync(ctx context.Context, window models.TimeRange) (models.AggregationResult, error) {
	if !window.Valid() {
		return models.AggregationResult{}, fmt.Errorf("invalid fetch window %v..%v", window.Start, window.End)
	}

	tasks := a.buildTasks()
	result := models.AggregationResult{FetchedAt: a.now()}
	if len(tasks) == 0 {
		a.logger.Warn("no calendar sources configured")
		result.Events = []models.Event{}
		return result, nil
	}

	a.logger.Info("starting aggregation", "sources", len(tasks))
	outcomes := a.fanOut(ctx, tasks, window)

	var merged []models.Event
	failures := 0
	for _, out := range outcomes {
		if out.err != nil {
			failures++
			result.SourceErrors = append(result.SourceErrors, models.SourceError{
				Source:  out.task.provider.Source(),
				Account: out.task.account,
				Detail:  out.err.Error(),
			})
			a.logger.Warn("source failed",
				"source", out.task.provider.Source(), "account", out.task.account, "error", out.err)
			continue
		}
		merged = append(merged, out.events...)
	}

	if failures == len(tasks) {
		return result, fmt.Errorf("all %d calendar sources failed", len(tasks))
	}

	result.Events = Dedupe(merged)

	if err := ctx.Err(); err != nil {
		// The run was stopped: in-flight fetches completed but their results
		// are discarded and the cache stays untouched.
		a.logger.Info("aggregation cancelled, discarding results")
		return models.AggregationResult{}, err
	}

	a.cache.Set(result.Events, result.FetchedAt)
	a.logger.Info("aggregation complete",
		"events", len(result.Events), "failed_sources", failures)
	return result, nil
}

// buildTasks snapshots the current source set: the static providers plus one
// cloud provider per connected account.
func (a *Aggregator) buildTasks() []fetchTask {
	tasks := make([]fetchTask, 0, len(a.providers))
	for _, p := range a.providers {
		tasks = append(tasks, fetchTask{provider: p})
	}
	if a.oauth != nil {
		for _, acc := range a.store.List() {
			p := google.NewCloudAccountProvider(a.logger, a.oauth, a.store, acc.Email)
			tasks = append(tasks, fetchTask{provider: p, account: acc.NormalizedEmail(), cloud: true})
		}
	}
	return tasks
}

// fanOut runs all tasks concurrently. Cloud tasks share a small semaphore;
// local providers serialize internally via their own mutexes.
func (a *Aggregator) fanOut(ctx context.Context, tasks []fetchTask, window models.TimeRange) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(tasks))
	sem := make(chan struct{}, cloudConcurrency)

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task fetchTask) {
			defer wg.Done()

			if task.cloud {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			raws, err := task.provider.Fetch(ctx, window)
			if err != nil {
				outcomes[i] = fetchOutcome{task: task, err: err}
				return
			}

			events, parseErrs := a.normalizer.Batch(raws)
			for _, perr := range parseErrs {
				a.logger.Warn("skipping unnormalizable record",
					"source", task.provider.Source(), "account", task.account, "error", perr)
			}
			outcomes[i] = fetchOutcome{task: task, events: events}
		}(i, task)
	}
	wg.Wait()

	return outcomes
}
