package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calsync/internal/accounts"
	"calsync/internal/google"
	"calsync/internal/models"
)

// Engine is the caller-facing surface of the aggregation system: the UI
// layer talks to it and to nothing below it.
type Engine struct {
	logger *slog.Logger
	store  *accounts.Store
	oauth  *google.OAuth
	cache  *Cache
	agg    *Aggregator
	sched  *Scheduler
}

// NewEngine assembles the engine. Adding or removing an account invalidates
// the cache, so the next read reflects the new account set.
func NewEngine(logger *slog.Logger, store *accounts.Store, oauth *google.OAuth, cache *Cache, agg *Aggregator, sched *Scheduler) *Engine {
	e := &Engine{
		logger: logger,
		store:  store,
		oauth:  oauth,
		cache:  cache,
		agg:    agg,
		sched:  sched,
	}
	store.OnChange(cache.Invalidate)
	return e
}

// Start begins background syncing.
func (e *Engine) Start() error { return e.sched.Start() }

// Stop halts background syncing; in-flight results are discarded.
func (e *Engine) Stop() { e.sched.Stop() }

// GetAggregatedEvents returns the deduplicated events overlapping the
// window. A cached entry inside its TTL is served without any fetch. On a
// miss a sync runs; if one is already in flight, a stale entry is served
// when available so a caller never gets nothing just because a refresh was
// already running.
func (e *Engine) GetAggregatedEvents(ctx context.Context, window models.TimeRange) ([]models.Event, []models.SourceError, error) {
	if !window.Valid() {
		return nil, nil, fmt.Errorf("invalid window %v..%v", window.Start, window.End)
	}

	if entry, ok := e.cache.Get(); ok {
		return filterWindow(entry.Events, window), nil, nil
	}

	result, err := e.sched.TriggerSync(ctx)
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			if entry, ok := e.cache.GetStale(); ok {
				return filterWindow(entry.Events, window), nil, nil
			}
		}
		return nil, nil, err
	}
	return filterWindow(result.Events, window), result.SourceErrors, nil
}

// GetSyncStatus returns the scheduler's current state.
func (e *Engine) GetSyncStatus() models.SyncStatus {
	return e.sched.Status()
}

// TriggerManualSync runs an on-demand aggregation, rejected with
// ErrSyncInProgress if one is already in flight.
func (e *Engine) TriggerManualSync(ctx context.Context) (models.AggregationResult, error) {
	return e.sched.TriggerSync(ctx)
}

// AddAccount completes the OAuth flow for an authorization code: exchange,
// identity lookup, then storage. Both this path and AddAccountWithToken end
// in the same store operation, so validation cannot diverge.
func (e *Engine) AddAccount(ctx context.Context, authCode string) (models.Account, error) {
	if e.oauth == nil {
		return models.Account{}, errors.New("cloud accounts are not configured")
	}

	token, err := e.oauth.Exchange(ctx, authCode)
	if err != nil {
		return models.Account{}, err
	}
	info, err := e.oauth.FetchUserInfo(ctx, token)
	if err != nil {
		return models.Account{}, err
	}
	return e.store.Add(info, token.RefreshToken, token.Expiry)
}

// AddAccountWithToken connects an account whose identity and refresh token
// are already known.
func (e *Engine) AddAccountWithToken(info models.UserInfo, refreshToken string, expiry time.Time) (models.Account, error) {
	return e.store.Add(info, refreshToken, expiry)
}

// RemoveAccount disconnects an account. Only local state is removed; the
// provider-side grant is never revoked.
func (e *Engine) RemoveAccount(email string) error {
	return e.store.Remove(email)
}

// Accounts lists the connected accounts.
func (e *Engine) Accounts() []models.Account {
	return e.store.List()
}

// AuthURL returns the consent URL for connecting a new account.
func (e *Engine) AuthURL(state string) (string, error) {
	if e.oauth == nil {
		return "", errors.New("cloud accounts are not configured")
	}
	return e.oauth.AuthURL(state), nil
}

// InvalidateCache drops the cached event list; the next read will fetch.
func (e *Engine) InvalidateCache() {
	e.cache.Invalidate()
}

func filterWindow(events []models.Event, window models.TimeRange) []models.Event {
	out := make([]models.Event, 0, len(events))
	for _, ev := range events {
		if ev.Window().Overlaps(window) {
			out = append(out, ev)
		}
	}
	return out
}
