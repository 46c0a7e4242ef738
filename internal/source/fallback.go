package source

import (
	"context"
	"errors"
	"log/slog"

	"calsync/internal/models"
)

// FallbackProvider tries a primary provider and, when the primary is
// unavailable or denied, runs a fallback exactly once. The fallback is always
// a leaf provider, so a recursive fallback chain cannot form. Events from the
// fallback keep the fallback's source tag.
type FallbackProvider struct {
	primary  Provider
	fallback Provider
	logger   *slog.Logger
}

// NewFallbackProvider wires the native helper to its script fallback.
func NewFallbackProvider(logger *slog.Logger, primary, fallback Provider) *FallbackProvider {
	return &FallbackProvider{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// Source reports the primary's source; the events themselves carry whichever
// source actually produced them.
func (p *FallbackProvider) Source() models.Source {
	return p.primary.Source()
}

func (p *FallbackProvider) Fetch(ctx context.Context, window models.TimeRange) ([]models.RawEvent, error) {
	events, err := p.primary.Fetch(ctx, window)
	if err == nil {
		return events, nil
	}
	if !errors.Is(err, ErrSourceUnavailable) && !errors.Is(err, ErrPermissionDenied) {
		return nil, err
	}

	p.logger.Warn("primary calendar source failed, trying fallback",
		"primary", p.primary.Source(), "fallback", p.fallback.Source(), "error", err)

	events, ferr := p.fallback.Fetch(ctx, window)
	if ferr != nil {
		// Report the primary failure: a denied helper is more actionable
		// than whatever the fallback tripped over afterwards.
		p.logger.Warn("fallback calendar source also failed",
			"fallback", p.fallback.Source(), "error", ferr)
		return nil, err
	}
	return events, nil
}
