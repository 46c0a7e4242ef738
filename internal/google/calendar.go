package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calsync/internal/accounts"
	"calsync/internal/models"
)

const (
	// resultBudget is the total number of results one fetch may pull from an
	// account, distributed across its calendars.
	resultBudget = 250
	// resultFloor guarantees every calendar gets at least this many slots so
	// a large calendar cannot starve the small ones.
	resultFloor = 25
)

// CloudAccountProvider fetches events for one connected account from every
// calendar it can see. All requests go through the retrying transport; the
// stored refresh token mints an access token per fetch, and a mid-fetch
// token rejection is retried with one fresh mint before the account's fetch
// is declared failed.
type CloudAccountProvider struct {
	oauth  *OAuth
	store  *accounts.Store
	email  string
	logger *slog.Logger
}

// NewCloudAccountProvider creates the provider for one account email.
func NewCloudAccountProvider(logger *slog.Logger, oauth *OAuth, store *accounts.Store, email string) *CloudAccountProvider {
	return &CloudAccountProvider{
		oauth:  oauth,
		store:  store,
		email:  email,
		logger: logger.With("account", email),
	}
}

func (p *CloudAccountProvider) Source() models.Source {
	return models.SourceCloud
}

// AccountEmail identifies which account this provider serves.
func (p *CloudAccountProvider) AccountEmail() string {
	return p.email
}

// Fetch pulls events from all of the account's calendars within the window.
func (p *CloudAccountProvider) Fetch(ctx context.Context, window models.TimeRange) ([]models.RawEvent, error) {
	events, err := p.fetchOnce(ctx, window)
	if errors.Is(err, ErrTokenExpired) {
		// One refresh, one retry; a second rejection fails this account only.
		p.logger.Warn("access token rejected mid-fetch, refreshing once")
		events, err = p.fetchOnce(ctx, window)
	}
	return events, err
}

func (p *CloudAccountProvider) fetchOnce(ctx context.Context, window models.TimeRange) ([]models.RawEvent, error) {
	account, err := p.store.Get(p.email)
	if err != nil {
		return nil, err
	}

	token, err := p.oauth.Refresh(ctx, account.RefreshToken)
	if err != nil {
		return nil, err
	}
	// Keep the stored expiry (and any rotated refresh token) current.
	if err := p.store.Refresh(p.email, token.RefreshToken, token.Expiry); err != nil {
		p.logger.Warn("failed to persist refreshed token", "error", err)
	}

	service, err := p.newService(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	list, err := service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, ClassifyError(err)
	}
	if len(list.Items) == 0 {
		return []models.RawEvent{}, nil
	}

	perCalendar := splitBudget(len(list.Items), resultBudget, resultFloor)

	var (
		all     []models.RawEvent
		lastErr error
		fetched int
	)
	for _, item := range list.Items {
		events, err := p.fetchCalendar(ctx, service, item, window, perCalendar)
		if err != nil {
			lastErr = ClassifyError(err)
			if errors.Is(lastErr, ErrTokenExpired) || errors.Is(lastErr, ErrRateLimited) {
				return nil, lastErr
			}
			p.logger.Warn("failed to fetch calendar", "calendar", item.Summary, "error", err)
			continue
		}
		fetched++
		all = append(all, events...)
	}

	if fetched == 0 && lastErr != nil {
		return nil, lastErr
	}

	p.logger.Debug("cloud fetch complete", "calendars", fetched, "events", len(all))
	return all, nil
}

func (p *CloudAccountProvider) newService(ctx context.Context, token *oauth2.Token) (*calendar.Service, error) {
	return calendar.NewService(ctx, option.WithHTTPClient(p.oauth.HTTPClient(token)))
}

func (p *CloudAccountProvider) fetchCalendar(ctx context.Context, service *calendar.Service, cal *calendar.CalendarListEntry, window models.TimeRange, budget int) ([]models.RawEvent, error) {
	result, err := service.Events.List(cal.Id).
		Context(ctx).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		MaxResults(int64(budget)).
		OrderBy("startTime").
		Do()
	if err != nil {
		return nil, err
	}

	events := make([]models.RawEvent, 0, len(result.Items))
	for _, item := range result.Items {
		raw, ok := toRawEvent(item, cal.Summary, p.email)
		if !ok {
			continue
		}
		events = append(events, raw)
	}
	return events, nil
}

// splitBudget distributes the result budget across n calendars with a
// minimum floor per calendar, so no single calendar starves the others.
func splitBudget(n, total, floor int) int {
	if n <= 0 {
		return total
	}
	per := total / n
	if per < floor {
		return floor
	}
	return per
}

// toRawEvent converts one API event. Cancelled placeholders without a start
// are dropped (not an error); all-day events arrive with date-only values.
func toRawEvent(item *calendar.Event, calendarName, accountEmail string) (models.RawEvent, bool) {
	if item.Start == nil || item.End == nil {
		return models.RawEvent{}, false
	}

	start, allDay := eventDateTime(item.Start)
	end, _ := eventDateTime(item.End)
	if start == "" {
		return models.RawEvent{}, false
	}
	if end == "" {
		end = start
	}

	naturalKey := item.ICalUID
	if naturalKey == "" {
		naturalKey = item.Id
	}

	var attendees []string
	for _, a := range item.Attendees {
		if a.Email != "" {
			attendees = append(attendees, a.Email)
		}
	}

	return models.RawEvent{
		NaturalKey:   naturalKey,
		Title:        item.Summary,
		Description:  item.Description,
		Location:     item.Location,
		Start:        start,
		End:          end,
		AllDay:       allDay,
		Attendees:    attendees,
		CalendarName: calendarName,
		AccountEmail: accountEmail,
		Source:       models.SourceCloud,
	}, true
}

// eventDateTime returns the RFC3339 timestamp or date-only value of an API
// event boundary, reporting whether it was date-only (all-day).
func eventDateTime(edt *calendar.EventDateTime) (string, bool) {
	if edt.DateTime != "" {
		return edt.DateTime, false
	}
	return edt.Date, edt.Date != ""
}
