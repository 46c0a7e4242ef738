package google

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

var (
	// ErrRateLimited means the API kept rate-limiting after bounded retries.
	ErrRateLimited = errors.New("cloud calendar API rate limited")
	// ErrTokenExpired means the access token was rejected; the caller may
	// refresh exactly once before giving up.
	ErrTokenExpired = errors.New("cloud access token expired")
)

const (
	maxAttempts    = 4
	initialBackoff = 500 * time.Millisecond
)

// retryTransport wraps outbound cloud-API calls with exponential backoff and
// jitter on rate-limit and transient server errors. Only requests that are
// provably safe to repeat are retried: idempotent methods with a replayable
// (or absent) body.
type retryTransport struct {
	base http.RoundTripper
	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func newRetryTransport(base http.RoundTripper) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{base: base, sleep: time.Sleep}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !retryableRequest(req) {
		return t.base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if req.Body != nil {
				body, berr := req.GetBody()
				if berr != nil {
					return resp, berr
				}
				req.Body = body
			}
		}

		resp, err = t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := backoffDelay(attempt, resp.Header.Get("Retry-After"))

		// Drain so the underlying connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		default:
		}
		t.sleep(delay)
	}
	return resp, nil
}

// retryableRequest rejects anything not provably safe to repeat.
func retryableRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return req.Body == nil || req.GetBody != nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// backoffDelay computes the exponential backoff with jitter for the given
// attempt, honoring a Retry-After header when the server sent one.
func backoffDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	delay := initialBackoff << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter
}

// ClassifyError maps a Google API error onto the engine's taxonomy. Errors
// that are neither auth nor quota related pass through wrapped.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%v: %w", apiErr.Message, ErrTokenExpired)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%v: %w", apiErr.Message, ErrRateLimited)
	case http.StatusForbidden:
		for _, item := range apiErr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
				return fmt.Errorf("%v: %w", apiErr.Message, ErrRateLimited)
			}
		}
	}
	return err
}
