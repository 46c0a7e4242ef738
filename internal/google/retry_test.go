package google

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

// scriptedTransport returns canned responses in order, repeating the last one.
type scriptedTransport struct {
	responses []*http.Response
	calls     int
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func resp(status int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}
}

func stubbedRetryTransport(base http.RoundTripper) (*retryTransport, *[]time.Duration) {
	t := newRetryTransport(base)
	var slept []time.Duration
	t.sleep = func(d time.Duration) { slept = append(slept, d) }
	return t, &slept
}

func TestRetryTransportRetriesRateLimit(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{
		resp(http.StatusTooManyRequests, nil),
		resp(http.StatusTooManyRequests, nil),
		resp(http.StatusOK, nil),
	}}
	rt, slept := stubbedRetryTransport(base)

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/events", nil)
	got, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if got.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", got.StatusCode)
	}
	if base.calls != 3 {
		t.Fatalf("base transport called %d times, want 3", base.calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(*slept))
	}
	// Exponential: the second delay must be at least the first base delay.
	if (*slept)[0] < initialBackoff || (*slept)[1] < 2*initialBackoff {
		t.Fatalf("backoff not exponential: %v", *slept)
	}
}

func TestRetryTransportHonorsRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	base := &scriptedTransport{responses: []*http.Response{
		resp(http.StatusServiceUnavailable, h),
		resp(http.StatusOK, nil),
	}}
	rt, slept := stubbedRetryTransport(base)

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/events", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
		t.Fatalf("expected a single 3s sleep, got %v", *slept)
	}
}

func TestRetryTransportGivesUpAfterMaxAttempts(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{
		resp(http.StatusServiceUnavailable, nil),
	}}
	rt, _ := stubbedRetryTransport(base)

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/events", nil)
	got, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if got.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("exhausted retries must return the last response, got %d", got.StatusCode)
	}
	if base.calls != maxAttempts {
		t.Fatalf("base transport called %d times, want %d", base.calls, maxAttempts)
	}
}

func TestRetryTransportDoesNotRetryPost(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{
		resp(http.StatusServiceUnavailable, nil),
	}}
	rt, slept := stubbedRetryTransport(base)

	req, _ := http.NewRequest(http.MethodPost, "https://example.com/events", strings.NewReader("body"))
	got, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if got.StatusCode != http.StatusServiceUnavailable || base.calls != 1 {
		t.Fatalf("POST must pass through once, calls = %d", base.calls)
	}
	if len(*slept) != 0 {
		t.Fatal("POST must never back off")
	}
}

func TestRetryTransportDoesNotRetryClientErrors(t *testing.T) {
	base := &scriptedTransport{responses: []*http.Response{
		resp(http.StatusUnauthorized, nil),
	}}
	rt, _ := stubbedRetryTransport(base)

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/events", nil)
	got, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if got.StatusCode != http.StatusUnauthorized || base.calls != 1 {
		t.Fatalf("401 must not be retried, calls = %d", base.calls)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized, Message: "bad token"}, ErrTokenExpired},
		{"too_many_requests", &googleapi.Error{Code: http.StatusTooManyRequests}, ErrRateLimited},
		{
			"forbidden_rate_limit",
			&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}},
			ErrRateLimited,
		},
		{
			"forbidden_quota",
			&googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}},
			ErrRateLimited,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyError(tc.err)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("want nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}

	// 403 without a quota reason passes through unchanged.
	plain := &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "accessNotConfigured"}}}
	if got := ClassifyError(plain); errors.Is(got, ErrRateLimited) || errors.Is(got, ErrTokenExpired) {
		t.Fatalf("non-quota 403 must pass through, got %v", got)
	}

	// Non-API errors pass through unchanged.
	boom := errors.New("connection reset")
	if got := ClassifyError(boom); !errors.Is(got, boom) {
		t.Fatalf("plain error must pass through, got %v", got)
	}
}

func TestSplitBudget(t *testing.T) {
	cases := []struct {
		n, total, floor int
		want            int
	}{
		{1, 250, 25, 250},
		{5, 250, 25, 50},
		{10, 250, 25, 25},
		{50, 250, 25, 25}, // floor beats the even split
		{0, 250, 25, 250},
	}
	for _, tc := range cases {
		if got := splitBudget(tc.n, tc.total, tc.floor); got != tc.want {
			t.Errorf("splitBudget(%d, %d, %d) = %d, want %d", tc.n, tc.total, tc.floor, got, tc.want)
		}
	}
}
