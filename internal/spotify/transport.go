package spotify

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"spotsync/internal/core"
)

// budgetTransport paces every request through the shared budget and extends it
// whenever Spotify answers 429 with a Retry-After header.
type budgetTransport struct {
	base   http.RoundTripper
	budget *core.Budget
	logger *zap.Logger
	now    func() time.Time
}

func newBudgetTransport(base http.RoundTripper, budget *core.Budget, logger *zap.Logger) *budgetTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &budgetTransport{base: base, budget: budget, logger: logger, now: time.Now}
}

func (t *budgetTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.budget.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), t.now())
		t.logger.Warn("Rate limited by Spotify",
			zap.String("path", req.URL.Path),
			zap.Duration("retryAfter", wait))
		t.budget.Defer(wait)
	}
	return resp, nil
}

// parseRetryAfter accepts delta seconds or an HTTP date. Unparseable values
// fall back to one second.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}
