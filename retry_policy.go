package remotekit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	internalbackoff "remotekit/internal/backoff"
)

// RetryPolicy decides whether a failed attempt is retried and after what
// delay. attempt is zero-based; budget is the request's retry budget.
type RetryPolicy interface {
	ShouldRetry(resp *Response, err error, attempt, budget int) (time.Duration, bool)
}

// DefaultRetryPolicy retries transient failures (transport errors, 429
// and 5xx responses) with strategy-driven backoff, honoring Retry-After.
type DefaultRetryPolicy struct {
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	strategy          internalbackoff.Strategy
}

// NewDefaultRetryPolicy creates the default transient-failure policy with
// exponential jitter backoff.
func NewDefaultRetryPolicy(initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return &DefaultRetryPolicy{
		initialBackoff:    initialBackoff,
		maxBackoff:        maxBackoff,
		backoffMultiplier: multiplier,
		jitter:            jitter,
		strategy:          internalbackoff.ExponentialJitter{},
	}
}

// NewDecorrelatedRetryPolicy is NewDefaultRetryPolicy with AWS-style
// decorrelated jitter instead of exponential jitter.
func NewDecorrelatedRetryPolicy(initialBackoff, maxBackoff time.Duration) *DefaultRetryPolicy {
	return &DefaultRetryPolicy{
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		strategy:       internalbackoff.DecorrelatedJitter{},
	}
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(resp *Response, err error, attempt, budget int) (time.Duration, bool) {
	if attempt >= budget {
		return 0, false
	}

	var delay time.Duration
	retry := false

	if err != nil {
		retry = true
	} else if resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			retry = true
			delay = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
	}

	if !retry {
		return 0, false
	}

	if delay == 0 {
		delay = p.strategy.Calculate(attempt, p.initialBackoff, p.maxBackoff, p.backoffMultiplier, p.jitter)
	}
	return delay, true
}

// parseRetryAfter parses a Retry-After header value, supporting both
// delay-seconds and HTTP-date formats. Delays are capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
