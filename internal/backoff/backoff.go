// Package backoff centralizes retry and reconnect delay calculation for
// the request executor and the stream client.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy is a backoff calculation algorithm.
type Strategy interface {
	// Calculate returns the delay before the given attempt number.
	Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialJitter grows the delay by multiplier per attempt, caps it at
// max and adds uniform jitter proportional to the delay.
type ExponentialJitter struct{}

func (ExponentialJitter) Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// cap the exponent so the float math cannot overflow
	if attempt > 30 {
		attempt = 30
	}

	d := time.Duration(float64(initial) * pow(multiplier, attempt))
	if d < 0 || d > max {
		d = max
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		extra := time.Duration(float64(d) * jitter * rand.Float64())
		if d+extra > max {
			d = max
		} else {
			d += extra
		}
	}
	return d
}

// DecorrelatedJitter implements AWS-style decorrelated jitter:
// random_between(base, min(cap, base*3^attempt)). Smoother tail latencies
// than plain exponential jitter under contention.
type DecorrelatedJitter struct{}

func (DecorrelatedJitter) Calculate(attempt int, initial, max time.Duration, _, _ float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initial)
	upper := base * pow(3.0, attempt)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > max {
		d = max
	}
	return d
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
