package remotekit

import (
	"sync/atomic"
	"time"
)

// RateLimiter is a lock-free token bucket used to keep the executor under
// the remote API's request quota. A denied token fails fast rather than
// queueing.
type RateLimiter struct {
	capacity int64
	interval int64 // nanoseconds per accrued token, <= 0 disables refill

	tokens   atomic.Int64
	refillAt atomic.Int64 // next accrual instant, unix nanos
}

// NewRateLimiter creates a bucket holding maxTokens, refilled one token
// per refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	rl := &RateLimiter{
		capacity: int64(maxTokens),
		interval: int64(refillRate),
	}
	rl.tokens.Store(rl.capacity)
	rl.refillAt.Store(time.Now().UnixNano() + rl.interval)
	return rl
}

// Allow consumes one token, reporting whether the caller may proceed.
func (rl *RateLimiter) Allow() bool {
	rl.refill()
	for {
		n := rl.tokens.Load()
		if n <= 0 {
			return false
		}
		if rl.tokens.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Tokens reports the currently available tokens.
func (rl *RateLimiter) Tokens() int {
	rl.refill()
	return int(rl.tokens.Load())
}

// refill credits tokens accrued since the last refill. The refillAt CAS
// elects a single crediting goroutine per accrual window.
func (rl *RateLimiter) refill() {
	if rl.interval <= 0 {
		return
	}
	now := time.Now().UnixNano()
	for {
		due := rl.refillAt.Load()
		if now < due {
			return
		}
		accrued := (now-due)/rl.interval + 1
		if !rl.refillAt.CompareAndSwap(due, due+accrued*rl.interval) {
			continue
		}
		for {
			n := rl.tokens.Load()
			next := n + accrued
			if next > rl.capacity {
				next = rl.capacity
			}
			if rl.tokens.CompareAndSwap(n, next) {
				return
			}
		}
	}
}
