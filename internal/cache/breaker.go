package cache

import (
	"sync/atomic"
	"time"

	"github.com/l0p7/guardrail/internal/clock"
)

// breaker tracks distributed backend health. After threshold consecutive
// failures the circuit opens for a cooldown, during which every call routes
// directly to the local store. Once the cooldown lapses the next call probes
// the distributed backend again; one more failure re-opens the circuit
// immediately, one success closes it.
type breaker struct {
	threshold int64
	cooldown  time.Duration
	clk       clock.Clock

	consecutiveFailures atomic.Int64
	openUntil           atomic.Int64 // unix nanos, 0 = closed
}

func newBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{threshold: int64(threshold), cooldown: cooldown, clk: clk}
}

// allow reports whether the distributed backend may be attempted.
func (b *breaker) allow() bool {
	until := b.openUntil.Load()
	if until == 0 {
		return true
	}
	if b.clk.Now().UnixNano() >= until {
		// Cooldown elapsed; arm a probe. The failure count stays at the
		// threshold so a failing probe re-opens without a fresh run-up.
		b.openUntil.CompareAndSwap(until, 0)
		return true
	}
	return false
}

// open reports whether the circuit is currently rejecting distributed calls.
func (b *breaker) isOpen() bool {
	until := b.openUntil.Load()
	return until != 0 && b.clk.Now().UnixNano() < until
}

func (b *breaker) recordFailure() {
	failures := b.consecutiveFailures.Add(1)
	if failures >= b.threshold {
		b.openUntil.Store(b.clk.Now().Add(b.cooldown).UnixNano())
	}
}

func (b *breaker) recordSuccess() {
	b.consecutiveFailures.Store(0)
	b.openUntil.Store(0)
}
