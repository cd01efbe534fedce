// Package throttle enforces fixed-window request limits per client identity.
// Window state lives in a storage backend so limits hold across instances
// when the backend is shared; when the backend is unreachable the throttle
// fails open, trading strict enforcement for availability.
package throttle

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/guardrail/internal/metrics"
	"github.com/l0p7/guardrail/internal/store"
)

// Policy names one fixed-window budget. Budgets for different policies are
// tracked independently even for the same client.
type Policy struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Options configures the throttle.
type Options struct {
	Store store.Store
	// Backend labels store metrics with the tier holding window state.
	Backend metrics.Backend
	// Timeout bounds each backend call.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Throttle counts requests in discrete windows. A window starts at a client's
// first request under a policy and lives for the policy's window size; the
// backend expiry both resets the count and garbage-collects idle clients.
type Throttle struct {
	store   store.Store
	backend metrics.Backend
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

const defaultTimeout = 250 * time.Millisecond

func New(opts Options) *Throttle {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backend := opts.Backend
	if backend == "" {
		backend = metrics.BackendDistributed
	}
	return &Throttle{
		store:   opts.Store,
		backend: backend,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "throttle")),
		metrics: opts.Metrics,
	}
}

// Allow counts one request from clientKey against the policy and reports
// whether it fits the window's budget. When denied, RetryAfter is the time
// until the current window expires.
//
// If the backend is unreachable the request is allowed: the failure is
// logged and surfaced through metrics, never to the client.
func (t *Throttle) Allow(ctx context.Context, clientKey string, policy Policy) Decision {
	key := windowKey(policy.Name, clientKey)

	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	count, err := t.store.Increment(cctx, key, policy.Window)
	if err != nil {
		t.metrics.ObserveStore(t.backend, metrics.StoreOperationIncrement, metrics.StoreResultError, time.Since(start))
		t.logger.Warn("throttle backend unreachable, failing open",
			slog.String("policy", policy.Name), slog.String("client", clientKey), slog.Any("error", err))
		return Decision{Allowed: true, Remaining: policy.Limit}
	}
	t.metrics.ObserveStore(t.backend, metrics.StoreOperationIncrement, metrics.StoreResultOK, time.Since(start))

	if count <= policy.Limit {
		return Decision{Allowed: true, Remaining: policy.Limit - count}
	}

	retryAfter := policy.Window
	if remaining, ok, err := t.store.TTL(cctx, key); err == nil && ok {
		retryAfter = remaining
	}
	t.metrics.ObserveThrottleRejection(policy.Name)
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
}

func windowKey(policy, clientKey string) string {
	return "throttle:" + policy + ":" + clientKey
}
