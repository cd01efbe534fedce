// Package lockout tracks failed authentication attempts per account and
// freezes accounts that cross the configured threshold. All state transitions
// go through the storage backend's atomic increment, so concurrent failures
// against one account never undercount: every failure observes its own
// distinct counter value and at most one of them crosses the threshold.
//
// The post-expiry reentry policy: once a lock's TTL lapses the account is
// evaluated fresh. A failing attempt starts a new counter at 1 (its own
// increment), a successful attempt clears the counter to 0. The old counter
// cannot leak into the new window because it is deleted at the moment the
// lock is imposed.
package lockout

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/guardrail/internal/clock"
	"github.com/l0p7/guardrail/internal/metrics"
	"github.com/l0p7/guardrail/internal/store"
)

// Options configures the tracker.
type Options struct {
	Store store.Store
	// MaxAttempts is the failure count that triggers a lock.
	MaxAttempts int64
	// LockDuration is how long a locked account stays frozen.
	LockDuration time.Duration
	// AttemptWindow bounds the lifetime of the failure counter so stale
	// failures age out of the budget.
	AttemptWindow time.Duration
	// Timeout bounds each backend call.
	Timeout time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Tracker is the per-account failed-attempt state machine.
type Tracker struct {
	store         store.Store
	maxAttempts   int64
	lockDuration  time.Duration
	attemptWindow time.Duration
	timeout       time.Duration
	clk           clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Recorder
}

const (
	defaultMaxAttempts   = 5
	defaultLockDuration  = 2 * time.Hour
	defaultAttemptWindow = 24 * time.Hour
	defaultTimeout       = 250 * time.Millisecond
)

func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	lockDuration := opts.LockDuration
	if lockDuration <= 0 {
		lockDuration = defaultLockDuration
	}
	attemptWindow := opts.AttemptWindow
	if attemptWindow <= 0 {
		attemptWindow = defaultAttemptWindow
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Tracker{
		store:         opts.Store,
		maxAttempts:   maxAttempts,
		lockDuration:  lockDuration,
		attemptWindow: attemptWindow,
		timeout:       timeout,
		clk:           clk,
		logger:        logger.With(slog.String("component", "lockout")),
		metrics:       opts.Metrics,
	}
}

// RecordFailure counts one failed attempt against the account. Crossing the
// threshold imposes the lock and clears the counter so the next window starts
// fresh once the lock expires.
func (t *Tracker) RecordFailure(ctx context.Context, accountKey string) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	// Attempts made while the lock is in force are rejected upstream and
	// never counted; guard here as well so a misbehaving caller cannot
	// extend the freeze.
	if _, ok, err := t.store.TTL(cctx, lockKey(accountKey)); err == nil && ok {
		return nil
	}

	attempts, err := t.store.Increment(cctx, attemptsKey(accountKey), t.attemptWindow)
	if err != nil {
		t.logger.Warn("lockout backend unreachable, failure not recorded",
			slog.String("account", accountKey), slog.Any("error", err))
		return err
	}

	if attempts < t.maxAttempts {
		return nil
	}

	// Exactly one concurrent failure observes the threshold value from its
	// own increment; that one imposes the lock. Failures that raced past the
	// threshold only clear the counter.
	if attempts == t.maxAttempts {
		if err := t.store.SetWithTTL(cctx, lockKey(accountKey), []byte("locked"), t.lockDuration); err != nil {
			t.logger.Error("failed to impose account lock",
				slog.String("account", accountKey), slog.Any("error", err))
			return err
		}
		t.metrics.ObserveLockout("locked")
		t.logger.Info("account locked",
			slog.String("account", accountKey),
			slog.Int64("attempts", attempts),
			slog.Time("until", t.clk.Now().Add(t.lockDuration)))
	}
	_ = t.store.Delete(cctx, attemptsKey(accountKey))
	return nil
}

// RecordSuccess resets the account's failure budget.
func (t *Tracker) RecordSuccess(ctx context.Context, accountKey string) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.store.Delete(cctx, attemptsKey(accountKey)); err != nil {
		t.logger.Warn("failed to clear attempt counter",
			slog.String("account", accountKey), slog.Any("error", err))
		return err
	}
	t.metrics.ObserveLockout("reset")
	return nil
}

// IsLocked reports whether the account is currently frozen, and until when.
// A backend failure reads as unlocked so authentication availability is
// preserved over strict lockout enforcement.
func (t *Tracker) IsLocked(ctx context.Context, accountKey string) (bool, time.Time) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	remaining, ok, err := t.store.TTL(cctx, lockKey(accountKey))
	if err != nil {
		t.logger.Warn("lockout backend unreachable, treating account as unlocked",
			slog.String("account", accountKey), slog.Any("error", err))
		return false, time.Time{}
	}
	if !ok {
		return false, time.Time{}
	}
	t.metrics.ObserveLockout("rejected")
	return true, t.clk.Now().Add(remaining)
}

func attemptsKey(accountKey string) string { return "lockout:attempts:" + accountKey }

func lockKey(accountKey string) string { return "lockout:locked:" + accountKey }
