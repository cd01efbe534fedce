// Package cache implements the tiered response cache: a distributed store is
// tried first, a bounded local store absorbs its failures. Backend errors
// never propagate to the request path; they degrade the cache to the local
// tier and trip a circuit breaker that skips the distributed store for a
// cooldown once failures accumulate.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/l0p7/guardrail/internal/clock"
	"github.com/l0p7/guardrail/internal/metrics"
	"github.com/l0p7/guardrail/internal/store"
)

// Entry is one cached response: body plus the HTTP-style metadata needed to
// replay it, and the expiry stamp enforced on read.
type Entry struct {
	Status      int       `json:"status"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Options configures the tiered cache.
type Options struct {
	// Distributed is the shared backend. Nil runs the cache local-only.
	Distributed store.Store
	// Local is the in-process fallback and is required.
	Local store.Store
	// Timeout bounds every distributed call. Local calls are not bounded;
	// they never block on I/O.
	Timeout time.Duration
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit; Cooldown is how long it stays open.
	FailureThreshold int
	Cooldown         time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Tiered is the response cache described above.
type Tiered struct {
	distributed store.Store
	local       store.Store
	timeout     time.Duration
	breaker     *breaker
	clk         clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

const defaultTimeout = 250 * time.Millisecond

// New constructs the tiered cache.
func New(opts Options) *Tiered {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Tiered{
		distributed: opts.Distributed,
		local:       opts.Local,
		timeout:     timeout,
		breaker:     newBreaker(opts.FailureThreshold, opts.Cooldown, clk),
		clk:         clk,
		logger:      logger.With(slog.String("component", "tiered_cache")),
		metrics:     opts.Metrics,
	}
}

// Get returns the cached entry for key, consulting the distributed store
// first when the circuit allows it. Backend failures and corrupt payloads are
// absorbed as misses; the caller never sees an error on the read path.
func (t *Tiered) Get(ctx context.Context, key string) (Entry, bool) {
	if t.distributed != nil && t.breaker.allow() {
		entry, outcome := t.distributedGet(ctx, key)
		switch outcome {
		case readHit:
			return entry, true
		case readMiss:
			// Clean miss: the local tier may still hold a value written
			// during a degraded period.
		case readFailed:
			t.metrics.ObserveFailover()
		}
	}
	t.metrics.SetCircuitOpen(t.breaker.isOpen())
	return t.localGet(ctx, key)
}

// Put stores the entry in the distributed store, falling back to the local
// store when the distributed write fails or the circuit is open. A ttl <= 0
// is a no-op. The returned error is advisory: the value failed to land in any
// backend and the response simply goes uncached.
func (t *Tiered) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := t.clk.Now().UTC()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if t.distributed != nil && t.breaker.allow() {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		err := t.distributed.SetWithTTL(cctx, key, payload, ttl)
		cancel()
		if err == nil {
			t.breaker.recordSuccess()
			t.metrics.ObserveStore(metrics.BackendDistributed, metrics.StoreOperationPut, metrics.StoreResultOK, time.Since(start))
			t.metrics.SetCircuitOpen(false)
			return nil
		}
		t.breaker.recordFailure()
		t.metrics.ObserveStore(metrics.BackendDistributed, metrics.StoreOperationPut, metrics.StoreResultError, time.Since(start))
		t.metrics.ObserveFailover()
		t.logger.Warn("distributed cache write failed, falling back to local",
			slog.String("key", key), slog.Any("error", err))
	}
	t.metrics.SetCircuitOpen(t.breaker.isOpen())

	start := time.Now()
	if err := t.local.SetWithTTL(ctx, key, payload, ttl); err != nil {
		t.metrics.ObserveStore(metrics.BackendLocal, metrics.StoreOperationPut, metrics.StoreResultError, time.Since(start))
		t.logger.Error("local cache write failed", slog.String("key", key), slog.Any("error", err))
		return err
	}
	t.metrics.ObserveStore(metrics.BackendLocal, metrics.StoreOperationPut, metrics.StoreResultOK, time.Since(start))
	return nil
}

// Close releases both backends.
func (t *Tiered) Close(ctx context.Context) error {
	var firstErr error
	if t.distributed != nil {
		if err := t.distributed.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if err := t.local.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type readOutcome int

const (
	readHit readOutcome = iota
	readMiss
	readFailed
)

func (t *Tiered) distributedGet(ctx context.Context, key string) (Entry, readOutcome) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	payload, ok, err := t.distributed.Get(cctx, key)
	cancel()
	if err != nil {
		t.breaker.recordFailure()
		t.metrics.ObserveStore(metrics.BackendDistributed, metrics.StoreOperationGet, metrics.StoreResultError, time.Since(start))
		t.logger.Warn("distributed cache read failed, falling back to local",
			slog.String("key", key), slog.Any("error", err))
		return Entry{}, readFailed
	}
	t.breaker.recordSuccess()
	t.metrics.SetCircuitOpen(false)
	if !ok {
		t.metrics.ObserveStore(metrics.BackendDistributed, metrics.StoreOperationGet, metrics.StoreResultMiss, time.Since(start))
		return Entry{}, readMiss
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		// Malformed stored value: purge it and treat the read as a miss.
		t.metrics.ObserveStore(metrics.BackendDistributed, metrics.StoreOperationGet, metrics.StoreResultCorrupt, time.Since(start))
		t.logger.Warn("corrupt cache entry purged", slog.String("key", key), slog.Any("error", err))
		dctx, cancel := context.WithTimeout(ctx, t.timeout)
		_ = t.distributed.Delete(dctx, key)
		cancel()
		return Entry{}, readMiss
	}
	if !t.clk.Now().Before(entry.ExpiresAt) {
		t.metrics.ObserveStore(metrics.BackendDistributed, metrics.StoreOperationGet, metrics.StoreResultMiss, time.Since(start))
		return Entry{}, readMiss
	}
	t.metrics.ObserveStore(metrics.BackendDistributed, metrics.StoreOperationGet, metrics.StoreResultHit, time.Since(start))
	return entry, readHit
}

func (t *Tiered) localGet(ctx context.Context, key string) (Entry, bool) {
	start := time.Now()
	payload, ok, err := t.local.Get(ctx, key)
	if err != nil {
		t.metrics.ObserveStore(metrics.BackendLocal, metrics.StoreOperationGet, metrics.StoreResultError, time.Since(start))
		t.logger.Error("local cache read failed", slog.String("key", key), slog.Any("error", err))
		return Entry{}, false
	}
	if !ok {
		t.metrics.ObserveStore(metrics.BackendLocal, metrics.StoreOperationGet, metrics.StoreResultMiss, time.Since(start))
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		t.metrics.ObserveStore(metrics.BackendLocal, metrics.StoreOperationGet, metrics.StoreResultCorrupt, time.Since(start))
		_ = t.local.Delete(ctx, key)
		return Entry{}, false
	}
	if !t.clk.Now().Before(entry.ExpiresAt) {
		t.metrics.ObserveStore(metrics.BackendLocal, metrics.StoreOperationGet, metrics.StoreResultMiss, time.Since(start))
		_ = t.local.Delete(ctx, key)
		return Entry{}, false
	}
	t.metrics.ObserveStore(metrics.BackendLocal, metrics.StoreOperationGet, metrics.StoreResultHit, time.Since(start))
	return entry, true
}
