// Package gate composes the tiered cache and the throttle around a unit of
// work. The order is fixed: the cache is consulted before the throttle, so a
// cached key can be re-read without spending rate budget. Concurrent misses
// on one key are collapsed into a single compute call.
package gate

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/guardrail/internal/cache"
	"github.com/l0p7/guardrail/internal/metrics"
	"github.com/l0p7/guardrail/internal/throttle"
)

// OutcomeKind classifies how the gate resolved a request.
type OutcomeKind string

const (
	// OutcomeHit means the response came from the cache; the handler never ran.
	OutcomeHit OutcomeKind = "hit"
	// OutcomeComputed means the handler ran and the result was cached.
	OutcomeComputed OutcomeKind = "computed"
	// OutcomeRateLimited means the throttle denied the request.
	OutcomeRateLimited OutcomeKind = "rate_limited"
	// OutcomeLocked means the account behind the request is frozen. The gate
	// itself never produces it; the authentication collaborator does, using
	// the same decision vocabulary so observability stays uniform.
	OutcomeLocked OutcomeKind = "locked"
)

// Response is the payload the gate carries for its collaborators. The gate
// never inspects Body semantics.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Outcome is the gate's decision for one request.
type Outcome struct {
	Kind       OutcomeKind
	Response   Response
	RetryAfter time.Duration
	// LockedUntil is set only on OutcomeLocked.
	LockedUntil time.Time
}

// ComputeFunc produces the response body for a cache key. It is the external
// handler collaborator.
type ComputeFunc func(ctx context.Context) (Response, error)

// Options configures a gate.
type Options struct {
	Cache    *cache.Tiered
	Throttle *throttle.Throttle
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Gate wraps compute callbacks with caching and throttling.
type Gate struct {
	cache    *cache.Tiered
	throttle *throttle.Throttle
	logger   *slog.Logger
	metrics  *metrics.Recorder
	group    singleflight.Group
}

func New(opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cache:    opts.Cache,
		throttle: opts.Throttle,
		logger:   logger.With(slog.String("component", "gate")),
		metrics:  opts.Metrics,
	}
}

// Throttle exposes the underlying throttle for collaborators that spend
// budget outside the cache path, such as the authentication route.
func (g *Gate) Throttle() *throttle.Throttle { return g.throttle }

// Request identifies one unit of work passing through the gate.
type Request struct {
	// Key is the cache key for the unit of work.
	Key string
	// ClientKey identifies the caller for throttling.
	ClientKey string
	// Route labels metrics and selects the cache TTL; informational here.
	Route string
	// Policy is the throttle budget the request spends from.
	Policy throttle.Policy
	// TTL is the cache lifetime for a computed result. TTL <= 0 disables
	// caching for this request.
	TTL time.Duration
}

// Do resolves the request: cache check, then throttle check, then compute and
// cache. Compute errors propagate unchanged; everything the resilience layer
// can absorb has already been absorbed below this point.
func (g *Gate) Do(ctx context.Context, req Request, compute ComputeFunc) (Outcome, error) {
	start := time.Now()

	if entry, ok := g.cache.Get(ctx, req.Key); ok {
		outcome := Outcome{
			Kind: OutcomeHit,
			Response: Response{
				Status:      entry.Status,
				ContentType: entry.ContentType,
				Body:        entry.Body,
			},
		}
		g.metrics.ObserveDecision(req.Route, string(OutcomeHit), time.Since(start))
		return outcome, nil
	}

	decision := g.throttle.Allow(ctx, req.ClientKey, req.Policy)
	if !decision.Allowed {
		g.metrics.ObserveDecision(req.Route, string(OutcomeRateLimited), time.Since(start))
		return Outcome{Kind: OutcomeRateLimited, RetryAfter: decision.RetryAfter}, nil
	}

	value, err, _ := g.group.Do(req.Key, func() (any, error) {
		resp, err := compute(ctx)
		if err != nil {
			return Response{}, err
		}
		entry := cache.Entry{
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Body:        resp.Body,
		}
		if putErr := g.cache.Put(ctx, req.Key, entry, req.TTL); putErr != nil {
			// The response is still served; it just goes uncached.
			g.logger.Warn("response not cached", slog.String("key", req.Key), slog.Any("error", putErr))
		}
		return resp, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	resp := value.(Response)
	g.metrics.ObserveDecision(req.Route, string(OutcomeComputed), time.Since(start))
	return Outcome{Kind: OutcomeComputed, Response: resp}, nil
}
