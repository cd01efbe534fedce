package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/guardrail/internal/cache"
	"github.com/l0p7/guardrail/internal/clock"
	"github.com/l0p7/guardrail/internal/store"
	"github.com/l0p7/guardrail/internal/throttle"
)

func newTestGate(clk clock.Clock) *Gate {
	return New(Options{
		Cache: cache.New(cache.Options{
			Local: store.NewMemory(store.MemoryOptions{Clock: clk}),
			Clock: clk,
		}),
		Throttle: throttle.New(throttle.Options{
			Store: store.NewMemory(store.MemoryOptions{Clock: clk}),
		}),
	})
}

func testRequest(key string, policy throttle.Policy) Request {
	return Request{
		Key:       key,
		ClientKey: "client",
		Route:     "orders",
		Policy:    policy,
		TTL:       time.Minute,
	}
}

func okCompute(body string) ComputeFunc {
	return func(context.Context) (Response, error) {
		return Response{Status: 200, ContentType: "application/json", Body: []byte(body)}, nil
	}
}

func TestGateComputesThenHits(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	g := newTestGate(clk)
	policy := throttle.Policy{Name: "general", Limit: 100, Window: time.Minute}
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(ctx context.Context) (Response, error) {
		calls.Add(1)
		return okCompute(`{"ok":true}`)(ctx)
	}

	out, err := g.Do(ctx, testRequest("resp:1", policy), compute)
	require.NoError(t, err)
	require.Equal(t, OutcomeComputed, out.Kind)
	require.Equal(t, 200, out.Response.Status)
	require.Equal(t, `{"ok":true}`, string(out.Response.Body))

	out, err = g.Do(ctx, testRequest("resp:1", policy), compute)
	require.NoError(t, err)
	require.Equal(t, OutcomeHit, out.Kind)
	require.Equal(t, `{"ok":true}`, string(out.Response.Body))
	require.Equal(t, int64(1), calls.Load(), "the hit must not recompute")
}

func TestGateHitsSpendNoBudget(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	g := newTestGate(clk)
	// One request of budget: only the initial miss may spend it.
	policy := throttle.Policy{Name: "general", Limit: 1, Window: time.Hour}
	ctx := context.Background()

	out, err := g.Do(ctx, testRequest("resp:1", policy), okCompute("cached"))
	require.NoError(t, err)
	require.Equal(t, OutcomeComputed, out.Kind)

	for i := 0; i < 20; i++ {
		out, err = g.Do(ctx, testRequest("resp:1", policy), okCompute("cached"))
		require.NoError(t, err)
		require.Equal(t, OutcomeHit, out.Kind, "cached reads must bypass the throttle")
	}
}

func TestGateRateLimited(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	g := newTestGate(clk)
	policy := throttle.Policy{Name: "general", Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i, key := range []string{"resp:1", "resp:2"} {
		out, err := g.Do(ctx, testRequest(key, policy), okCompute("body"))
		require.NoError(t, err, "request %d", i)
		require.Equal(t, OutcomeComputed, out.Kind)
	}

	clk.Advance(15 * time.Second)
	out, err := g.Do(ctx, testRequest("resp:3", policy), okCompute("body"))
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, out.Kind)
	require.Equal(t, 45*time.Second, out.RetryAfter)
}

func TestGateComputeErrorPropagates(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	g := newTestGate(clk)
	policy := throttle.Policy{Name: "general", Limit: 100, Window: time.Minute}
	ctx := context.Background()

	wantErr := errors.New("upstream exploded")
	_, err := g.Do(ctx, testRequest("resp:1", policy), func(context.Context) (Response, error) {
		return Response{}, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// The failure must not be cached: the next attempt computes again.
	out, err := g.Do(ctx, testRequest("resp:1", policy), okCompute("recovered"))
	require.NoError(t, err)
	require.Equal(t, OutcomeComputed, out.Kind)
	require.Equal(t, "recovered", string(out.Response.Body))
}

func TestGateZeroTTLNotCached(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	g := newTestGate(clk)
	policy := throttle.Policy{Name: "general", Limit: 100, Window: time.Minute}
	ctx := context.Background()

	req := testRequest("resp:1", policy)
	req.TTL = 0

	var calls atomic.Int64
	compute := func(ctx context.Context) (Response, error) {
		calls.Add(1)
		return okCompute("uncacheable")(ctx)
	}

	for i := 0; i < 3; i++ {
		out, err := g.Do(ctx, req, compute)
		require.NoError(t, err)
		require.Equal(t, OutcomeComputed, out.Kind)
	}
	require.Equal(t, int64(3), calls.Load())
}

func TestGateCollapsesConcurrentMisses(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	g := newTestGate(clk)
	policy := throttle.Policy{Name: "general", Limit: 1000, Window: time.Minute}
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	compute := func(context.Context) (Response, error) {
		calls.Add(1)
		<-release
		return Response{Status: 200, Body: []byte("shared")}, nil
	}

	const concurrent = 10
	var wg sync.WaitGroup
	wg.Add(concurrent)
	outcomes := make([]Outcome, concurrent)
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = g.Do(ctx, testRequest("resp:1", policy), compute)
		}(i)
	}

	// Give every goroutine time to reach the compute barrier.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), calls.Load(), "concurrent misses on one key must compute once")
	for i := range outcomes {
		require.NoError(t, errs[i])
		require.Equal(t, "shared", string(outcomes[i].Response.Body))
	}
}
