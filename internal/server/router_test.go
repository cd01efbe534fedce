package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"

	"github.com/l0p7/guardrail/internal/cache"
	"github.com/l0p7/guardrail/internal/gate"
	"github.com/l0p7/guardrail/internal/lockout"
	"github.com/l0p7/guardrail/internal/store"
	"github.com/l0p7/guardrail/internal/throttle"
)

type routerFixture struct {
	router  *Router
	calls   atomic.Int64
	expect  *httpexpect.Expect
	cleanup func()
}

func newRouterFixture(t *testing.T, policies *Policies, auth Authenticator) *routerFixture {
	t.Helper()

	tiered := cache.New(cache.Options{
		Local:  store.NewMemory(store.MemoryOptions{}),
		Logger: newTestLogger(),
	})
	g := gate.New(gate.Options{
		Cache: tiered,
		Throttle: throttle.New(throttle.Options{
			Store:  store.NewMemory(store.MemoryOptions{}),
			Logger: newTestLogger(),
		}),
		Logger: newTestLogger(),
	})
	tracker := lockout.New(lockout.Options{
		Store:       store.NewMemory(store.MemoryOptions{}),
		MaxAttempts: 3,
		Logger:      newTestLogger(),
	})

	if auth == nil {
		auth = func(_ context.Context, account, secret string) (bool, error) {
			return account == "alice" && secret == "sesame", nil
		}
	}

	fixture := &routerFixture{}
	fixture.router = NewRouter(RouterOptions{
		Gate:     g,
		Lockout:  tracker,
		Auth:     auth,
		Policies: policies,
		Logger:   newTestLogger(),
	})
	fixture.router.Register(Route{
		Path:      "/status",
		Class:     "status",
		Cacheable: true,
		Handler: func(context.Context, *http.Request) (gate.Response, error) {
			fixture.calls.Add(1)
			return gate.Response{
				Status:      http.StatusOK,
				ContentType: "application/json",
				Body:        []byte(`{"status":"ready"}`),
			}, nil
		},
	})

	srv := httptest.NewServer(fixture.router)
	fixture.expect = httpexpect.Default(t, srv.URL)
	fixture.cleanup = srv.Close
	t.Cleanup(fixture.cleanup)
	return fixture
}

func defaultTestPolicies() *Policies {
	return &Policies{
		General:    throttle.Policy{Name: "general", Limit: 100, Window: time.Minute},
		Strict:     throttle.Policy{Name: "strict", Limit: 100, Window: time.Minute},
		DefaultTTL: time.Minute,
	}
}

func TestRouterHealth(t *testing.T) {
	fixture := newRouterFixture(t, defaultTestPolicies(), nil)
	fixture.expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
}

func TestRouterUnknownPath(t *testing.T) {
	fixture := newRouterFixture(t, defaultTestPolicies(), nil)
	fixture.expect.GET("/nowhere").
		Expect().
		Status(http.StatusNotFound)
}

func TestRouterServesCachedResponses(t *testing.T) {
	fixture := newRouterFixture(t, defaultTestPolicies(), nil)

	first := fixture.expect.GET("/status").Expect()
	first.Status(http.StatusOK)
	first.Header("X-Cache").IsEqual("MISS")
	first.JSON().Object().HasValue("status", "ready")

	second := fixture.expect.GET("/status").Expect()
	second.Status(http.StatusOK)
	second.Header("X-Cache").IsEqual("HIT")
	second.JSON().Object().HasValue("status", "ready")

	if got := fixture.calls.Load(); got != 1 {
		t.Fatalf("expected one handler invocation, got %d", got)
	}
}

func TestRouterVariesCacheByQuery(t *testing.T) {
	fixture := newRouterFixture(t, defaultTestPolicies(), nil)

	fixture.expect.GET("/status").WithQuery("page", "1").
		Expect().Status(http.StatusOK).Header("X-Cache").IsEqual("MISS")
	fixture.expect.GET("/status").WithQuery("page", "2").
		Expect().Status(http.StatusOK).Header("X-Cache").IsEqual("MISS")
	fixture.expect.GET("/status").WithQuery("page", "1").
		Expect().Status(http.StatusOK).Header("X-Cache").IsEqual("HIT")
}

func TestRouterRateLimitsMisses(t *testing.T) {
	policies := defaultTestPolicies()
	policies.General.Limit = 2
	fixture := newRouterFixture(t, policies, nil)

	// Distinct queries defeat the cache, so each request spends budget.
	fixture.expect.GET("/status").WithQuery("n", "1").Expect().Status(http.StatusOK)
	fixture.expect.GET("/status").WithQuery("n", "2").Expect().Status(http.StatusOK)

	denied := fixture.expect.GET("/status").WithQuery("n", "3").Expect()
	denied.Status(http.StatusTooManyRequests)
	denied.Header("Retry-After").NotEmpty()
	denied.JSON().Object().HasValue("error", "rate limit exceeded")

	// Cached keys remain readable while the budget is exhausted.
	fixture.expect.GET("/status").WithQuery("n", "1").
		Expect().Status(http.StatusOK).Header("X-Cache").IsEqual("HIT")
}

func TestRouterUpstreamFailure(t *testing.T) {
	fixture := newRouterFixture(t, defaultTestPolicies(), nil)
	fixture.router.Register(Route{
		Path:      "/broken",
		Cacheable: true,
		Handler: func(context.Context, *http.Request) (gate.Response, error) {
			return gate.Response{}, errors.New("upstream exploded")
		},
	})

	fixture.expect.GET("/broken").
		Expect().
		Status(http.StatusBadGateway).
		JSON().Object().HasValue("error", "upstream failure")
}

func TestRouterLoginFlow(t *testing.T) {
	fixture := newRouterFixture(t, defaultTestPolicies(), nil)

	fixture.expect.POST("/login").
		WithJSON(map[string]string{"account": "alice", "secret": "sesame"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")

	fixture.expect.POST("/login").
		WithJSON(map[string]string{"account": "alice", "secret": "wrong"}).
		Expect().
		Status(http.StatusUnauthorized).
		JSON().Object().HasValue("error", "invalid credentials")
}

func TestRouterLoginRejectsMalformedBody(t *testing.T) {
	fixture := newRouterFixture(t, defaultTestPolicies(), nil)

	fixture.expect.POST("/login").
		WithText("not json").
		Expect().
		Status(http.StatusBadRequest)

	fixture.expect.GET("/login").
		Expect().
		Status(http.StatusMethodNotAllowed)
}

func TestRouterLoginLocksAccount(t *testing.T) {
	fixture := newRouterFixture(t, defaultTestPolicies(), nil)

	// Three failures cross the fixture tracker's threshold.
	for i := 0; i < 3; i++ {
		fixture.expect.POST("/login").
			WithJSON(map[string]string{"account": "alice", "secret": "wrong"}).
			Expect().
			Status(http.StatusUnauthorized)
	}

	// Correct credentials are refused while frozen, with the same shape as a
	// throttled rejection.
	denied := fixture.expect.POST("/login").
		WithJSON(map[string]string{"account": "alice", "secret": "sesame"}).
		Expect()
	denied.Status(http.StatusTooManyRequests)
	denied.Header("Retry-After").NotEmpty()
	denied.JSON().Object().HasValue("error", "too many attempts")

	// Other accounts are unaffected.
	fixture.expect.POST("/login").
		WithJSON(map[string]string{"account": "bob", "secret": "anything"}).
		Expect().
		Status(http.StatusUnauthorized)
}

func TestRouterLoginThrottled(t *testing.T) {
	policies := defaultTestPolicies()
	policies.Strict.Limit = 2
	fixture := newRouterFixture(t, policies, nil)

	for i := 0; i < 2; i++ {
		fixture.expect.POST("/login").
			WithJSON(map[string]string{"account": "alice", "secret": "wrong"}).
			Expect().
			Status(http.StatusUnauthorized)
	}

	denied := fixture.expect.POST("/login").
		WithJSON(map[string]string{"account": "alice", "secret": "sesame"}).
		Expect()
	denied.Status(http.StatusTooManyRequests)
	denied.JSON().Object().HasValue("error", "too many attempts")
}

func TestRouterPolicyReload(t *testing.T) {
	policies := defaultTestPolicies()
	policies.General.Limit = 1
	fixture := newRouterFixture(t, policies, nil)

	fixture.expect.GET("/status").WithQuery("n", "1").Expect().Status(http.StatusOK)
	fixture.expect.GET("/status").WithQuery("n", "2").
		Expect().Status(http.StatusTooManyRequests)

	// A reload widens the budget without restarting anything. The throttle
	// window it spent from is unchanged, so a fresh policy name isolates it.
	next := defaultTestPolicies()
	next.General = throttle.Policy{Name: "general-v2", Limit: 100, Window: time.Minute}
	fixture.router.UpdatePolicies(next)

	fixture.expect.GET("/status").WithQuery("n", "2").
		Expect().Status(http.StatusOK)
}
