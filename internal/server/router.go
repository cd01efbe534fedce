package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/l0p7/guardrail/internal/cache"
	"github.com/l0p7/guardrail/internal/gate"
	"github.com/l0p7/guardrail/internal/lockout"
	"github.com/l0p7/guardrail/internal/throttle"
)

// Policies is the hot-reloadable policy snapshot the router reads on every
// request. Replacing it is a single atomic pointer swap; request tasks never
// block on a reload.
type Policies struct {
	General    throttle.Policy
	Strict     throttle.Policy
	DefaultTTL time.Duration
	RouteTTL   map[string]time.Duration
}

// TTLFor returns the cache lifetime for a route class.
func (p *Policies) TTLFor(route string) time.Duration {
	if ttl, ok := p.RouteTTL[route]; ok {
		return ttl
	}
	return p.DefaultTTL
}

// Handler computes the response body for a request; it is the external
// collaborator the gate decorates.
type Handler func(ctx context.Context, r *http.Request) (gate.Response, error)

// Authenticator evaluates credentials; it is an opaque collaborator. The
// router only acts on the boolean.
type Authenticator func(ctx context.Context, account, secret string) (bool, error)

// Route binds a path to a handler, a route class for TTL selection, and the
// throttle policy its traffic spends from.
type Route struct {
	Path string
	// Class selects the cache TTL; defaults to the path.
	Class string
	// Strict routes spend from the sensitive-endpoint throttle budget.
	Strict bool
	// Cacheable routes pass through the tiered cache. Non-cacheable routes
	// still spend throttle budget.
	Cacheable bool
	Handler   Handler
}

// RouterOptions wires the router's collaborators.
type RouterOptions struct {
	Gate     *gate.Gate
	Lockout  *lockout.Tracker
	Auth     Authenticator
	Policies *Policies
	Logger   *slog.Logger
}

// Router decorates registered handlers with the resilient gate and hosts the
// authentication path guarded by the lockout tracker.
type Router struct {
	gate     *gate.Gate
	lockout  *lockout.Tracker
	auth     Authenticator
	policies atomic.Pointer[Policies]
	logger   *slog.Logger
	routes   map[string]Route
}

func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		gate:    opts.Gate,
		lockout: opts.Lockout,
		auth:    opts.Auth,
		logger:  logger.With(slog.String("component", "router")),
		routes:  make(map[string]Route),
	}
	policies := opts.Policies
	if policies == nil {
		policies = &Policies{}
	}
	r.policies.Store(policies)
	return r
}

// UpdatePolicies swaps in a new policy snapshot.
func (rt *Router) UpdatePolicies(p *Policies) {
	if p == nil {
		return
	}
	rt.policies.Store(p)
}

// Register adds a gate-decorated route.
func (rt *Router) Register(route Route) {
	if route.Class == "" {
		route.Class = route.Path
	}
	rt.routes[route.Path] = route
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		rt.serveHealth(w)
		return
	case "/login":
		rt.serveLogin(w, r)
		return
	}

	route, ok := rt.routes[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	rt.serveRoute(w, r, route)
}

func (rt *Router) serveRoute(w http.ResponseWriter, r *http.Request, route Route) {
	policies := rt.policies.Load()
	policy := policies.General
	if route.Strict {
		policy = policies.Strict
	}
	ttl := policies.TTLFor(route.Class)
	if !route.Cacheable {
		ttl = 0
	}

	key := cache.RequestKey{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()}.Hash()
	req := gate.Request{
		Key:       key,
		ClientKey: clientKey(r),
		Route:     route.Class,
		Policy:    policy,
		TTL:       ttl,
	}

	outcome, err := rt.gate.Do(r.Context(), req, func(ctx context.Context) (gate.Response, error) {
		return route.Handler(ctx, r.WithContext(ctx))
	})
	if err != nil {
		rt.logger.Error("handler failed", slog.String("path", route.Path), slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream failure"})
		return
	}

	switch outcome.Kind {
	case gate.OutcomeRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(outcome.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "rate limit exceeded",
			"retryAfter": outcome.RetryAfter.Seconds(),
		})
	case gate.OutcomeHit, gate.OutcomeComputed:
		if outcome.Response.ContentType != "" {
			w.Header().Set("Content-Type", outcome.Response.ContentType)
		}
		w.Header().Set("X-Cache", cacheHeader(outcome.Kind))
		status := outcome.Response.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(outcome.Response.Body)
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "unresolved decision"})
	}
}

type loginRequest struct {
	Account string `json:"account"`
	Secret  string `json:"secret"`
}

// serveLogin is the authentication collaborator path: strict throttle on the
// client, lockout on the account. Responses never reveal whether a rejection
// came from the freeze or from bad credentials.
func (rt *Router) serveLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Account == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed credentials"})
		return
	}

	policies := rt.policies.Load()
	decision := rt.gate.Throttle().Allow(r.Context(), clientKey(r), policies.Strict)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many attempts"})
		return
	}

	if locked, until := rt.lockout.IsLocked(r.Context(), body.Account); locked {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(time.Until(until))))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many attempts"})
		return
	}

	ok, err := rt.auth(r.Context(), body.Account, body.Secret)
	if err != nil {
		rt.logger.Error("authenticator failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "authentication unavailable"})
		return
	}
	if !ok {
		_ = rt.lockout.RecordFailure(r.Context(), body.Account)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}

	_ = rt.lockout.RecordSuccess(r.Context(), body.Account)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (rt *Router) serveHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func cacheHeader(kind gate.OutcomeKind) string {
	if kind == gate.OutcomeHit {
		return "HIT"
	}
	return "MISS"
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
