package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/guardrail/internal/cache"
	"github.com/l0p7/guardrail/internal/config"
	"github.com/l0p7/guardrail/internal/gate"
	"github.com/l0p7/guardrail/internal/lockout"
	"github.com/l0p7/guardrail/internal/logging"
	"github.com/l0p7/guardrail/internal/metrics"
	"github.com/l0p7/guardrail/internal/server"
	"github.com/l0p7/guardrail/internal/store"
	"github.com/l0p7/guardrail/internal/throttle"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "GUARDRAIL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	local := store.NewMemory(store.MemoryOptions{
		Shards:   cfg.Cache.Local.Shards,
		Capacity: cfg.Cache.Local.Capacity,
	})

	var distributed store.Store
	if strings.EqualFold(cfg.Cache.Backend, "valkey") {
		distributed, err = store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Cache.Valkey.Address,
			Username: cfg.Cache.Valkey.Username,
			Password: cfg.Cache.Valkey.Password,
			DB:       cfg.Cache.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Cache.Valkey.TLS.Enabled,
				CAFile:  cfg.Cache.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			// Boot degrades to local-only rather than refusing to start; the
			// event is loud so operators notice.
			logger.Error("distributed store unavailable at startup, running local-only", slog.Any("error", err))
			distributed = nil
		}
	}

	tiered := cache.New(cache.Options{
		Distributed:      distributed,
		Local:            local,
		Timeout:          cfg.Cache.BackendTimeout(),
		FailureThreshold: cfg.Cache.Breaker.FailureThreshold,
		Cooldown:         cfg.Cache.Breaker.Cooldown(),
		Logger:           logger,
		Metrics:          recorder,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := tiered.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	// Throttle windows and lockout counters share the distributed store so
	// limits hold across instances; without it they degrade to per-process
	// enforcement on the local store.
	controlStore := distributed
	controlBackend := metrics.BackendDistributed
	if controlStore == nil {
		controlStore = local
		controlBackend = metrics.BackendLocal
	}

	throttler := throttle.New(throttle.Options{
		Store:   controlStore,
		Backend: controlBackend,
		Timeout: cfg.Cache.BackendTimeout(),
		Logger:  logger,
		Metrics: recorder,
	})

	tracker := lockout.New(lockout.Options{
		Store:         controlStore,
		MaxAttempts:   cfg.Lockout.MaxAttempts,
		LockDuration:  cfg.Lockout.LockDuration(),
		AttemptWindow: cfg.Lockout.AttemptWindow(),
		Timeout:       cfg.Cache.BackendTimeout(),
		Logger:        logger,
		Metrics:       recorder,
	})

	resilientGate := gate.New(gate.Options{
		Cache:    tiered,
		Throttle: throttler,
		Logger:   logger,
		Metrics:  recorder,
	})

	router := server.NewRouter(server.RouterOptions{
		Gate:     resilientGate,
		Lockout:  tracker,
		Auth:     envAuthenticator(os.Getenv(*envPrefix + "_CREDENTIALS")),
		Policies: policiesFromConfig(cfg),
		Logger:   logger,
	})
	router.Register(server.Route{
		Path:      "/status",
		Class:     "status",
		Cacheable: true,
		Handler: func(context.Context, *http.Request) (gate.Response, error) {
			body, _ := json.Marshal(map[string]any{"status": "ok", "generatedAt": time.Now().UTC()})
			return gate.Response{Status: http.StatusOK, ContentType: "application/json", Body: body}, nil
		},
	})

	if *configFile != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			router.UpdatePolicies(policiesFromConfig(next))
			logger.Info("policy snapshot reloaded")
		}, func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", router)

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func policiesFromConfig(cfg config.Config) *server.Policies {
	routeTTL := make(map[string]time.Duration, len(cfg.Cache.RouteTTLSeconds))
	for route, seconds := range cfg.Cache.RouteTTLSeconds {
		routeTTL[route] = time.Duration(seconds) * time.Second
	}
	return &server.Policies{
		General: throttle.Policy{
			Name:   "general",
			Limit:  cfg.Throttle.General.Limit,
			Window: cfg.Throttle.General.Window(),
		},
		Strict: throttle.Policy{
			Name:   "strict",
			Limit:  cfg.Throttle.Strict.Limit,
			Window: cfg.Throttle.Strict.Window(),
		},
		DefaultTTL: time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
		RouteTTL:   routeTTL,
	}
}

// envAuthenticator builds the credential collaborator from an
// "account:secret,account:secret" environment value. Token issuance and real
// credential storage live outside this process; an empty value rejects every
// attempt.
func envAuthenticator(raw string) server.Authenticator {
	credentials := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		account, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || account == "" {
			continue
		}
		credentials[account] = secret
	}
	return func(_ context.Context, account, secret string) (bool, error) {
		expected, ok := credentials[account]
		if !ok {
			return false, nil
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) == 1, nil
	}
}
