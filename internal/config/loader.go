// Package config hydrates the guardrail runtime configuration with
// env > file > default precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader assembles the effective configuration snapshot.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Files are layered in order; the
// environment wins over everything.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load builds the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.timeoutmillis":            "cache.timeoutMillis",
			"cache.defaultttlseconds":        "cache.defaultTtlSeconds",
			"cache.routettlseconds":          "cache.routeTtlSeconds",
			"cache.valkey.tls.cafile":        "cache.valkey.tls.caFile",
			"cache.breaker.failurethreshold": "cache.breaker.failureThreshold",
			"cache.breaker.cooldownseconds":  "cache.breaker.cooldownSeconds",
			"throttle.general.windowseconds": "throttle.general.windowSeconds",
			"throttle.strict.windowseconds":  "throttle.strict.windowSeconds",
			"lockout.maxattempts":            "lockout.maxAttempts",
			"lockout.lockoutminutes":         "lockout.lockoutMinutes",
			"lockout.attemptwindowhours":     "lockout.attemptWindowHours",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (CACHE__BREAKER__COOLDOWNSECONDS -> cache.breaker.cooldownseconds).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"cache": map[string]any{
			"backend":           cfg.Cache.Backend,
			"timeoutMillis":     cfg.Cache.TimeoutMillis,
			"defaultTtlSeconds": cfg.Cache.DefaultTTLSeconds,
			"routeTtlSeconds":   cfg.Cache.RouteTTLSeconds,
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
			"local": map[string]any{
				"shards":   cfg.Cache.Local.Shards,
				"capacity": cfg.Cache.Local.Capacity,
			},
			"breaker": map[string]any{
				"failureThreshold": cfg.Cache.Breaker.FailureThreshold,
				"cooldownSeconds":  cfg.Cache.Breaker.CooldownSeconds,
			},
		},
		"throttle": map[string]any{
			"general": map[string]any{
				"limit":         cfg.Throttle.General.Limit,
				"windowSeconds": cfg.Throttle.General.WindowSeconds,
			},
			"strict": map[string]any{
				"limit":         cfg.Throttle.Strict.Limit,
				"windowSeconds": cfg.Throttle.Strict.WindowSeconds,
			},
		},
		"lockout": map[string]any{
			"maxAttempts":        cfg.Lockout.MaxAttempts,
			"lockoutMinutes":     cfg.Lockout.LockoutMinutes,
			"attemptWindowHours": cfg.Lockout.AttemptWindowHours,
		},
	}
}
