package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option for the guardrail process.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Cache    CacheConfig    `koanf:"cache"`
	Throttle ThrottleConfig `koanf:"throttle"`
	Lockout  LockoutConfig  `koanf:"lockout"`
}

// ServerConfig collects listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig wires the tiered response cache.
type CacheConfig struct {
	// Backend selects the distributed tier: "valkey" or "memory". The
	// memory backend runs the cache local-only, for development.
	Backend           string           `koanf:"backend"`
	Valkey            ValkeyConfig     `koanf:"valkey"`
	TimeoutMillis     int              `koanf:"timeoutMillis"`
	Local             LocalStoreConfig `koanf:"local"`
	Breaker           BreakerConfig    `koanf:"breaker"`
	DefaultTTLSeconds int              `koanf:"defaultTtlSeconds"`
	RouteTTLSeconds   map[string]int   `koanf:"routeTtlSeconds"`
}

// ValkeyConfig carries distributed store connection settings.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// LocalStoreConfig bounds the in-process fallback store.
type LocalStoreConfig struct {
	Shards   int `koanf:"shards"`
	Capacity int `koanf:"capacity"`
}

// BreakerConfig tunes the distributed-backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `koanf:"failureThreshold"`
	CooldownSeconds  int `koanf:"cooldownSeconds"`
}

// ThrottleConfig declares the two fixed-window policies.
type ThrottleConfig struct {
	General ThrottlePolicyConfig `koanf:"general"`
	Strict  ThrottlePolicyConfig `koanf:"strict"`
}

// ThrottlePolicyConfig is one fixed-window budget.
type ThrottlePolicyConfig struct {
	Limit         int64 `koanf:"limit"`
	WindowSeconds int   `koanf:"windowSeconds"`
}

// LockoutConfig tunes the failed-login tracker.
type LockoutConfig struct {
	MaxAttempts        int64 `koanf:"maxAttempts"`
	LockoutMinutes     int   `koanf:"lockoutMinutes"`
	AttemptWindowHours int   `koanf:"attemptWindowHours"`
}

// DefaultConfig returns the baseline the loader layers files and environment
// variables over.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Cache: CacheConfig{
			Backend:           "memory",
			TimeoutMillis:     250,
			Local:             LocalStoreConfig{Shards: 16, Capacity: 4096},
			Breaker:           BreakerConfig{FailureThreshold: 3, CooldownSeconds: 30},
			DefaultTTLSeconds: 60,
		},
		Throttle: ThrottleConfig{
			General: ThrottlePolicyConfig{Limit: 100, WindowSeconds: 900},
			Strict:  ThrottlePolicyConfig{Limit: 5, WindowSeconds: 900},
		},
		Lockout: LockoutConfig{
			MaxAttempts:        5,
			LockoutMinutes:     120,
			AttemptWindowHours: 24,
		},
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "memory", "valkey":
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Cache.Backend)
	}
	if strings.ToLower(c.Cache.Backend) == "valkey" && strings.TrimSpace(c.Cache.Valkey.Address) == "" {
		return fmt.Errorf("config: valkey backend requires an address")
	}
	if c.Cache.TimeoutMillis <= 0 {
		return fmt.Errorf("config: cache timeout must be positive")
	}
	if c.Cache.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker failure threshold must be positive")
	}
	if c.Cache.Breaker.CooldownSeconds <= 0 {
		return fmt.Errorf("config: breaker cooldown must be positive")
	}
	for _, policy := range []struct {
		name string
		cfg  ThrottlePolicyConfig
	}{{"general", c.Throttle.General}, {"strict", c.Throttle.Strict}} {
		if policy.cfg.Limit <= 0 {
			return fmt.Errorf("config: throttle %s limit must be positive", policy.name)
		}
		if policy.cfg.WindowSeconds <= 0 {
			return fmt.Errorf("config: throttle %s window must be positive", policy.name)
		}
	}
	if c.Lockout.MaxAttempts <= 0 {
		return fmt.Errorf("config: lockout max attempts must be positive")
	}
	if c.Lockout.LockoutMinutes <= 0 {
		return fmt.Errorf("config: lockout duration must be positive")
	}
	return nil
}

// BackendTimeout returns the bounded-call timeout as a duration.
func (c CacheConfig) BackendTimeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// BreakerCooldown returns the circuit cooldown as a duration.
func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// RouteTTL returns the cache lifetime for a route class, falling back to the
// default when the class has no explicit entry.
func (c CacheConfig) RouteTTL(route string) time.Duration {
	if seconds, ok := c.RouteTTLSeconds[route]; ok {
		return time.Duration(seconds) * time.Second
	}
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// Window returns the policy window as a duration.
func (p ThrottlePolicyConfig) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// LockDuration returns the freeze length as a duration.
func (c LockoutConfig) LockDuration() time.Duration {
	return time.Duration(c.LockoutMinutes) * time.Minute
}

// AttemptWindow returns the failure counter lifetime as a duration.
func (c LockoutConfig) AttemptWindow() time.Duration {
	return time.Duration(c.AttemptWindowHours) * time.Hour
}
