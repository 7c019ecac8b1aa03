package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/yanggf8/cct-sub007/internal/cache"
	"github.com/yanggf8/cct-sub007/internal/resilience"
)

// Config holds every server-level option plus the namespace and origin
// tuning tables.
type Config struct {
	Server     ServerConfig               `koanf:"server"`
	Namespaces map[string]NamespaceConfig `koanf:"namespaces"`
	Origins    map[string]OriginConfig    `koanf:"origins"`
}

// ServerConfig collects the bootstrap knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Cache   CacheConfig   `koanf:"cache"`
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

// CacheConfig selects the durable backend and tunes the hot tier.
type CacheConfig struct {
	// Backend is "memory" or "valkey".
	Backend        string          `koanf:"backend"`
	MaxHotEntries  int             `koanf:"maxHotEntries"`
	CleanupSeconds int             `koanf:"cleanupSeconds"`
	Promotion      PromotionConfig `koanf:"promotion"`
	Valkey         ValkeyConfig    `koanf:"valkey"`
}

// PromotionConfig tunes the L2-to-L1 warming pass.
type PromotionConfig struct {
	Enabled         bool `koanf:"enabled"`
	TopN            int  `koanf:"topN"`
	IntervalSeconds int  `koanf:"intervalSeconds"`
}

// ValkeyConfig identifies the durable-tier valkey instance.
type ValkeyConfig struct {
	Address   string          `koanf:"address"`
	Username  string          `koanf:"username"`
	Password  string          `koanf:"password"`
	DB        int             `koanf:"db"`
	KeyPrefix string          `koanf:"keyPrefix"`
	TLS       ValkeyTLSConfig `koanf:"tls"`
}

// ValkeyTLSConfig carries the optional TLS material.
type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// WindowConfig restricts background refreshes to an hour-of-day band.
// Both hours zero keeps the window always open.
type WindowConfig struct {
	StartHour int    `koanf:"startHour"`
	EndHour   int    `koanf:"endHour"`
	Location  string `koanf:"location"`
}

// NamespaceConfig is one namespace's cache policy in file form.
type NamespaceConfig struct {
	L1TTLSeconds            int `koanf:"l1TtlSeconds"`
	L1GraceSeconds          int `koanf:"l1GraceSeconds"`
	RefreshThresholdSeconds int `koanf:"refreshThresholdSeconds"`
	// BackgroundRefresh defaults to true when omitted.
	BackgroundRefresh *bool        `koanf:"backgroundRefresh"`
	RefreshWindow     WindowConfig `koanf:"refreshWindow"`
	MaxL1Entries      int          `koanf:"maxL1Entries"`
}

// Policy converts the file form into the runtime policy, filling defaults
// for omitted fields.
func (n NamespaceConfig) Policy() (cache.Policy, error) {
	pol := cache.DefaultPolicy()
	if n.L1TTLSeconds > 0 {
		pol.L1TTL = time.Duration(n.L1TTLSeconds) * time.Second
	}
	if n.L1GraceSeconds > 0 {
		pol.L1Grace = time.Duration(n.L1GraceSeconds) * time.Second
	}
	if n.RefreshThresholdSeconds > 0 {
		pol.RefreshThreshold = time.Duration(n.RefreshThresholdSeconds) * time.Second
	}
	if n.BackgroundRefresh != nil {
		pol.BackgroundRefresh = *n.BackgroundRefresh
	}
	if n.MaxL1Entries > 0 {
		pol.MaxL1Entries = n.MaxL1Entries
	}
	window := cache.Window{StartHour: n.RefreshWindow.StartHour, EndHour: n.RefreshWindow.EndHour}
	if n.RefreshWindow.Location != "" {
		loc, err := time.LoadLocation(n.RefreshWindow.Location)
		if err != nil {
			return cache.Policy{}, fmt.Errorf("config: refresh window location: %w", err)
		}
		window.Location = loc
	}
	pol.RefreshWindow = window
	if err := pol.Validate(); err != nil {
		return cache.Policy{}, err
	}
	return pol, nil
}

// BreakerConfig is the circuit breaker tuning in file form.
type BreakerConfig struct {
	FailureThreshold int `koanf:"failureThreshold"`
	CooldownSeconds  int `koanf:"cooldownSeconds"`
}

// OriginConfig tunes the resilience wrapper for one origin. Zero fields
// fall back to the shared defaults.
type OriginConfig struct {
	TimeoutSeconds        int           `koanf:"timeoutSeconds"`
	MaxAttempts           int           `koanf:"maxAttempts"`
	InitialDelayMs        int           `koanf:"initialDelayMs"`
	MaxDelayMs            int           `koanf:"maxDelayMs"`
	Multiplier            float64       `koanf:"multiplier"`
	RateLimitDelaySeconds int           `koanf:"rateLimitDelaySeconds"`
	Breaker               BreakerConfig `koanf:"breaker"`
}

// CallerConfig converts the file form into the runtime resilience tuning.
func (o OriginConfig) CallerConfig() resilience.CallerConfig {
	cfg := resilience.CallerConfig{
		Timeout:        time.Duration(o.TimeoutSeconds) * time.Second,
		MaxAttempts:    o.MaxAttempts,
		InitialDelay:   time.Duration(o.InitialDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(o.MaxDelayMs) * time.Millisecond,
		Multiplier:     o.Multiplier,
		RateLimitDelay: time.Duration(o.RateLimitDelaySeconds) * time.Second,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: o.Breaker.FailureThreshold,
			Cooldown:         time.Duration(o.Breaker.CooldownSeconds) * time.Second,
		},
	}
	return cfg
}

// DefaultConfig is the baseline the loader layers files and env on top of.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Cache: CacheConfig{
				Backend:        "memory",
				MaxHotEntries:  1024,
				CleanupSeconds: 30,
				Promotion:      PromotionConfig{Enabled: true, TopN: 32, IntervalSeconds: 60},
			},
		},
	}
}

// Validate rejects configurations the runtime could not honor.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	switch c.Server.Cache.Backend {
	case "memory":
	case "valkey":
		if c.Server.Cache.Valkey.Address == "" {
			return errors.New("config: valkey backend requires an address")
		}
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Server.Cache.Backend)
	}
	if c.Server.Cache.MaxHotEntries < 0 {
		return errors.New("config: maxHotEntries must not be negative")
	}
	if c.Server.Cache.CleanupSeconds < 0 {
		return errors.New("config: cleanupSeconds must not be negative")
	}
	for name, ns := range c.Namespaces {
		if _, err := ns.Policy(); err != nil {
			return fmt.Errorf("config: namespace %s: %w", name, err)
		}
	}
	return nil
}
