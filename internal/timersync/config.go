package timersync

import (
	"time"

	"github.com/goodtune/worktimer/internal/config"
)

const (
	DefaultMaxAttempts          = 5
	DefaultInitialBackoff       = 200 * time.Millisecond
	DefaultMaxBackoff           = 5 * time.Second
	DefaultRequestTimeout       = 5 * time.Second
	DefaultIdempotencyCacheSize = 256
	DefaultIdleTimeout          = 30 * time.Minute
	DefaultMaxDevicesPerUser    = 8
)

// Config holds engine configuration. A zero TickInterval or
// AutoSyncInterval disables that timer; MaxPauses <= 0 means unlimited.
type Config struct {
	MaxPauses            int
	TickInterval         time.Duration
	IdempotencyCacheSize int
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	RequestTimeout       time.Duration
	AutoSyncInterval     time.Duration

	// Hub limits: engines idle for IdleTimeout with nothing to sync are
	// closed, and a user may hold at most MaxDevicesPerUser engines.
	IdleTimeout       time.Duration
	MaxDevicesPerUser int
}

// ConfigFrom builds an engine configuration from the application config.
func ConfigFrom(t config.TimerConfig, s config.SyncConfig) Config {
	return Config{
		MaxPauses:            t.MaxPauses,
		TickInterval:         t.TickInterval,
		IdempotencyCacheSize: t.IdempotencyCacheSize,
		MaxAttempts:          s.MaxAttempts,
		InitialBackoff:       s.InitialBackoff,
		MaxBackoff:           s.MaxBackoff,
		RequestTimeout:       s.RequestTimeout,
		AutoSyncInterval:     s.AutoSyncInterval,
		IdleTimeout:          s.EngineIdle,
		MaxDevicesPerUser:    s.MaxDevices,
	}
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.InitialBackoff {
			c.MaxBackoff = c.InitialBackoff
		}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.IdempotencyCacheSize <= 0 {
		c.IdempotencyCacheSize = DefaultIdempotencyCacheSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxDevicesPerUser <= 0 {
		c.MaxDevicesPerUser = DefaultMaxDevicesPerUser
	}
}
