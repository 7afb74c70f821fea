package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Timer    TimerConfig    `mapstructure:"timer"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Auth     AuthConfig     `mapstructure:"auth"`
	API      APIConfig      `mapstructure:"api"`
	Upload   UploadConfig   `mapstructure:"upload"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // "redis" or "bolt"
	Redis     RedisConfig `mapstructure:"redis"`
	BoltPath  string      `mapstructure:"bolt_path"`
	LocalPath string      `mapstructure:"local_path"` // device cache and offline outbox
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// DatabaseConfig defines the time-log database
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TimerConfig defines timer behaviour
type TimerConfig struct {
	MaxPauses            int           `mapstructure:"max_pauses"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	IdempotencyCacheSize int           `mapstructure:"idempotency_cache_size"`
}

// SyncConfig defines remote write retry and sync cadence
type SyncConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	AutoSyncInterval time.Duration `mapstructure:"auto_sync_interval"`
	EngineIdle       time.Duration `mapstructure:"engine_idle_timeout"`
	MaxDevices       int           `mapstructure:"max_devices_per_user"`
}

// ApprovalConfig defines the allocation approval workflow
type ApprovalConfig struct {
	RequiredApprovals int     `mapstructure:"required_approvals"`
	RejectPolicy      string  `mapstructure:"reject_policy"` // "any" or "majority"
	ThresholdHours    float64 `mapstructure:"threshold_hours"`
	ThresholdValue    float64 `mapstructure:"threshold_value"`
}

// PolicyConfig defines policy engine settings
type PolicyConfig struct {
	OPAPolicyDir string `mapstructure:"opa_policy_dir"` // empty uses the embedded policy
	CacheSize    int    `mapstructure:"cache_size"`
}

// AuthConfig defines API token settings
type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenExpiration time.Duration `mapstructure:"token_expiration"`
}

// APIConfig defines HTTP API limits
type APIConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// UploadConfig defines the media upload collaborator
type UploadConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	APIKey      string `mapstructure:"api_key"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	FallbackDir string `mapstructure:"fallback_dir"`
	MaxSize     int64  `mapstructure:"max_size"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("WORKTIMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration populated only from defaults.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.bolt_path", "/var/lib/worktimer/worktimer.bolt")
	v.SetDefault("storage.local_path", "/var/lib/worktimer/local.bolt")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "/var/lib/worktimer/timelog.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Timer defaults
	v.SetDefault("timer.max_pauses", 3)
	v.SetDefault("timer.tick_interval", "1s")
	v.SetDefault("timer.idempotency_cache_size", 256)

	// Sync defaults
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.initial_backoff", "200ms")
	v.SetDefault("sync.max_backoff", "5s")
	v.SetDefault("sync.request_timeout", "5s")
	v.SetDefault("sync.auto_sync_interval", "30s")
	v.SetDefault("sync.engine_idle_timeout", "30m")
	v.SetDefault("sync.max_devices_per_user", 8)

	// Approval defaults
	v.SetDefault("approval.required_approvals", 2)
	v.SetDefault("approval.reject_policy", "any")
	v.SetDefault("approval.threshold_hours", 40)
	v.SetDefault("approval.threshold_value", 5000)

	// Policy defaults
	v.SetDefault("policy.opa_policy_dir", "")
	v.SetDefault("policy.cache_size", 1024)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiration", "24h")

	// API defaults
	v.SetDefault("api.rate_limit", 10)
	v.SetDefault("api.rate_burst", 20)

	// Upload defaults
	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.api_key", "")
	v.SetDefault("upload.max_attempts", 3)
	v.SetDefault("upload.fallback_dir", "/var/lib/worktimer/uploads")
	v.SetDefault("upload.max_size", 25<<20)
}

// ValidKeys returns every recognised configuration key, sorted.
func ValidKeys() []string {
	v := viper.New()
	SetDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "bolt":
		if cfg.Storage.BoltPath == "" {
			return fmt.Errorf("storage.bolt_path is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}
	if cfg.Storage.LocalPath == "" {
		return fmt.Errorf("storage.local_path is required")
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver: %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if cfg.Timer.TickInterval <= 0 {
		return fmt.Errorf("timer.tick_interval must be positive")
	}
	if cfg.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if cfg.Sync.InitialBackoff <= 0 || cfg.Sync.MaxBackoff < cfg.Sync.InitialBackoff {
		return fmt.Errorf("sync backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if cfg.Sync.MaxDevices < 1 {
		return fmt.Errorf("sync.max_devices_per_user must be at least 1")
	}

	if cfg.Approval.RequiredApprovals < 1 {
		return fmt.Errorf("approval.required_approvals must be at least 1")
	}
	switch cfg.Approval.RejectPolicy {
	case "any", "majority":
	default:
		return fmt.Errorf("unknown approval.reject_policy: %q", cfg.Approval.RejectPolicy)
	}

	if cfg.API.RateLimit <= 0 || cfg.API.RateBurst < 1 {
		return fmt.Errorf("api rate limit must be positive")
	}
	if cfg.Upload.MaxSize <= 0 {
		return fmt.Errorf("upload.max_size must be positive")
	}

	return nil
}
