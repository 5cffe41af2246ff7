package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP listener and logging settings
type ServerConfig struct {
	Addr        string   `yaml:"Addr"`
	LogLevel    string   `yaml:"LogLevel"`
	LogFormat   string   `yaml:"LogFormat"`
	CORSOrigins []string `yaml:"CORSOrigins"`
	AccessLog   string   `yaml:"AccessLog"` // JSON-lines file, empty disables
}

// DatabaseConfig holds the main store connection and tenant handle settings
type DatabaseConfig struct {
	MainDSN        string        `yaml:"MainDSN"`
	ConnectTimeout time.Duration `yaml:"ConnectTimeout"`
	MaxOpenConns   int           `yaml:"MaxOpenConns"`
	MaxIdleConns   int           `yaml:"MaxIdleConns"`
}

// RateLimitingConfig mirrors the RateLimiting:* keys
type RateLimitingConfig struct {
	Enabled                   bool          `yaml:"Enabled"`
	PrivateCloudLimit         int           `yaml:"PrivateCloudLimit"`
	NormalUserLimit           int           `yaml:"NormalUserLimit"`
	UnauthenticatedLimit      int           `yaml:"UnauthenticatedLimit"`
	ForgotPasswordHourlyLimit int           `yaml:"ForgotPasswordHourlyLimit"`
	Window                    time.Duration `yaml:"Window"`
	ForgotPasswordWindow      time.Duration `yaml:"ForgotPasswordWindow"`
	CleanupInterval           time.Duration `yaml:"CleanupInterval"`
	ForgotPasswordPaths       []string      `yaml:"ForgotPasswordPaths"`
	BypassPaths               []string      `yaml:"BypassPaths"`
	Backend                   string        `yaml:"Backend"` // memory, redis
}

// RedisConfig is the shared Redis used by the redis rate-limit backend and
// the shared tenancy cache
type RedisConfig struct {
	Addr     string `yaml:"Addr"`
	Password string `yaml:"Password"`
	DB       int    `yaml:"DB"`
}

// EncryptionConfig mirrors the Encryption:* keys
type EncryptionConfig struct {
	Enabled     bool   `yaml:"Enabled"`
	Key         string `yaml:"Key"`
	ResponseKey string `yaml:"ResponseKey"`
}

// ResponseSecret returns the key material for the response envelope,
// falling back to the general key.
func (c EncryptionConfig) ResponseSecret() string {
	if c.ResponseKey != "" {
		return c.ResponseKey
	}
	return c.Key
}

// AuthConfig holds bearer-token validation settings
type AuthConfig struct {
	Algorithm     string `yaml:"Algorithm"` // HS256, RS256
	Secret        string `yaml:"Secret"`
	PublicKeyFile string `yaml:"PublicKeyFile"`
	Issuer        string `yaml:"Issuer"`
	Audience      string `yaml:"Audience"`
}

// TenancyConfig tunes tenant resolution
type TenancyConfig struct {
	SubuserMemoTTL time.Duration `yaml:"SubuserMemoTTL"`
	ProbeTimeout   time.Duration `yaml:"ProbeTimeout"`
	// SharedCache backs the subuser memo with Redis and broadcasts handle
	// invalidations to every instance.
	SharedCache bool          `yaml:"SharedCache"`
	MemoL1TTL   time.Duration `yaml:"MemoL1TTL"`
	// ConfigCacheTTL keeps each owner's active database config in memory.
	// Zero reads the main database on every request.
	ConfigCacheTTL time.Duration `yaml:"ConfigCacheTTL"`
}

// TelemetryConfig holds tracing settings
type TelemetryConfig struct {
	Enabled     bool    `yaml:"Enabled"`
	Exporter    string  `yaml:"Exporter"`
	Endpoint    string  `yaml:"Endpoint"`
	ServiceName string  `yaml:"ServiceName"`
	Environment string  `yaml:"Environment"`
	SampleRate  float64 `yaml:"SampleRate"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"Enabled"`
	Namespace string `yaml:"Namespace"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Server       ServerConfig       `yaml:"Server"`
	Database     DatabaseConfig     `yaml:"Database"`
	RateLimiting RateLimitingConfig `yaml:"RateLimiting"`
	Redis        RedisConfig        `yaml:"Redis"`
	Encryption   EncryptionConfig   `yaml:"Encryption"`
	Auth         AuthConfig         `yaml:"Auth"`
	Tenancy      TenancyConfig      `yaml:"Tenancy"`
	Telemetry    TelemetryConfig    `yaml:"Telemetry"`
	Metrics      MetricsConfig      `yaml:"Metrics"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Database: DatabaseConfig{
			ConnectTimeout: 5 * time.Second,
			MaxOpenConns:   20,
			MaxIdleConns:   5,
		},
		RateLimiting: RateLimitingConfig{
			Enabled:                   true,
			PrivateCloudLimit:         500,
			NormalUserLimit:           100,
			UnauthenticatedLimit:      50,
			ForgotPasswordHourlyLimit: 5,
			Window:                    time.Minute,
			ForgotPasswordWindow:      time.Hour,
			CleanupInterval:           5 * time.Minute,
			ForgotPasswordPaths: []string{
				"/api/auth/forgot-password",
				"/api/forgotpassword",
				"/api/auth/reset-password",
			},
			BypassPaths: []string{
				"/health",
				"/metrics",
				"/swagger",
				"/docs",
				"/api/webhooks",
			},
			Backend: "memory",
		},
		Encryption: EncryptionConfig{
			Enabled: true,
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
		},
		Tenancy: TenancyConfig{
			SubuserMemoTTL: 5 * time.Minute,
			ProbeTimeout:   3 * time.Second,
			MemoL1TTL:      10 * time.Second,
			ConfigCacheTTL: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "tenantgate",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "tenantgate",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path (when non-empty), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// Keys follow the Section__Key convention, e.g. RateLimiting__NormalUserLimit.
func LoadFromEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n < 0 {
				errs = append(errs, fmt.Sprintf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid duration %q", key, v))
				return
			}
			*dst = d
		}
	}

	str("Server__Addr", &cfg.Server.Addr)
	str("Server__LogLevel", &cfg.Server.LogLevel)
	str("Server__LogFormat", &cfg.Server.LogFormat)
	str("Server__AccessLog", &cfg.Server.AccessLog)

	str("Database__MainDSN", &cfg.Database.MainDSN)
	dur("Database__ConnectTimeout", &cfg.Database.ConnectTimeout)

	flag("RateLimiting__Enabled", &cfg.RateLimiting.Enabled)
	num("RateLimiting__PrivateCloudLimit", &cfg.RateLimiting.PrivateCloudLimit)
	num("RateLimiting__NormalUserLimit", &cfg.RateLimiting.NormalUserLimit)
	num("RateLimiting__UnauthenticatedLimit", &cfg.RateLimiting.UnauthenticatedLimit)
	num("RateLimiting__ForgotPasswordHourlyLimit", &cfg.RateLimiting.ForgotPasswordHourlyLimit)
	dur("RateLimiting__CleanupInterval", &cfg.RateLimiting.CleanupInterval)
	str("RateLimiting__Backend", &cfg.RateLimiting.Backend)

	str("Redis__Addr", &cfg.Redis.Addr)
	str("Redis__Password", &cfg.Redis.Password)
	num("Redis__DB", &cfg.Redis.DB)

	flag("Encryption__Enabled", &cfg.Encryption.Enabled)
	str("Encryption__Key", &cfg.Encryption.Key)
	str("Encryption__ResponseKey", &cfg.Encryption.ResponseKey)

	str("Auth__Algorithm", &cfg.Auth.Algorithm)
	str("Auth__Secret", &cfg.Auth.Secret)
	str("Auth__PublicKeyFile", &cfg.Auth.PublicKeyFile)
	str("Auth__Issuer", &cfg.Auth.Issuer)

	dur("Tenancy__SubuserMemoTTL", &cfg.Tenancy.SubuserMemoTTL)
	dur("Tenancy__ProbeTimeout", &cfg.Tenancy.ProbeTimeout)
	flag("Tenancy__SharedCache", &cfg.Tenancy.SharedCache)
	dur("Tenancy__ConfigCacheTTL", &cfg.Tenancy.ConfigCacheTTL)

	flag("Telemetry__Enabled", &cfg.Telemetry.Enabled)
	str("Telemetry__Endpoint", &cfg.Telemetry.Endpoint)
	str("Telemetry__Environment", &cfg.Telemetry.Environment)

	if len(errs) > 0 {
		return fmt.Errorf("config env: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks settings that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if c.Database.MainDSN == "" {
		return fmt.Errorf("Database:MainDSN is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("Encryption:Key is required")
	}
	rl := c.RateLimiting
	if rl.Enabled {
		if rl.PrivateCloudLimit <= 0 || rl.NormalUserLimit <= 0 || rl.UnauthenticatedLimit <= 0 || rl.ForgotPasswordHourlyLimit <= 0 {
			return fmt.Errorf("RateLimiting limits must be positive")
		}
		if rl.Window <= 0 || rl.ForgotPasswordWindow <= 0 {
			return fmt.Errorf("RateLimiting windows must be positive")
		}
		switch rl.Backend {
		case "", "memory":
		case "redis":
			if c.Redis.Addr == "" {
				return fmt.Errorf("Redis:Addr is required for the redis backend")
			}
		default:
			return fmt.Errorf("unknown RateLimiting:Backend %q", rl.Backend)
		}
	}
	if c.Tenancy.SharedCache && c.Redis.Addr == "" {
		return fmt.Errorf("Redis:Addr is required for Tenancy:SharedCache")
	}
	return nil
}
