package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultEnvironment is assumed when no deployment environment is set.
	DefaultEnvironment = "dev"

	// DefaultSuspicionThreshold is the number of origin warnings at which
	// a request is rejected outright.
	DefaultSuspicionThreshold = 2

	// DefaultAlertBufferSize bounds the in-memory alert ring buffer.
	DefaultAlertBufferSize = 1000

	// DefaultViolationResetInterval is the coarse wholesale-reset period
	// for violation counters.
	DefaultViolationResetInterval = time.Hour

	// DefaultTokenTTL is the lifetime of issued session tokens.
	DefaultTokenTTL = 24 * time.Hour

	// DefaultCookieName carries the session token for browser clients.
	DefaultCookieName = "inkhaven_session"

	envPrefix = "INKHAVEN"
)

// Environments recognized for allowed origins and deployment mode.
const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// Config is the root configuration for inkhaven.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Security  SecurityConfig  `yaml:"security" mapstructure:"security"`
	RateLimit RateLimitConfig `yaml:"ratelimit" mapstructure:"ratelimit"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string `yaml:"listen" mapstructure:"listen"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// SecurityConfig tunes the admission pipeline.
type SecurityConfig struct {
	SuspicionThreshold     int                 `yaml:"suspicion_threshold" mapstructure:"suspicion_threshold"`
	AlertBufferSize        int                 `yaml:"alert_buffer_size" mapstructure:"alert_buffer_size"`
	ViolationResetInterval time.Duration       `yaml:"violation_reset_interval" mapstructure:"violation_reset_interval"`
	SeedOrigins            map[string][]string `yaml:"seed_origins,omitempty" mapstructure:"seed_origins"`
	WarmingSources         []string            `yaml:"warming_sources,omitempty" mapstructure:"warming_sources"`
}

// RateLimitConfig configures the adaptive tier limiter and the flat
// per-IP limiter on the admin surface.
type RateLimitConfig struct {
	Preflight      TierConfig `yaml:"preflight,omitempty" mapstructure:"preflight"`
	Suspicious     TierConfig `yaml:"suspicious,omitempty" mapstructure:"suspicious"`
	General        TierConfig `yaml:"general,omitempty" mapstructure:"general"`
	AdminPerMinute int        `yaml:"admin_per_minute,omitempty" mapstructure:"admin_per_minute"`
}

// TierConfig defines one rate-limit tier: a request budget per window.
type TierConfig struct {
	Requests int           `yaml:"requests" mapstructure:"requests"`
	Window   time.Duration `yaml:"window" mapstructure:"window"`
}

// AuthConfig contains token verification settings.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
	CookieName string        `yaml:"cookie_name" mapstructure:"cookie_name"`
	SeedUsers  []SeedUser    `yaml:"seed_users,omitempty" mapstructure:"seed_users"`
}

// SeedUser defines a user record seeded from config. Credentials are
// managed by the identity collaborator, not here.
type SeedUser struct {
	ID    string `yaml:"id" mapstructure:"id"`
	Email string `yaml:"email" mapstructure:"email"`
	Role  string `yaml:"role" mapstructure:"role"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// Load reads the given config files in order, merging later files over
// earlier ones, then applies INKHAVEN_* environment overrides and
// defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.Environment == "" {
		c.Server.Environment = DefaultEnvironment
	}

	if c.Security.SuspicionThreshold == 0 {
		c.Security.SuspicionThreshold = DefaultSuspicionThreshold
	}

	if c.Security.AlertBufferSize == 0 {
		c.Security.AlertBufferSize = DefaultAlertBufferSize
	}

	if c.Security.ViolationResetInterval == 0 {
		c.Security.ViolationResetInterval = DefaultViolationResetInterval
	}

	if c.RateLimit.Preflight.Requests == 0 {
		c.RateLimit.Preflight = TierConfig{Requests: 20, Window: 5 * time.Minute}
	}

	if c.RateLimit.Suspicious.Requests == 0 {
		c.RateLimit.Suspicious = TierConfig{Requests: 3, Window: 15 * time.Minute}
	}

	if c.RateLimit.General.Requests == 0 {
		c.RateLimit.General = TierConfig{Requests: 100, Window: 15 * time.Minute}
	}

	if c.RateLimit.AdminPerMinute == 0 {
		c.RateLimit.AdminPerMinute = 60
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}

	if c.Auth.CookieName == "" {
		c.Auth.CookieName = DefaultCookieName
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "inkhaven.db"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Server.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("unknown environment %q", c.Server.Environment)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	for env, origins := range c.Security.SeedOrigins {
		switch env {
		case EnvDev, EnvStaging, EnvProd:
		default:
			return fmt.Errorf("seed_origins: unknown environment %q", env)
		}

		for _, o := range origins {
			parsed, err := url.Parse(o)
			if err != nil || !parsed.IsAbs() || parsed.Host == "" {
				return fmt.Errorf("seed_origins: %q is not an absolute URL", o)
			}

			if env == EnvProd && parsed.Scheme != "https" {
				return fmt.Errorf("seed_origins: prod origin %q must use https", o)
			}
		}
	}

	for _, tier := range []TierConfig{
		c.RateLimit.Preflight, c.RateLimit.Suspicious, c.RateLimit.General,
	} {
		if tier.Requests < 0 || tier.Window < 0 {
			return fmt.Errorf("rate limit tiers must not be negative")
		}
	}

	return nil
}

// IsProduction reports whether the deployment environment is prod.
// Diagnostic detail in error responses is suppressed in production.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProd
}
