package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: test-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, EnvDev, cfg.Server.Environment)
	assert.Equal(t, DefaultSuspicionThreshold, cfg.Security.SuspicionThreshold)
	assert.Equal(t, DefaultAlertBufferSize, cfg.Security.AlertBufferSize)
	assert.Equal(t, time.Hour, cfg.Security.ViolationResetInterval)

	assert.Equal(t, 20, cfg.RateLimit.Preflight.Requests)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.Preflight.Window)
	assert.Equal(t, 3, cfg.RateLimit.Suspicious.Requests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Suspicious.Window)
	assert.Equal(t, 100, cfg.RateLimit.General.Requests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.General.Window)

	assert.Equal(t, DefaultTokenTTL, cfg.Auth.TokenTTL)
	assert.Equal(t, DefaultCookieName, cfg.Auth.CookieName)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	require.NoError(t, cfg.Validate())
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9090"
  environment: prod
security:
  suspicion_threshold: 3
  alert_buffer_size: 500
  violation_reset_interval: 30m
  seed_origins:
    prod:
      - https://blog.example.com
    dev:
      - http://localhost:3000
  warming_sources:
    - scheduler
ratelimit:
  preflight:
    requests: 10
    window: 2m
  suspicious:
    requests: 5
    window: 10m
  general:
    requests: 200
    window: 20m
  admin_per_minute: 120
auth:
  jwt_secret: prod-secret
  token_ttl: 12h
  cookie_name: custom_session
  seed_users:
    - id: admin-1
      email: admin@example.com
      role: admin
database:
  driver: sqlite
  sqlite:
    path: /var/lib/inkhaven/inkhaven.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.True(t, cfg.IsProduction())

	assert.Equal(t, 3, cfg.Security.SuspicionThreshold)
	assert.Equal(t, 500, cfg.Security.AlertBufferSize)
	assert.Equal(t, 30*time.Minute, cfg.Security.ViolationResetInterval)
	assert.Equal(t, []string{"https://blog.example.com"},
		cfg.Security.SeedOrigins["prod"])
	assert.Equal(t, []string{"scheduler"}, cfg.Security.WarmingSources)

	assert.Equal(t, 10, cfg.RateLimit.Preflight.Requests)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.Preflight.Window)
	assert.Equal(t, 120, cfg.RateLimit.AdminPerMinute)

	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "custom_session", cfg.Auth.CookieName)
	require.Len(t, cfg.Auth.SeedUsers, 1)
	assert.Equal(t, "admin-1", cfg.Auth.SeedUsers[0].ID)
	assert.Equal(t, "admin", cfg.Auth.SeedUsers[0].Role)

	assert.Equal(t, "/var/lib/inkhaven/inkhaven.db", cfg.Database.SQLite.Path)
}

func TestLoad_MergeMultipleFiles(t *testing.T) {
	base := writeConfig(t, `
server:
  listen: ":8080"
auth:
  jwt_secret: base-secret
`)
	override := writeConfig(t, `
server:
  listen: ":9999"
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	// Later files win; untouched keys survive from earlier files.
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, "base-secret", cfg.Auth.JWTSecret)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":8080"
auth:
  jwt_secret: file-secret
`)

	t.Setenv("INKHAVEN_SERVER_LISTEN", ":7777")
	t.Setenv("INKHAVEN_AUTH_JWT_SECRET", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Listen)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()
		cfg.Auth.JWTSecret = "secret"

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name: "unknown environment",
			mutate: func(c *Config) {
				c.Server.Environment = "qa"
			},
			wantErr: "unknown environment",
		},
		{
			name: "missing jwt secret",
			mutate: func(c *Config) {
				c.Auth.JWTSecret = ""
			},
			wantErr: "jwt_secret is required",
		},
		{
			name: "unsupported driver",
			mutate: func(c *Config) {
				c.Database.Driver = "mysql"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "seed origin bad environment",
			mutate: func(c *Config) {
				c.Security.SeedOrigins = map[string][]string{
					"qa": {"https://qa.example.com"},
				}
			},
			wantErr: "unknown environment",
		},
		{
			name: "seed origin relative url",
			mutate: func(c *Config) {
				c.Security.SeedOrigins = map[string][]string{
					"dev": {"/not-absolute"},
				}
			},
			wantErr: "not an absolute URL",
		},
		{
			name: "seed origin prod http",
			mutate: func(c *Config) {
				c.Security.SeedOrigins = map[string][]string{
					"prod": {"http://blog.example.com"},
				}
			},
			wantErr: "must use https",
		},
		{
			name: "negative rate limit",
			mutate: func(c *Config) {
				c.RateLimit.General.Requests = -1
			},
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
