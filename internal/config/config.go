// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	PublicBaseURL  string        `envconfig:"PUBLIC_BASE_URL" default:""`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	GRPCHealthAddr string        `envconfig:"GRPC_HEALTH_ADDR" default:""`
	DBPath         string        `envconfig:"DB_PATH" default:"./data/labs.db"`
	AuditRetention time.Duration `envconfig:"AUDIT_RETENTION" default:"168h"`

	Lab     LabConfig
	Conn    ConnConfig
	Cred    CredConfig
	Store   StoreConfig
	Authz   AuthzConfig
	Sandbox SandboxConfig
	Timeout TimeoutConfig
	Retry   RetryConfig
	Janitor JanitorConfig
}

// LabConfig controls session lifetime.
type LabConfig struct {
	Duration            time.Duration `envconfig:"DURATION" default:"2h"`
	SweepInterval       time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`
	MaxExtensionMinutes int           `envconfig:"MAX_EXTENSION_MINUTES" default:"120"`
}

// ConnConfig controls the persistent connection endpoint.
type ConnConfig struct {
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"25s"`
	EstablishTimeout  time.Duration `envconfig:"ESTABLISH_TIMEOUT" default:"30s"`
	ResolveBaseDelay  time.Duration `envconfig:"RESOLVE_BASE_DELAY" default:"100ms"`
	ResolveMaxDelay   time.Duration `envconfig:"RESOLVE_MAX_DELAY" default:"1s"`
	ResolveRetries    int           `envconfig:"RESOLVE_RETRIES" default:"3"`
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"60s"`
	HistoryLimit      int           `envconfig:"HISTORY_LIMIT" default:"200"`
	ReadLimitBytes    int64         `envconfig:"READ_LIMIT_BYTES" default:"65536"`
}

// CredConfig controls temporary credential refresh.
type CredConfig struct {
	RoleARN         string        `envconfig:"ROLE_ARN" default:""`
	STSEndpoint     string        `envconfig:"STS_ENDPOINT" default:"https://sts.amazonaws.com"`
	RefreshDuration time.Duration `envconfig:"REFRESH_DURATION" default:"1h"`
	RefreshWindow   time.Duration `envconfig:"REFRESH_WINDOW" default:"5m"`
}

// StoreConfig selects the session registry backend.
type StoreConfig struct {
	Backend  string `envconfig:"BACKEND" default:"memory"`
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	Prefix   string `envconfig:"PREFIX" default:"lab_session"`
	SealKey  string `envconfig:"SEAL_KEY" default:""`
}

// AuthzConfig selects the entitlement collaborator.
type AuthzConfig struct {
	Mode      string `envconfig:"MODE" default:"http"`
	URL       string `envconfig:"URL" default:"http://localhost:9000"`
	JWTSecret string `envconfig:"JWT_SECRET" default:""`
	JWTIssuer string `envconfig:"JWT_ISSUER" default:""`
}

// SandboxConfig selects and configures the credential provisioner.
type SandboxConfig struct {
	Provider        string `envconfig:"PROVIDER" default:"static"`
	AccessKeyID     string `envconfig:"ACCESS_KEY_ID" default:""`
	SecretAccessKey string `envconfig:"SECRET_ACCESS_KEY" default:""`
	SessionToken    string `envconfig:"SESSION_TOKEN" default:""`
	Region          string `envconfig:"REGION" default:"us-east-1"`
	Endpoint        string `envconfig:"ENDPOINT" default:"s3.amazonaws.com"`
	UseSSL          bool   `envconfig:"USE_SSL" default:"true"`
	RoleARN         string `envconfig:"ROLE_ARN" default:""`
	Image           string `envconfig:"IMAGE" default:"minio/minio:latest"`
	Runtime         string `envconfig:"RUNTIME" default:""` // "" = default (runc), "runsc" = gVisor
	Network         string `envconfig:"NETWORK" default:"cloudlabs-sandbox"`
}

// TimeoutConfig bounds calls to external collaborators.
type TimeoutConfig struct {
	Collaborator   time.Duration `envconfig:"COLLABORATOR" default:"10s"`
	DestroyCleanup time.Duration `envconfig:"DESTROY_CLEANUP" default:"30s"`
	HealthCheck    time.Duration `envconfig:"HEALTH_CHECK" default:"5s"`
}

// RetryConfig controls retry of SQLite writes.
type RetryConfig struct {
	DatabaseMaxRetries     int           `envconfig:"DATABASE_MAX_RETRIES" default:"3"`
	DatabaseRetryBaseDelay time.Duration `envconfig:"DATABASE_RETRY_BASE_DELAY" default:"50ms"`
}

// JanitorConfig schedules maintenance jobs (cron syntax or descriptors).
type JanitorConfig struct {
	ReconcileSchedule string        `envconfig:"RECONCILE_SCHEDULE" default:"@every 5m"`
	PruneSchedule     string        `envconfig:"PRUNE_SCHEDULE" default:"@hourly"`
	HealthInterval    time.Duration `envconfig:"HEALTH_INTERVAL" default:"10s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Lab.Duration <= 0 {
		return fmt.Errorf("LAB_DURATION must be > 0")
	}
	if c.Lab.SweepInterval <= 0 {
		return fmt.Errorf("LAB_SWEEP_INTERVAL must be > 0")
	}
	if c.Conn.HeartbeatInterval <= 0 {
		return fmt.Errorf("CONN_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Conn.ResolveRetries < 0 {
		return fmt.Errorf("CONN_RESOLVE_RETRIES must be >= 0")
	}
	if c.Conn.ResolveBaseDelay <= 0 || c.Conn.ResolveMaxDelay < c.Conn.ResolveBaseDelay {
		return fmt.Errorf("CONN_RESOLVE_BASE_DELAY must be > 0 and <= CONN_RESOLVE_MAX_DELAY")
	}
	if c.Conn.HistoryLimit <= 0 {
		return fmt.Errorf("CONN_HISTORY_LIMIT must be > 0")
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("STORE_REDIS_URL cannot be empty for redis backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Authz.Mode {
	case "http":
		if c.Authz.URL == "" {
			return fmt.Errorf("AUTHZ_URL cannot be empty for http mode")
		}
	case "jwt":
		if len(c.Authz.JWTSecret) < 32 {
			return fmt.Errorf("AUTHZ_JWT_SECRET must be at least 32 bytes for jwt mode")
		}
	default:
		return fmt.Errorf("unknown AUTHZ_MODE %q", c.Authz.Mode)
	}

	switch c.Sandbox.Provider {
	case "static":
		if c.Sandbox.AccessKeyID == "" || c.Sandbox.SecretAccessKey == "" {
			return fmt.Errorf("SANDBOX_ACCESS_KEY_ID and SANDBOX_SECRET_ACCESS_KEY are required for static provider")
		}
	case "sts":
		if c.Sandbox.RoleARN == "" {
			return fmt.Errorf("SANDBOX_ROLE_ARN is required for sts provider")
		}
		if c.Sandbox.AccessKeyID == "" || c.Sandbox.SecretAccessKey == "" {
			return fmt.Errorf("SANDBOX_ACCESS_KEY_ID and SANDBOX_SECRET_ACCESS_KEY are required for sts provider")
		}
	case "docker":
		if c.Sandbox.Image == "" {
			return fmt.Errorf("SANDBOX_IMAGE cannot be empty for docker provider")
		}
	default:
		return fmt.Errorf("unknown SANDBOX_PROVIDER %q", c.Sandbox.Provider)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.PublicBaseURL == "" ||
		strings.Contains(c.PublicBaseURL, "localhost") ||
		strings.Contains(c.PublicBaseURL, "127.0.0.1")
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
