package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SANDBOX_ACCESS_KEY_ID", "AKIAEXAMPLE")
	t.Setenv("SANDBOX_SECRET_ACCESS_KEY", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.Lab.Duration != 2*time.Hour {
		t.Errorf("expected lab duration 2h, got %v", cfg.Lab.Duration)
	}
	if cfg.Lab.SweepInterval != time.Minute {
		t.Errorf("expected sweep interval 60s, got %v", cfg.Lab.SweepInterval)
	}
	if cfg.Conn.ResolveBaseDelay != 100*time.Millisecond || cfg.Conn.ResolveMaxDelay != time.Second || cfg.Conn.ResolveRetries != 3 {
		t.Errorf("unexpected resolve defaults: %+v", cfg.Conn)
	}
	if cfg.Conn.EstablishTimeout != 30*time.Second {
		t.Errorf("expected establish timeout 30s, got %v", cfg.Conn.EstablishTimeout)
	}
	if cfg.Cred.RefreshWindow != 5*time.Minute || cfg.Cred.RefreshDuration != time.Hour {
		t.Errorf("unexpected credential defaults: %+v", cfg.Cred)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Store.Backend)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
	if cfg.Janitor.ReconcileSchedule != "@every 5m" || cfg.Janitor.PruneSchedule != "@hourly" {
		t.Errorf("unexpected janitor schedules %+v", cfg.Janitor)
	}
}

func TestLoadNestedOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LAB_DURATION", "45m")
	t.Setenv("CONN_RESOLVE_RETRIES", "5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Lab.Duration != 45*time.Minute {
		t.Errorf("expected 45m, got %v", cfg.Lab.Duration)
	}
	if cfg.Conn.ResolveRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.Conn.ResolveRetries)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("expected two origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown backend", map[string]string{"STORE_BACKEND": "etcd"}, "STORE_BACKEND"},
		{"unknown authz", map[string]string{"AUTHZ_MODE": "ldap"}, "AUTHZ_MODE"},
		{"short jwt secret", map[string]string{"AUTHZ_MODE": "jwt", "AUTHZ_JWT_SECRET": "short"}, "AUTHZ_JWT_SECRET"},
		{"sts without role", map[string]string{"SANDBOX_PROVIDER": "sts"}, "SANDBOX_ROLE_ARN"},
		{"bad resolve delays", map[string]string{"CONN_RESOLVE_MAX_DELAY": "10ms"}, "CONN_RESOLVE_BASE_DELAY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestStaticProviderRequiresKeys(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("expected error without static keys")
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "DEBUG"}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.SlogLevel())
	}
	cfg.LogLevel = "nonsense"
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("expected info fallback, got %v", cfg.SlogLevel())
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{}
	if !cfg.IsDevelopment() {
		t.Error("expected empty public URL to be development")
	}
	cfg.PublicBaseURL = "https://labs.example.com"
	if cfg.IsDevelopment() {
		t.Error("expected public URL to be production")
	}
}
