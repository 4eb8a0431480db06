// Package credentials decides when temporary cloud credentials need renewal
// and renews them through a role-assumption exchange.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	// DefaultRefreshWindow is the remaining validity under which a refresh is due.
	DefaultRefreshWindow = 5 * time.Minute
	// DefaultSessionDuration is the lifetime requested for refreshed credentials.
	DefaultSessionDuration = time.Hour

	roleSessionPrefix = "cloudlab-refresh"
)

// AssumeRoleFunc performs one role-assumption exchange.
type AssumeRoleFunc func(ctx context.Context, endpoint string, opts miniocreds.STSAssumeRoleOptions) (miniocreds.Value, error)

// Config controls the refresh target.
type Config struct {
	// RoleARN is the refresh target. Empty means refresh is a no-op.
	RoleARN         string
	STSEndpoint     string
	SessionDuration time.Duration
	RefreshWindow   time.Duration
}

// Manager implements the credential lifecycle policy.
type Manager struct {
	cfg    Config
	assume AssumeRoleFunc
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithAssumeRole replaces the STS exchange, mainly for tests.
func WithAssumeRole(fn AssumeRoleFunc) Option {
	return func(m *Manager) { m.assume = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a credential lifecycle manager.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = DefaultSessionDuration
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = DefaultRefreshWindow
	}
	m := &Manager{
		cfg:    cfg,
		assume: AssumeRoleSTS,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NeedsRefresh reports whether creds must be renewed before use.
// Only temporary keys are ever refreshed; a temporary key without a recorded
// expiration is treated as due.
func (m *Manager) NeedsRefresh(creds domain.CredentialSet) bool {
	if !creds.IsTemporary() {
		return false
	}
	if creds.Expiration == nil {
		return true
	}
	return creds.Expiration.Sub(m.now()) < m.cfg.RefreshWindow
}

// Refresh exchanges the current credentials for a new bounded-duration set.
// Without a configured refresh target the input is returned unchanged.
func (m *Manager) Refresh(ctx context.Context, creds domain.CredentialSet) (domain.CredentialSet, error) {
	if m.cfg.RoleARN == "" {
		m.logger.Debug("No refresh target configured, keeping credentials", "access_key_id", creds.AccessKeyID)
		return creds, nil
	}
	if m.cfg.STSEndpoint == "" {
		return creds, fmt.Errorf("%w: no STS endpoint configured", domain.ErrRefreshUnavailable)
	}

	value, err := m.assume(ctx, m.cfg.STSEndpoint, miniocreds.STSAssumeRoleOptions{
		AccessKey:       creds.AccessKeyID,
		SecretKey:       creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Location:        creds.Region,
		DurationSeconds: int(m.cfg.SessionDuration.Seconds()),
		RoleARN:         m.cfg.RoleARN,
		RoleSessionName: fmt.Sprintf("%s-%d", roleSessionPrefix, m.now().Unix()),
	})
	if err != nil {
		return creds, classifyRefreshError(err)
	}
	if value.AccessKeyID == "" || value.SecretAccessKey == "" {
		return creds, fmt.Errorf("%w: empty credentials returned", domain.ErrRefreshUnavailable)
	}

	expiry := value.Expiration
	if expiry.IsZero() {
		expiry = m.now().Add(m.cfg.SessionDuration)
	}

	refreshed := creds.Clone()
	refreshed.AccessKeyID = value.AccessKeyID
	refreshed.SecretAccessKey = value.SecretAccessKey
	refreshed.SessionToken = value.SessionToken
	refreshed.Expiration = &expiry

	m.logger.Info("Credentials refreshed", "access_key_id", refreshed.AccessKeyID, "expires_at", expiry)
	return refreshed, nil
}

// AssumeRoleSTS performs the exchange against an STS endpoint using minio-go.
func AssumeRoleSTS(ctx context.Context, endpoint string, opts miniocreds.STSAssumeRoleOptions) (miniocreds.Value, error) {
	if err := ctx.Err(); err != nil {
		return miniocreds.Value{}, err
	}
	creds, err := miniocreds.NewSTSAssumeRole(endpoint, opts)
	if err != nil {
		return miniocreds.Value{}, fmt.Errorf("create assume role provider: %w", err)
	}
	value, err := creds.Get()
	if err != nil {
		return miniocreds.Value{}, fmt.Errorf("assume role %s: %w", opts.RoleARN, err)
	}
	return value, nil
}

var deniedMarkers = []string{
	"AccessDenied",
	"InvalidClientTokenId",
	"ExpiredToken",
	"SignatureDoesNotMatch",
	"InvalidAccessKeyId",
}

func classifyRefreshError(err error) error {
	msg := err.Error()
	for _, marker := range deniedMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", domain.ErrRefreshDenied, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrRefreshUnavailable, err)
}
