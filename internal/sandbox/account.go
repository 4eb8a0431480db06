// Package sandbox provisions and releases the cloud credentials a lab
// session runs its commands with.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/credentials"
	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// maxRoleSessionName is the STS limit on RoleSessionName length.
const maxRoleSessionName = 64

// Account describes the shared sandbox account labs are carved from.
type Account struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Endpoint        string
	UseSSL          bool
}

func (a Account) credentialSet() domain.CredentialSet {
	return domain.CredentialSet{
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		SessionToken:    a.SessionToken,
		Region:          a.Region,
		Endpoint:        a.Endpoint,
		UseSSL:          a.UseSSL,
	}
}

// StaticProvisioner hands every session the same sandbox account keys.
type StaticProvisioner struct {
	account Account
}

// NewStaticProvisioner creates a provisioner for a fixed account.
func NewStaticProvisioner(account Account) *StaticProvisioner {
	return &StaticProvisioner{account: account}
}

// Provision returns the account keys tagged with the requesting user and lab.
func (p *StaticProvisioner) Provision(_ context.Context, userID, labID string) (domain.CredentialSet, error) {
	if p.account.AccessKeyID == "" || p.account.SecretAccessKey == "" {
		return domain.CredentialSet{}, fmt.Errorf("static account has no keys")
	}
	creds := p.account.credentialSet()
	creds.Ref = "static:" + userID + ":" + labID
	return creds, nil
}

// Release is a no-op; the shared account outlives every session.
func (p *StaticProvisioner) Release(_ context.Context, creds domain.CredentialSet) error {
	slog.Debug("Static credentials released", "ref", creds.Ref)
	return nil
}

// STSConfig configures the role-assumption provisioner.
type STSConfig struct {
	Account     Account
	STSEndpoint string
	RoleARN     string
	Duration    time.Duration
}

// STSProvisioner mints a temporary credential set per session by assuming
// the lab role with the sandbox account's keys.
type STSProvisioner struct {
	cfg    STSConfig
	assume credentials.AssumeRoleFunc
	now    func() time.Time
}

// NewSTSProvisioner creates a provisioner. A nil assume uses the real STS
// exchange.
func NewSTSProvisioner(cfg STSConfig, assume credentials.AssumeRoleFunc) *STSProvisioner {
	if assume == nil {
		assume = credentials.AssumeRoleSTS
	}
	if cfg.Duration <= 0 {
		cfg.Duration = credentials.DefaultSessionDuration
	}
	return &STSProvisioner{cfg: cfg, assume: assume, now: time.Now}
}

// Provision assumes the lab role on behalf of userID.
func (p *STSProvisioner) Provision(ctx context.Context, userID, labID string) (domain.CredentialSet, error) {
	name := roleSessionName(userID, labID)
	value, err := p.assume(ctx, p.cfg.STSEndpoint, miniocreds.STSAssumeRoleOptions{
		AccessKey:       p.cfg.Account.AccessKeyID,
		SecretKey:       p.cfg.Account.SecretAccessKey,
		SessionToken:    p.cfg.Account.SessionToken,
		Location:        p.cfg.Account.Region,
		DurationSeconds: int(p.cfg.Duration.Seconds()),
		RoleARN:         p.cfg.RoleARN,
		RoleSessionName: name,
	})
	if err != nil {
		return domain.CredentialSet{}, fmt.Errorf("assume lab role for %s: %w", labID, err)
	}

	expiry := value.Expiration
	if expiry.IsZero() {
		expiry = p.now().Add(p.cfg.Duration)
	}

	creds := p.cfg.Account.credentialSet()
	creds.AccessKeyID = value.AccessKeyID
	creds.SecretAccessKey = value.SecretAccessKey
	creds.SessionToken = value.SessionToken
	creds.Expiration = &expiry
	creds.Ref = "sts:" + name
	return creds, nil
}

// Release is a no-op; assumed-role credentials lapse on their own.
func (p *STSProvisioner) Release(_ context.Context, creds domain.CredentialSet) error {
	slog.Debug("Temporary credentials left to expire", "ref", creds.Ref, "access_key_id", creds.AccessKeyID)
	return nil
}

func roleSessionName(userID, labID string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			case strings.ContainsRune("=,.@-_", r):
				return r
			default:
				return '-'
			}
		}, s)
	}
	name := "cloudlab-" + clean(userID) + "-" + clean(labID)
	if len(name) > maxRoleSessionName {
		name = name[:maxRoleSessionName]
	}
	return name
}
