package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(Config{}, nil, WithClock(fixedClock(now)))

	soon := now.Add(4 * time.Minute)
	later := now.Add(30 * time.Minute)

	tests := []struct {
		name  string
		creds domain.CredentialSet
		want  bool
	}{
		{"permanent key never refreshes", domain.CredentialSet{AccessKeyID: "AKIAPERM", Expiration: &soon}, false},
		{"temporary without expiration", domain.CredentialSet{AccessKeyID: "ASIATEMP"}, true},
		{"temporary inside window", domain.CredentialSet{AccessKeyID: "ASIATEMP", Expiration: &soon}, true},
		{"temporary outside window", domain.CredentialSet{AccessKeyID: "ASIATEMP", Expiration: &later}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.NeedsRefresh(tt.creds); got != tt.want {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRefreshWithoutTargetIsNoop(t *testing.T) {
	called := false
	m := NewManager(Config{}, nil, WithAssumeRole(func(context.Context, string, miniocreds.STSAssumeRoleOptions) (miniocreds.Value, error) {
		called = true
		return miniocreds.Value{}, nil
	}))

	in := domain.CredentialSet{AccessKeyID: "ASIAOLD", SecretAccessKey: "old"}
	out, err := m.Refresh(context.Background(), in)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !out.Equal(in) {
		t.Fatalf("expected unchanged credentials, got %+v", out)
	}
	if called {
		t.Fatal("expected no STS exchange without a refresh target")
	}
}

func TestRefreshUsesCurrentCredentials(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var gotOpts miniocreds.STSAssumeRoleOptions
	m := NewManager(Config{RoleARN: "arn:aws:iam::123:role/lab", STSEndpoint: "https://sts.example"}, nil,
		WithClock(fixedClock(now)),
		WithAssumeRole(func(_ context.Context, endpoint string, opts miniocreds.STSAssumeRoleOptions) (miniocreds.Value, error) {
			if endpoint != "https://sts.example" {
				t.Errorf("unexpected endpoint %q", endpoint)
			}
			gotOpts = opts
			return miniocreds.Value{AccessKeyID: "ASIANEW", SecretAccessKey: "new", SessionToken: "tok"}, nil
		}),
	)

	in := domain.CredentialSet{AccessKeyID: "ASIAOLD", SecretAccessKey: "old", SessionToken: "oldtok", Region: "eu-west-1", Endpoint: "s3.amazonaws.com"}
	out, err := m.Refresh(context.Background(), in)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if gotOpts.AccessKey != "ASIAOLD" || gotOpts.SecretKey != "old" || gotOpts.SessionToken != "oldtok" {
		t.Errorf("expected caller identity from current credentials, got %+v", gotOpts)
	}
	if gotOpts.DurationSeconds != 3600 {
		t.Errorf("expected 1h duration, got %d", gotOpts.DurationSeconds)
	}
	if out.AccessKeyID != "ASIANEW" || out.SessionToken != "tok" {
		t.Errorf("unexpected refreshed credentials %+v", out)
	}
	if out.Region != "eu-west-1" || out.Endpoint != "s3.amazonaws.com" {
		t.Errorf("expected target to be preserved, got %+v", out)
	}
	if out.Expiration == nil || !out.Expiration.Equal(now.Add(time.Hour)) {
		t.Errorf("expected fallback expiry now+1h, got %v", out.Expiration)
	}
}

func TestRefreshErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"denied", errors.New("AccessDenied: not authorized to assume role"), domain.ErrRefreshDenied},
		{"unavailable", errors.New("dial tcp: connection refused"), domain.ErrRefreshUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Config{RoleARN: "arn", STSEndpoint: "https://sts.example"}, nil,
				WithAssumeRole(func(context.Context, string, miniocreds.STSAssumeRoleOptions) (miniocreds.Value, error) {
					return miniocreds.Value{}, tt.err
				}),
			)
			in := domain.CredentialSet{AccessKeyID: "ASIAOLD"}
			out, err := m.Refresh(context.Background(), in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !out.Equal(in) {
				t.Fatal("expected stale credentials to be returned on failure")
			}
		})
	}
}
