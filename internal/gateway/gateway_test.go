package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/cloud"
	"github.com/ashureev/shsh-cloudlabs/internal/domain"
)

type fakeAPI struct {
	identityErr   error
	identityCalls atomic.Int32
	buckets       []cloud.Bucket
	listErr       error
	block         chan struct{}
	started       chan struct{}
	objects       []cloud.Object
	tags          map[string]string
}

func (f *fakeAPI) CallerIdentity(context.Context) (cloud.Identity, error) {
	f.identityCalls.Add(1)
	if f.identityErr != nil {
		return cloud.Identity{}, f.identityErr
	}
	return cloud.Identity{UserID: "ASIAFAKE", Account: "123456789012", Arn: "arn:aws:iam::123456789012:user/lab"}, nil
}

func (f *fakeAPI) ListBuckets(ctx context.Context) ([]cloud.Bucket, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.buckets, f.listErr
}

func (f *fakeAPI) ListObjects(context.Context, string, string, bool) ([]cloud.Object, error) {
	return f.objects, nil
}
func (f *fakeAPI) MakeBucket(context.Context, string, string) error { return nil }
func (f *fakeAPI) RemoveBucket(context.Context, string) error       { return nil }
func (f *fakeAPI) RemoveObject(context.Context, string, string) error {
	return nil
}
func (f *fakeAPI) HeadBucket(context.Context, string) error { return nil }
func (f *fakeAPI) BucketLocation(context.Context, string) (string, error) {
	return "eu-west-1", nil
}
func (f *fakeAPI) BucketVersioning(context.Context, string) (string, error) { return "Enabled", nil }
func (f *fakeAPI) BucketPolicy(context.Context, string) (string, error)     { return "{}", nil }
func (f *fakeAPI) BucketTagging(context.Context, string) (map[string]string, error) {
	return f.tags, nil
}
func (f *fakeAPI) HeadObject(_ context.Context, _, key string) (cloud.Object, error) {
	return cloud.Object{Key: key, Size: 42, ETag: "abc"}, nil
}
func (f *fakeAPI) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + ".example/" + key + "?sig", nil
}

type fakeRefresher struct {
	due   bool
	next  domain.CredentialSet
	err   error
	calls int
}

func (f *fakeRefresher) NeedsRefresh(domain.CredentialSet) bool { return f.due }

func (f *fakeRefresher) Refresh(_ context.Context, c domain.CredentialSet) (domain.CredentialSet, error) {
	f.calls++
	if f.err != nil {
		return c, f.err
	}
	f.due = false
	return f.next, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []domain.CommandRecord
}

func (f *fakeRecorder) RecordCommand(_ context.Context, rec domain.CommandRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func newTestGateway(t *testing.T, api cloud.API, refresher Refresher, opts ...Option) *Gateway {
	t.Helper()
	factory := func(domain.CredentialSet) (cloud.API, error) { return api, nil }
	g, err := New("sess-1", domain.CredentialSet{AccessKeyID: "AKIATEST", SecretAccessKey: "secret"}, Config{HistoryLimit: 3}, factory, refresher, nil, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestExecuteListBuckets(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	api := &fakeAPI{buckets: []cloud.Bucket{{Name: "lab-data", CreationDate: created}}}
	g := newTestGateway(t, api, nil)

	env, err := g.Execute(context.Background(), "aws s3 ls")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if env.ExitCode != domain.ExitSuccess {
		t.Fatalf("expected exit 0, got %d (%s)", env.ExitCode, env.Stderr)
	}
	if !strings.Contains(env.Stdout, "2026-03-01 10:00:00 lab-data") {
		t.Errorf("unexpected stdout %q", env.Stdout)
	}
	if env.Stderr != "" {
		t.Errorf("expected empty stderr, got %q", env.Stderr)
	}
}

func TestExecuteSignatureMismatch(t *testing.T) {
	api := &fakeAPI{identityErr: &cloud.RemoteError{Code: "SignatureDoesNotMatch"}}
	g := newTestGateway(t, api, nil)

	for i := 0; i < 3; i++ {
		env, err := g.Execute(context.Background(), "aws s3 ls")
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if env.ExitCode != domain.ExitRemoteError {
			t.Fatalf("expected exit 2, got %d", env.ExitCode)
		}
		if !strings.Contains(env.Stderr, "SignatureDoesNotMatch") {
			t.Errorf("expected signature mismatch diagnostic, got %q", env.Stderr)
		}
		if env.Stdout != "" {
			t.Errorf("expected empty stdout, got %q", env.Stdout)
		}
		if env.ErrorCode != domain.CodeCredentialInvalid {
			t.Errorf("expected %s, got %s", domain.CodeCredentialInvalid, env.ErrorCode)
		}
	}
	if got := api.identityCalls.Load(); got != 1 {
		t.Errorf("expected validation to run once, ran %d times", got)
	}
}

func TestCachedAuthFailureRepeatsDiagnostic(t *testing.T) {
	api := &fakeAPI{identityErr: &cloud.RemoteError{Code: "InvalidClientTokenId"}}
	g := newTestGateway(t, api, nil)
	ctx := context.Background()

	first, err := g.Execute(ctx, "aws s3 ls")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	second, err := g.Execute(ctx, "aws s3api head-bucket --bucket lab-data")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if first.Stderr == "" || second.Stderr != first.Stderr {
		t.Errorf("expected the same diagnostic repeated, got %q then %q", first.Stderr, second.Stderr)
	}
	if second.ErrorCode != domain.CodeCredentialInvalid {
		t.Errorf("expected %s, got %s", domain.CodeCredentialInvalid, second.ErrorCode)
	}
}

func TestExecuteUnsupportedKeepsGatewayUsable(t *testing.T) {
	api := &fakeAPI{}
	g := newTestGateway(t, api, nil)

	env, err := g.Execute(context.Background(), "foo bar")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if env.ExitCode != domain.ExitUnsupported || env.ErrorCode != domain.CodeCommandUnsupported {
		t.Fatalf("expected 127/COMMAND_UNSUPPORTED, got %d/%s", env.ExitCode, env.ErrorCode)
	}

	env, err = g.Execute(context.Background(), "s3api list-buckets")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if env.ExitCode != domain.ExitSuccess {
		t.Fatalf("expected follow-up command to succeed, got %d", env.ExitCode)
	}
	if !strings.Contains(env.Stdout, `"Buckets"`) {
		t.Errorf("expected JSON bucket payload, got %q", env.Stdout)
	}
}

func TestExecuteRejectsConcurrentCommand(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{}), started: make(chan struct{})}
	g := newTestGateway(t, api, nil)

	type result struct {
		env *domain.ResultEnvelope
		err error
	}
	first := make(chan result, 1)
	go func() {
		env, err := g.Execute(context.Background(), "s3 ls")
		first <- result{env, err}
	}()
	<-api.started

	if _, err := g.Execute(context.Background(), "s3 ls"); !errors.Is(err, domain.ErrAlreadyExecuting) {
		t.Fatalf("expected ErrAlreadyExecuting, got %v", err)
	}

	close(api.block)
	r := <-first
	if r.err != nil || r.env.ExitCode != domain.ExitSuccess {
		t.Fatalf("expected first command to complete, got %+v / %v", r.env, r.err)
	}
	if len(g.History()) != 1 {
		t.Errorf("expected rejected command to stay out of history, got %d entries", len(g.History()))
	}
}

func TestExecuteMalformed(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{}, nil)

	tests := []string{"aws", "s3api head-object --bucket b", "s3 rm s3://bucket", "s3 presign s3://b/k --expires-in nope"}
	for _, cmd := range tests {
		env, err := g.Execute(context.Background(), cmd)
		if err != nil {
			t.Fatalf("Execute(%q) error = %v", cmd, err)
		}
		if env.ExitCode != domain.ExitMalformed {
			t.Errorf("Execute(%q) exit = %d, want 1", cmd, env.ExitCode)
		}
		if env.Stderr == "" || env.Stdout != "" {
			t.Errorf("Execute(%q) expected only stderr, got %+v", cmd, env)
		}
	}
}

func TestRefreshReplacesCredentialsAndRevalidates(t *testing.T) {
	api := &fakeAPI{}
	exp := time.Now().Add(time.Hour)
	refresher := &fakeRefresher{next: domain.CredentialSet{AccessKeyID: "ASIANEW", SecretAccessKey: "new", Expiration: &exp}}

	var hooked domain.CredentialSet
	g := newTestGateway(t, api, refresher, WithRefreshHook(func(c domain.CredentialSet) { hooked = c }))

	if _, err := g.Execute(context.Background(), "s3 ls"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if api.identityCalls.Load() != 1 {
		t.Fatalf("expected one validation, got %d", api.identityCalls.Load())
	}

	refresher.due = true
	if _, err := g.Execute(context.Background(), "s3 ls"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := g.Credentials().AccessKeyID; got != "ASIANEW" {
		t.Errorf("expected refreshed credentials, got %s", got)
	}
	if hooked.AccessKeyID != "ASIANEW" {
		t.Errorf("expected refresh hook to receive new credentials, got %+v", hooked)
	}
	if api.identityCalls.Load() != 2 {
		t.Errorf("expected re-validation after refresh, got %d", api.identityCalls.Load())
	}
}

func TestRefreshFailureKeepsStaleCredentials(t *testing.T) {
	refresher := &fakeRefresher{due: true, err: domain.ErrRefreshDenied}
	g := newTestGateway(t, &fakeAPI{}, refresher)

	env, err := g.Execute(context.Background(), "s3 ls")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if env.ExitCode != domain.ExitSuccess {
		t.Errorf("expected command to proceed with stale credentials, got %d", env.ExitCode)
	}
	if g.Credentials().AccessKeyID != "AKIATEST" {
		t.Errorf("expected stale credentials to remain, got %s", g.Credentials().AccessKeyID)
	}
}

func TestRemoteFailureDiagnostic(t *testing.T) {
	api := &fakeAPI{listErr: &cloud.RemoteError{Code: "AccessDenied", Message: "Access Denied"}}
	g := newTestGateway(t, api, nil)

	env, err := g.Execute(context.Background(), "s3api list-buckets")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if env.ExitCode != domain.ExitRemoteError || env.ErrorCode != domain.CodeRemoteCallFailed {
		t.Fatalf("expected 2/REMOTE_CALL_FAILED, got %d/%s", env.ExitCode, env.ErrorCode)
	}
	want := "An error occurred (AccessDenied) when calling the ListBuckets operation: Access Denied"
	if env.Stderr != want {
		t.Errorf("stderr = %q, want %q", env.Stderr, want)
	}
}

func TestHistoryBoundedAndClearable(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{}, nil)
	for _, cmd := range []string{"s3 ls", "sts get-caller-identity", "s3api list-buckets", "foo bar"} {
		if _, err := g.Execute(context.Background(), cmd); err != nil {
			t.Fatalf("Execute(%q) error = %v", cmd, err)
		}
	}

	h := g.History()
	if len(h) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(h))
	}
	if h[0].Command != "sts get-caller-identity" || h[2].Command != "foo bar" {
		t.Errorf("unexpected history order %+v", h)
	}

	g.ClearHistory()
	if len(g.History()) != 0 {
		t.Error("expected empty history after clear")
	}
	if _, err := g.Execute(context.Background(), "s3 ls"); err != nil {
		t.Fatalf("Execute() after clear error = %v", err)
	}
}

func TestExecuteAfterClose(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{}, nil)
	g.Close()
	if _, err := g.Execute(context.Background(), "s3 ls"); !errors.Is(err, domain.ErrGatewayClosed) {
		t.Fatalf("expected ErrGatewayClosed, got %v", err)
	}
}

func TestExecuteRecordsAudit(t *testing.T) {
	rec := &fakeRecorder{}
	g := newTestGateway(t, &fakeAPI{}, nil, WithRecorder(rec))

	if _, err := g.Execute(context.Background(), "foo bar"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(rec.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(rec.records))
	}
	if rec.records[0].SessionID != "sess-1" || rec.records[0].ExitCode != domain.ExitUnsupported {
		t.Errorf("unexpected record %+v", rec.records[0])
	}
}

func TestResizeRecorded(t *testing.T) {
	g := newTestGateway(t, &fakeAPI{}, nil)
	g.Resize(120, 40)
	if cols, rows := g.Size(); cols != 120 || rows != 40 {
		t.Errorf("Size() = %d,%d", cols, rows)
	}
}
