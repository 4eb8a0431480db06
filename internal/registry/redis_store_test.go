package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/ashureev/shsh-cloudlabs/internal/crypto"
	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreForTest(t *testing.T, sealed bool) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		m.Close()
	})

	var sealer SecretSealer
	if sealed {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		s, err := crypto.NewSealer(key)
		if err != nil {
			t.Fatalf("new sealer: %v", err)
		}
		sealer = s
	}
	return m, NewRedisStore(client, "lab_test", sealer)
}

func sampleSession() *domain.Session {
	exp := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	return &domain.Session{
		ID:         "sess-1",
		UserID:     "user-1",
		LabID:      "lab-1-s3",
		PurchaseID: "purchase-1",
		Status:     domain.StatusActive,
		CreatedAt:  exp.Add(-2 * time.Hour),
		ExpiresAt:  exp,
		Credentials: domain.CredentialSet{
			AccessKeyID:     "ASIALAB",
			SecretAccessKey: "super-secret-key",
			SessionToken:    "session-token",
			Region:          "us-east-1",
			Expiration:      &exp,
			Ref:             "sandbox-ref",
		},
	}
}

func TestRedisStoreRoundTripSealsSecrets(t *testing.T) {
	m, store := newRedisStoreForTest(t, true)
	ctx := context.Background()
	sess := sampleSession()

	if err := store.Put(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	raw, err := m.Get("lab_test:data:sess-1")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if strings.Contains(raw, "super-secret-key") || strings.Contains(raw, "session-token") {
		t.Fatal("expected secrets to be sealed at rest")
	}
	if ttl := m.TTL("lab_test:data:sess-1"); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %v", ttl)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected session")
	}
	if !got.Credentials.Equal(sess.Credentials) {
		t.Errorf("credentials mismatch: %+v", got.Credentials)
	}
	if got.Credentials.Ref != "sandbox-ref" {
		t.Errorf("expected ref to survive, got %q", got.Credentials.Ref)
	}
}

func TestRedisStoreAbsentAndDelete(t *testing.T) {
	_, store := newRedisStoreForTest(t, false)
	ctx := context.Background()

	got, err := store.Get(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v", got, err)
	}

	if err := store.Put(ctx, sampleSession(), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	ids, err := store.IDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "sess-1" {
		t.Fatalf("IDs() = %v, %v", ids, err)
	}

	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got, _ := store.Get(ctx, "sess-1"); got != nil {
		t.Error("expected record deleted")
	}
	if ids, _ := store.IDs(ctx); len(ids) != 0 {
		t.Errorf("expected empty index, got %v", ids)
	}
}

func TestRedisStoreExpiresWithTTL(t *testing.T) {
	m, store := newRedisStoreForTest(t, false)
	ctx := context.Background()

	if err := store.Put(ctx, sampleSession(), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	m.FastForward(2 * time.Minute)

	if got, _ := store.Get(ctx, "sess-1"); got != nil {
		t.Error("expected record to lapse")
	}
	// The index keeps the ref so the lapsed sandbox can still be released.
	if ids, _ := store.IDs(ctx); len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("expected lapsed id still indexed, got %v", ids)
	}
	if ref, err := store.Ref(ctx, "sess-1"); err != nil || ref != "sandbox-ref" {
		t.Errorf("Ref() = %q, %v", ref, err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestRegistryOverRedisStore(t *testing.T) {
	_, store := newRedisStoreForTest(t, true)
	clock := newFakeClock()
	prov := &fakeProvisioner{}
	r := New(store, &fakeAuthorizer{ent: validEntitlement()}, prov, Config{SweepInterval: time.Hour}, nil, WithClock(clock.Now))
	defer r.Close()
	ctx := context.Background()

	sess, err := r.Create(ctx, createReq())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := r.Get(ctx, sess.ID)
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.Credentials.SecretAccessKey != "secret" {
		t.Errorf("expected opened secret, got %q", got.Credentials.SecretAccessKey)
	}

	r.Destroy(ctx, sess.ID)
	r.Destroy(ctx, sess.ID)
	if prov.released.Load() != 1 {
		t.Errorf("expected one release, got %d", prov.released.Load())
	}
}

func TestRegistryOverRedisStoreReclaimsLapsedRecord(t *testing.T) {
	m, store := newRedisStoreForTest(t, false)
	clock := newFakeClock()
	prov := &fakeProvisioner{}
	r := New(store, &fakeAuthorizer{ent: validEntitlement()}, prov, Config{SweepInterval: time.Hour}, nil, WithClock(clock.Now))
	defer r.Close()
	ctx := context.Background()

	sess, err := r.Create(ctx, createReq())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	m.FastForward(4 * time.Hour)
	clock.Advance(4 * time.Hour)

	destroyed, _, err := r.Reconcile(ctx)
	if err != nil || destroyed != 1 {
		t.Fatalf("Reconcile() = %d, %v", destroyed, err)
	}
	if got := prov.refs(); len(got) != 1 || got[0] != "user-1/lab-1-s3" {
		t.Errorf("expected lapsed sandbox released, got %v", got)
	}
	if ref, _ := store.Ref(ctx, sess.ID); ref != "" {
		t.Errorf("expected index entry dropped, got ref %q", ref)
	}
}
