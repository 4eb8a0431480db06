package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeReconciler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeReconciler) Reconcile(context.Context) (int, int, error) {
	f.calls.Add(1)
	return 1, 2, f.err
}

type fakePruner struct {
	calls  atomic.Int32
	cutoff time.Time
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.calls.Add(1)
	f.cutoff = cutoff
	return 3, nil
}

func TestJanitorPruneUsesRetention(t *testing.T) {
	p := &fakePruner{}
	j, err := New(nil, p, Config{PruneSchedule: "@hourly", Retention: 48 * time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	now := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	j.Prune(context.Background())
	if p.calls.Load() != 1 {
		t.Fatalf("expected one prune, got %d", p.calls.Load())
	}
	if want := now.Add(-48 * time.Hour); !p.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoff, want)
	}
}

func TestJanitorDisabledJobs(t *testing.T) {
	p := &fakePruner{}
	j, err := New(nil, p, Config{PruneSchedule: "@hourly"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if n := len(j.cron.Entries()); n != 0 {
		t.Errorf("expected no jobs without retention, got %d", n)
	}
	j.Prune(context.Background())
	j.Reconcile(context.Background())
	if p.calls.Load() != 0 {
		t.Error("expected prune skipped")
	}
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	if _, err := New(&fakeReconciler{}, nil, Config{ReconcileSchedule: "every tuesday"}); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestJanitorRunsScheduledReconcile(t *testing.T) {
	r := &fakeReconciler{err: errors.New("store down")}
	j, err := New(r, nil, Config{ReconcileSchedule: "@every 1s"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	j.Start()
	defer j.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for r.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if r.calls.Load() == 0 {
		t.Fatal("expected scheduled reconcile to run")
	}
}
