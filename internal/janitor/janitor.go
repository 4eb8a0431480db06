// Package janitor runs scheduled maintenance: registry reconciliation and
// audit log retention.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler re-arms expiry sweeps and destroys stale sessions.
type Reconciler interface {
	Reconcile(ctx context.Context) (destroyed, armed int, err error)
}

// Pruner removes audit rows older than a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds job schedules in cron syntax (descriptors like "@every 5m"
// are accepted).
type Config struct {
	ReconcileSchedule string
	PruneSchedule     string
	Retention         time.Duration
	JobTimeout        time.Duration
}

// Janitor schedules maintenance jobs.
type Janitor struct {
	cron       *cron.Cron
	reconciler Reconciler
	pruner     Pruner
	cfg        Config
	now        func() time.Time
}

// New registers the jobs. A nil reconciler or pruner, or a non-positive
// retention, disables the corresponding job.
func New(reconciler Reconciler, pruner Pruner, cfg Config) (*Janitor, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	logger := cronLogger{}
	j := &Janitor{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		), cron.WithLogger(logger)),
		reconciler: reconciler,
		pruner:     pruner,
		cfg:        cfg,
		now:        time.Now,
	}

	if reconciler != nil && cfg.ReconcileSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.ReconcileSchedule, j.reconcile); err != nil {
			return nil, fmt.Errorf("schedule reconcile %q: %w", cfg.ReconcileSchedule, err)
		}
	}
	if pruner != nil && cfg.PruneSchedule != "" && cfg.Retention > 0 {
		if _, err := j.cron.AddFunc(cfg.PruneSchedule, j.prune); err != nil {
			return nil, fmt.Errorf("schedule prune %q: %w", cfg.PruneSchedule, err)
		}
	}
	return j, nil
}

// Start runs the scheduler in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	slog.Info("Janitor started", "jobs", len(j.cron.Entries()),
		"reconcile", j.cfg.ReconcileSchedule, "prune", j.cfg.PruneSchedule, "retention", j.cfg.Retention)
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("Janitor stopped")
	case <-ctx.Done():
		slog.Warn("Janitor stop timed out", "reason", ctx.Err())
	}
}

func (j *Janitor) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.JobTimeout)
	defer cancel()
	j.Reconcile(ctx)
}

func (j *Janitor) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.JobTimeout)
	defer cancel()
	j.Prune(ctx)
}

// Reconcile runs one reconciliation pass.
func (j *Janitor) Reconcile(ctx context.Context) {
	if j.reconciler == nil {
		return
	}
	destroyed, armed, err := j.reconciler.Reconcile(ctx)
	if err != nil {
		slog.Error("Janitor reconcile failed", "error", err)
		return
	}
	if destroyed > 0 || armed > 0 {
		slog.Info("Janitor reconciled sessions", "destroyed", destroyed, "armed", armed)
	}
}

// Prune removes audit rows older than the retention window.
func (j *Janitor) Prune(ctx context.Context) {
	if j.pruner == nil || j.cfg.Retention <= 0 {
		return
	}
	deleted, err := j.pruner.PruneBefore(ctx, j.now().Add(-j.cfg.Retention))
	if err != nil {
		slog.Error("Janitor failed to prune audit log", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Janitor pruned audit log", "count", deleted)
	}
}

// cronLogger routes scheduler logs through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
