// Package store provides the persistent audit log for lab sessions.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
)

// AuditLog persists session lifecycle events and executed commands.
type AuditLog interface {
	// RecordSessionEvent appends a lifecycle transition.
	RecordSessionEvent(ctx context.Context, ev domain.SessionEvent) error

	// RecordCommand appends an executed command and its outcome.
	RecordCommand(ctx context.Context, rec domain.CommandRecord) error

	// ListCommands returns the most recent commands of a session, oldest first.
	ListCommands(ctx context.Context, sessionID string, limit int) ([]domain.CommandRecord, error)

	// ListSessionEvents returns the lifecycle events of a session, oldest first.
	ListSessionEvents(ctx context.Context, sessionID string) ([]domain.SessionEvent, error)

	// PruneBefore removes rows created before cutoff and returns how many went.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
