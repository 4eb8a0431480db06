package authz

import (
	"context"
	"log/slog"
	"time"
)

// LogNotifier records lab usage in the log when no entitlement service is
// reachable, as with locally verified tokens.
type LogNotifier struct{}

// NotifyStarted logs a lab start.
func (LogNotifier) NotifyStarted(_ context.Context, purchaseID, sessionID string) error {
	slog.Info("Lab started", "purchase_id", purchaseID, "session_id", sessionID)
	return nil
}

// NotifyEnded logs a lab end.
func (LogNotifier) NotifyEnded(_ context.Context, purchaseID, sessionID string, duration time.Duration) error {
	slog.Info("Lab ended", "purchase_id", purchaseID, "session_id", sessionID, "duration", duration)
	return nil
}
