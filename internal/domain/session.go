// Package domain contains core domain types for the cloud lab gateway.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a lab session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusExpired   SessionStatus = "expired"
	StatusDestroyed SessionStatus = "destroyed"
)

// Session is a bounded-lifetime grant letting one user run commands against
// one provisioned sandbox for one lab.
type Session struct {
	ID          string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	LabID       string        `json:"labId"`
	PurchaseID  string        `json:"purchaseId"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	Credentials CredentialSet `json:"credentials"`
}

// IsUsable reports whether the session can serve commands at now.
// A session leaving the active state never becomes usable again.
func (s *Session) IsUsable(now time.Time) bool {
	return s.Status == StatusActive && !now.After(s.ExpiresAt)
}

// Remaining returns the time left until expiry, or 0 once expired.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.Status != StatusActive {
		return 0
	}
	ttl := s.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Clone returns a deep copy so callers never share a record with the registry.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Credentials = s.Credentials.Clone()
	return &c
}

// Entitlement is the result of validating a learner's authorization token.
type Entitlement struct {
	Valid      bool      `json:"valid"`
	UserID     string    `json:"userId"`
	LabID      string    `json:"labId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	PurchaseID string    `json:"purchaseId"`
}

// CommandEntry represents a single command in a gateway's history.
type CommandEntry struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandRecord is a persisted audit row for an executed command.
type CommandRecord struct {
	SessionID string    `json:"sessionId"`
	Command   string    `json:"command"`
	ExitCode  int       `json:"exitCode"`
	ErrorCode string    `json:"errorCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session lifecycle events recorded in the audit log.
const (
	EventCreated   = "created"
	EventExtended  = "extended"
	EventExpired   = "expired"
	EventDestroyed = "destroyed"
)

// SessionEvent is a persisted audit row for a lifecycle transition.
type SessionEvent struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	LabID     string    `json:"labId"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
