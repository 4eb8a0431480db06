// Package api provides HTTP handlers for the lab session API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/ashureev/shsh-cloudlabs/internal/registry"
)

// SessionService is the registry surface the HTTP layer drives.
type SessionService interface {
	Create(ctx context.Context, req registry.CreateRequest) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	Extend(ctx context.Context, id string, minutes int) (*domain.Session, bool, error)
	Destroy(ctx context.Context, id string)
}

// CommandLog reads the persisted command audit trail.
type CommandLog interface {
	ListCommands(ctx context.Context, sessionID string, limit int) ([]domain.CommandRecord, error)
}

// Handler provides common handler utilities.
type Handler struct {
	sessions SessionService
	commands CommandLog
}

// NewHandler creates a new Handler with common dependencies. commands may be
// nil when no audit store is configured.
func NewHandler(sessions SessionService, commands CommandLog) *Handler {
	return &Handler{sessions: sessions, commands: commands}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
