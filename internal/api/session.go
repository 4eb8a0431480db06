package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/ashureev/shsh-cloudlabs/internal/identity"
	"github.com/ashureev/shsh-cloudlabs/internal/registry"
	"github.com/go-chi/chi/v5"
)

const (
	defaultCommandLimit = 50
	maxCommandLimit     = 500
	maxBodyBytes        = 64 << 10
)

// provisionLocks prevents concurrent provisioning of the same lab for the
// same user.
var provisionLocks sync.Map

// SessionConfig holds settings for the session endpoints.
type SessionConfig struct {
	PublicBaseURL       string
	MaxExtensionMinutes int
	DestroyTimeout      time.Duration
}

// SessionHandler handles lab session endpoints.
type SessionHandler struct {
	*Handler
	cfg SessionConfig
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler, cfg SessionConfig) *SessionHandler {
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 30 * time.Second
	}
	return &SessionHandler{Handler: base, cfg: cfg}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.End)
			r.Post("/end", h.End)
			r.Post("/extend", h.Extend)
			r.Get("/commands", h.Commands)
		})
	})
}

type createRequest struct {
	UserID        string `json:"userId"`
	LabID         string `json:"labId"`
	EntitlementID string `json:"entitlementId"`
	AuthToken     string `json:"authToken"`
}

type createResponse struct {
	SessionID     string               `json:"sessionId"`
	ConnectionURL string               `json:"connectionUrl"`
	ExpiresAt     time.Time            `json:"expiresAt"`
	Credentials   domain.CredentialSet `json:"credentials"`
}

// Create validates the entitlement and starts a lab session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AuthToken == "" {
		req.AuthToken = identity.AuthTokenFromContext(r.Context())
	}
	if req.UserID == "" || req.LabID == "" || req.AuthToken == "" {
		Error(w, http.StatusBadRequest, "userId, labId and authToken are required")
		return
	}

	// Prevent concurrent provisioning requests.
	key := req.UserID + "\x00" + req.LabID
	lock, _ := provisionLocks.LoadOrStore(key, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Provisioning already in progress", "user_id", req.UserID, "lab_id", req.LabID)
		Error(w, http.StatusConflict, "provisioning_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		provisionLocks.Delete(key)
	}()

	sess, err := h.sessions.Create(r.Context(), registry.CreateRequest{
		UserID:        req.UserID,
		LabID:         req.LabID,
		EntitlementID: req.EntitlementID,
		AuthToken:     req.AuthToken,
	})
	switch {
	case errors.Is(err, domain.ErrInvalidEntitlement):
		slog.Warn("Session creation rejected", "user_id", req.UserID, "lab_id", req.LabID,
			"client_ip", identity.ClientIPFromContext(r.Context()), "error", err)
		Error(w, http.StatusForbidden, "invalid_entitlement")
		return
	case errors.Is(err, domain.ErrProvisioningFailed):
		Error(w, http.StatusBadGateway, "provisioning_failed")
		return
	case err != nil:
		slog.Error("Session creation failed", "user_id", req.UserID, "lab_id", req.LabID, "error", err)
		Error(w, http.StatusInternalServerError, "internal_error")
		return
	}

	JSON(w, http.StatusCreated, createResponse{
		SessionID:     sess.ID,
		ConnectionURL: h.connectionURL(r, sess.ID),
		ExpiresAt:     sess.ExpiresAt,
		Credentials:   sess.Credentials,
	})
}

type sessionView struct {
	SessionID        string               `json:"sessionId"`
	UserID           string               `json:"userId"`
	LabID            string               `json:"labId"`
	PurchaseID       string               `json:"purchaseId"`
	Status           domain.SessionStatus `json:"status"`
	CreatedAt        time.Time            `json:"createdAt"`
	ExpiresAt        time.Time            `json:"expiresAt"`
	RemainingSeconds int64                `json:"remainingSeconds"`
	Region           string               `json:"region"`
	AccessKeyID      string               `json:"accessKeyId"`
}

// Get returns a usable session without its secret material.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.usable(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sessionView{
		SessionID:        sess.ID,
		UserID:           sess.UserID,
		LabID:            sess.LabID,
		PurchaseID:       sess.PurchaseID,
		Status:           sess.Status,
		CreatedAt:        sess.CreatedAt,
		ExpiresAt:        sess.ExpiresAt,
		RemainingSeconds: int64(time.Until(sess.ExpiresAt).Seconds()),
		Region:           sess.Credentials.Region,
		AccessKeyID:      sess.Credentials.AccessKeyID,
	})
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

// Extend pushes back a session's expiry.
func (h *SessionHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Minutes <= 0 || (h.cfg.MaxExtensionMinutes > 0 && req.Minutes > h.cfg.MaxExtensionMinutes) {
		Error(w, http.StatusBadRequest, "minutes must be between 1 and "+strconv.Itoa(h.cfg.MaxExtensionMinutes))
		return
	}

	id := chi.URLParam(r, "id")
	sess, extended, err := h.sessions.Extend(r.Context(), id, req.Minutes)
	if err != nil {
		slog.Error("Session extension failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session_not_found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sess.ID,
		"extended":  extended,
		"expiresAt": sess.ExpiresAt,
	})
}

// End destroys a session. It always reports success.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.DestroyTimeout)
	defer cancel()

	h.sessions.Destroy(ctx, id)
	JSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// Commands returns the recent audited commands of a session.
func (h *SessionHandler) Commands(w http.ResponseWriter, r *http.Request) {
	if h.commands == nil {
		Error(w, http.StatusNotFound, "audit_disabled")
		return
	}

	limit := defaultCommandLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCommandLimit)
	}

	id := chi.URLParam(r, "id")
	records, err := h.commands.ListCommands(r.Context(), id, limit)
	if err != nil {
		slog.Error("Failed to list commands", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if records == nil {
		records = []domain.CommandRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": id,
		"commands":  records,
	})
}

func (h *SessionHandler) usable(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		slog.Error("Session lookup failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "internal_error")
		return nil, false
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session_not_found")
		return nil, false
	}
	return sess, true
}

// connectionURL builds the WebSocket address clients attach to.
func (h *SessionHandler) connectionURL(r *http.Request, sessionID string) string {
	path := "/ws/sessions/" + sessionID
	if base := strings.TrimRight(h.cfg.PublicBaseURL, "/"); base != "" {
		switch {
		case strings.HasPrefix(base, "https://"):
			return "wss://" + strings.TrimPrefix(base, "https://") + path
		case strings.HasPrefix(base, "http://"):
			return "ws://" + strings.TrimPrefix(base, "http://") + path
		default:
			return base + path
		}
	}

	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + path
}
