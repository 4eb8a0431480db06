package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/ashureev/shsh-cloudlabs/internal/gateway"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Close codes sent when a connection cannot be established.
const (
	CloseSessionNotFound  websocket.StatusCode = 4004
	CloseEstablishTimeout websocket.StatusCode = 4008
)

const writeTimeout = 10 * time.Second

// State is the lifecycle state of a connection.
type State int32

const (
	StatePending State = iota
	StateResolving
	StateAttached
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SessionResolver is the registry surface the connection endpoint needs.
type SessionResolver interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Destroy(ctx context.Context, id string)
}

// GatewayFactory builds the command gateway for a resolved session.
type GatewayFactory func(sess *domain.Session) (*gateway.Gateway, error)

// Config holds connection timings.
type Config struct {
	HeartbeatInterval time.Duration
	EstablishTimeout  time.Duration
	ResolveBaseDelay  time.Duration
	ResolveMaxDelay   time.Duration
	ResolveRetries    int
	ReadLimitBytes    int64
	AllowedOrigins    []string
	IsDev             bool
}

// WebSocketHandler accepts per-session command connections.
type WebSocketHandler struct {
	sessions   SessionResolver
	sm         *SessionManager
	newGateway GatewayFactory
	cfg        Config
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions SessionResolver, sm *SessionManager, newGateway GatewayFactory, cfg Config) *WebSocketHandler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.EstablishTimeout <= 0 {
		cfg.EstablishTimeout = 30 * time.Second
	}
	if cfg.ResolveBaseDelay <= 0 {
		cfg.ResolveBaseDelay = 100 * time.Millisecond
	}
	if cfg.ResolveMaxDelay < cfg.ResolveBaseDelay {
		cfg.ResolveMaxDelay = time.Second
	}
	return &WebSocketHandler{
		sessions:   sessions,
		sm:         sm,
		newGateway: newGateway,
		cfg:        cfg,
	}
}

// connection is the transient state of one accepted socket.
type connection struct {
	sessionID string
	ws        *websocket.Conn
	state     atomic.Int32
	alive     atomic.Bool
	closed    atomic.Bool
	logger    *slog.Logger
}

func (c *connection) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	c.logger.Debug("Connection state changed", "from", prev.String(), "to", s.String())
}

// wsMessage is the inbound message structure.
type wsMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// outMessage is the outbound message structure.
type outMessage struct {
	Type         string                 `json:"type"`
	SessionID    string                 `json:"sessionId,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Code         string                 `json:"code,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Result       *domain.ResultEnvelope `json:"result,omitempty"`
	History      []domain.CommandEntry  `json:"history,omitempty"`
	ExpiresAt    *time.Time             `json:"expiresAt,omitempty"`
	Cols         int                    `json:"cols,omitempty"`
	Rows         int                    `json:"rows,omitempty"`
	ReceivedType string                 `json:"receivedType,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	logger := slog.With("session_id", sessionID)
	logger.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	if h.cfg.ReadLimitBytes > 0 {
		ws.SetReadLimit(h.cfg.ReadLimitBytes)
	}

	conn := &connection{sessionID: sessionID, ws: ws, logger: logger}
	conn.setState(StatePending)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, code := h.resolve(ctx, conn)
	if sess == nil {
		conn.setState(StateRejected)
		h.reject(conn, code)
		return
	}

	gw, err := h.sm.Attach(sessionID, ws, func() (*gateway.Gateway, error) {
		return h.newGateway(sess)
	})
	if err != nil {
		logger.Error("Failed to create command gateway", "error", err)
		conn.setState(StateRejected)
		h.send(conn, outMessage{Type: "error", Code: domain.CodeInternal, Message: "failed to attach command gateway"})
		_ = ws.Close(websocket.StatusInternalError, "gateway unavailable")
		return
	}
	defer h.teardown(conn)

	conn.setState(StateAttached)
	conn.alive.Store(true)
	expiresAt := sess.ExpiresAt
	h.send(conn, outMessage{Type: "connected", ExpiresAt: &expiresAt})

	go h.heartbeat(ctx, cancel, conn)
	h.readLoop(ctx, conn, gw)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigins)
	return false
}

// resolve looks the session up with doubling backoff to absorb the window in
// which a freshly created record is not yet visible. It returns the session or
// the code explaining why none was found.
func (h *WebSocketHandler) resolve(ctx context.Context, conn *connection) (*domain.Session, string) {
	conn.setState(StateResolving)
	ctx, cancel := context.WithTimeout(ctx, h.cfg.EstablishTimeout)
	defer cancel()

	delay := h.cfg.ResolveBaseDelay
	for attempt := 0; ; attempt++ {
		sess, err := h.sessions.Get(ctx, conn.sessionID)
		if err != nil {
			conn.logger.Warn("Session lookup failed", "attempt", attempt+1, "error", err)
		}
		if sess != nil {
			return sess, ""
		}
		if ctx.Err() != nil {
			return nil, domain.CodeConnectionTimeout
		}
		if attempt >= h.cfg.ResolveRetries {
			return nil, domain.CodeSessionNotFound
		}

		conn.logger.Debug("Session not visible yet, retrying", "attempt", attempt+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, domain.CodeConnectionTimeout
		case <-timer.C:
		}
		delay *= 2
		if delay > h.cfg.ResolveMaxDelay {
			delay = h.cfg.ResolveMaxDelay
		}
	}
}

func (h *WebSocketHandler) reject(conn *connection, code string) {
	status, msg := CloseSessionNotFound, "session not found"
	if code == domain.CodeConnectionTimeout {
		status, msg = CloseEstablishTimeout, "connection establishment timed out"
	}
	conn.logger.Info("Connection rejected", "code", code)
	h.send(conn, outMessage{Type: "error", Code: code, Message: msg})
	_ = conn.ws.Close(status, msg)
}

// heartbeat probes the peer every interval and terminates the connection if
// the previous probe went unanswered.
func (h *WebSocketHandler) heartbeat(ctx context.Context, cancel context.CancelFunc, conn *connection) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !conn.alive.Swap(false) {
				conn.logger.Warn("Heartbeat missed, terminating connection")
				cancel()
				_ = conn.ws.CloseNow()
				return
			}
			go func() {
				pctx, pcancel := context.WithTimeout(ctx, h.cfg.HeartbeatInterval)
				defer pcancel()
				if err := conn.ws.Ping(pctx); err == nil {
					conn.alive.Store(true)
				}
			}()
		}
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *connection, gw *gateway.Gateway) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				conn.logger.Debug("WebSocket closed", "error", err)
			} else {
				conn.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(conn, outMessage{Type: "error", Code: domain.CodeMalformedArguments, Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "command":
			go h.runCommand(ctx, conn, gw, msg.Command)
		case "resize":
			gw.Resize(msg.Cols, msg.Rows)
			h.send(conn, outMessage{Type: "resize_ack", Cols: msg.Cols, Rows: msg.Rows})
		case "ping":
			conn.alive.Store(true)
			h.send(conn, outMessage{Type: "pong"})
		case "history":
			h.send(conn, outMessage{Type: "history", History: gw.History()})
		case "clear":
			gw.ClearHistory()
			h.send(conn, outMessage{Type: "clear_ack"})
		default:
			h.send(conn, outMessage{Type: "unknown_command", ReceivedType: msg.Type})
		}
	}
}

// runCommand executes on a context detached from the connection; if the
// connection closes first the result is dropped.
func (h *WebSocketHandler) runCommand(ctx context.Context, conn *connection, gw *gateway.Gateway, command string) {
	env, err := gw.Execute(context.WithoutCancel(ctx), command)
	if conn.closed.Load() {
		conn.logger.Debug("Discarding command result for closed connection", "command", command)
		return
	}
	if err != nil {
		h.send(conn, outMessage{Type: "error", Code: domain.ErrorCode(err), Message: err.Error()})
		return
	}
	conn.logger.Info("Command executed", "command", command, "exit_code", env.ExitCode)
	h.send(conn, outMessage{Type: "command_result", Result: env})
}

// teardown detaches the gateway and, once the session is no longer usable,
// destroys it in the background.
func (h *WebSocketHandler) teardown(conn *connection) {
	conn.closed.Store(true)
	conn.setState(StateClosed)
	h.sm.Detach(conn.sessionID, conn.ws)
	_ = conn.ws.Close(websocket.StatusNormalClosure, "session ended")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		sess, err := h.sessions.Get(ctx, conn.sessionID)
		if err != nil || sess != nil {
			return
		}
		h.sessions.Destroy(ctx, conn.sessionID)
	}()
	conn.logger.Info("Terminal session ended")
}

func (h *WebSocketHandler) send(conn *connection, msg outMessage) {
	msg.SessionID = conn.sessionID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := h.writeJSON(conn.ws, msg); err != nil {
		conn.logger.Debug("Failed to send message", "type", msg.Type, "error", err)
	}
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
