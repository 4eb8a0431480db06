// Package terminal serves the persistent per-session command connection.
package terminal

import (
	"log/slog"
	"sync"

	"github.com/ashureev/shsh-cloudlabs/internal/gateway"
	"github.com/coder/websocket"
)

type attachment struct {
	conn *websocket.Conn
	gw   *gateway.Gateway
}

// SessionManager tracks the live connection and command gateway of each lab
// session.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]*attachment
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]*attachment),
	}
}

// GetActive returns the active connection for a session.
func (m *SessionManager) GetActive(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.active[sessionID]; ok {
		return a.conn
	}
	return nil
}

// Gateway returns the command gateway attached to a session.
func (m *SessionManager) Gateway(sessionID string) *gateway.Gateway {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.active[sessionID]; ok {
		return a.gw
	}
	return nil
}

// Attach registers conn for a session and returns its command gateway. A
// still-open gateway from a replaced connection is reused; otherwise create
// builds a new one. A replaced connection is closed.
func (m *SessionManager) Attach(sessionID string, conn *websocket.Conn, create func() (*gateway.Gateway, error)) (*gateway.Gateway, error) {
	m.mu.Lock()
	existing := m.active[sessionID]

	var gw *gateway.Gateway
	if existing != nil && existing.gw != nil && !existing.gw.Closed() {
		gw = existing.gw
	} else {
		var err error
		if gw, err = create(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	m.active[sessionID] = &attachment{conn: conn, gw: gw}
	m.mu.Unlock()

	if existing != nil && existing.conn != nil && existing.conn != conn {
		_ = existing.conn.Close(websocket.StatusNormalClosure, "session replaced")
	}
	slog.Info("Terminal session registered", "session_id", sessionID)
	return gw, nil
}

// Detach removes conn if it is still the session's current connection and
// closes its gateway. It reports whether anything was removed.
func (m *SessionManager) Detach(sessionID string, conn *websocket.Conn) bool {
	m.mu.Lock()
	a, ok := m.active[sessionID]
	if !ok || a.conn != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.active, sessionID)
	m.mu.Unlock()

	if a.gw != nil {
		a.gw.Close()
	}
	slog.Info("Terminal session unregistered", "session_id", sessionID)
	return true
}

// CloseSession forcefully terminates the connection and gateway of a session.
func (m *SessionManager) CloseSession(sessionID string) {
	m.mu.Lock()
	a, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if a.gw != nil {
		a.gw.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	slog.Info("Terminal session closed", "session_id", sessionID)
}

// Count returns the number of attached sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
