package terminal

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/ashureev/shsh-cloudlabs/internal/cloud"
	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/ashureev/shsh-cloudlabs/internal/gateway"
	"github.com/coder/websocket"
)

func newStubGateway(t *testing.T, sessionID string) *gateway.Gateway {
	t.Helper()
	gw, err := gateway.New(sessionID, domain.CredentialSet{AccessKeyID: "AKIATEST"}, gateway.Config{},
		func(domain.CredentialSet) (cloud.API, error) { return stubAPI{}, nil }, nil, nil)
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	return gw
}

func TestSessionManager_Attach(t *testing.T) {
	sm := NewSessionManager()
	conn := &websocket.Conn{}
	gw := newStubGateway(t, "sess-1")

	got, err := sm.Attach("sess-1", conn, func() (*gateway.Gateway, error) { return gw, nil })
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if got != gw {
		t.Error("expected created gateway")
	}
	if sm.GetActive("sess-1") != conn {
		t.Error("expected registered connection")
	}
}

func TestSessionManager_AttachError(t *testing.T) {
	sm := NewSessionManager()
	_, err := sm.Attach("sess-1", &websocket.Conn{}, func() (*gateway.Gateway, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if sm.Count() != 0 {
		t.Error("expected nothing registered")
	}
}

func TestSessionManager_Detach(t *testing.T) {
	sm := NewSessionManager()
	conn := &websocket.Conn{}
	gw := newStubGateway(t, "sess-1")
	_, _ = sm.Attach("sess-1", conn, func() (*gateway.Gateway, error) { return gw, nil })

	if !sm.Detach("sess-1", conn) {
		t.Fatal("expected detach to remove current connection")
	}
	if sm.GetActive("sess-1") != nil {
		t.Error("expected nil connection")
	}
	if !gw.Closed() {
		t.Error("expected gateway closed on detach")
	}
}

func TestSessionManager_DetachStale(t *testing.T) {
	sm := NewSessionManager()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}
	gw := newStubGateway(t, "sess-2")

	_, _ = sm.Attach("sess-1", conn1, func() (*gateway.Gateway, error) { return newStubGateway(t, "sess-1"), nil })
	_, _ = sm.Attach("sess-2", conn2, func() (*gateway.Gateway, error) { return gw, nil })

	if sm.Detach("sess-2", conn1) {
		t.Fatal("expected stale detach to be ignored")
	}
	if sm.GetActive("sess-2") != conn2 || gw.Closed() {
		t.Error("expected other session untouched")
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	sm := NewSessionManager()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			id := "sess-" + strconv.Itoa(i)
			_, _ = sm.Attach(id, &websocket.Conn{}, func() (*gateway.Gateway, error) { return nil, nil })
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			sm.GetActive("sess-" + strconv.Itoa(i))
		}
	}()

	wg.Wait()
	if sm.Count() != 1000 {
		t.Errorf("expected 1000 sessions, got %d", sm.Count())
	}
}
