package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHTTPClientValidateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/entitlements/validate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body validateRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body.Token {
		case "good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"valid":true,"userId":"user-1","labId":"lab-1-s3","purchaseId":"p-1","expiresAt":"2030-01-01T00:00:00Z"}`))
		case "revoked":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	ent, err := c.ValidateToken(ctx, "good")
	if err != nil {
		t.Fatalf("ValidateToken(good) error = %v", err)
	}
	if !ent.Valid || ent.UserID != "user-1" || ent.LabID != "lab-1-s3" || ent.PurchaseID != "p-1" {
		t.Errorf("unexpected entitlement: %+v", ent)
	}
	if ent.ExpiresAt.Year() != 2030 {
		t.Errorf("unexpected expiry: %v", ent.ExpiresAt)
	}

	ent, err = c.ValidateToken(ctx, "revoked")
	if err != nil || ent.Valid {
		t.Errorf("ValidateToken(revoked) = %+v, %v", ent, err)
	}

	if _, err := c.ValidateToken(ctx, "broken"); err == nil {
		t.Error("expected error on 500")
	}
}

func TestHTTPClientNotify(t *testing.T) {
	var mu sync.Mutex
	got := map[string]labEvent{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev labEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		got[r.URL.Path] = ev
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	ctx := context.Background()
	if err := c.NotifyStarted(ctx, "p-1", "sess-1"); err != nil {
		t.Fatalf("NotifyStarted() error = %v", err)
	}
	if err := c.NotifyEnded(ctx, "p-1", "sess-1", 90*time.Second); err != nil {
		t.Fatalf("NotifyEnded() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ev := got["/api/labs/started"]; ev.SessionID != "sess-1" || ev.PurchaseID != "p-1" {
		t.Errorf("unexpected start event: %+v", ev)
	}
	if ev := got["/api/labs/ended"]; ev.DurationMS != 90000 {
		t.Errorf("unexpected end event: %+v", ev)
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(url, 200*time.Millisecond)
	if err := c.NotifyStarted(context.Background(), "p", "s"); err == nil {
		t.Error("expected error from closed server")
	}
}
