// Package authz talks to the entitlement service that authorizes learners
// and tracks lab usage.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// HTTPClient validates entitlement tokens and reports lab usage against a
// remote entitlement service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

// ValidateToken asks the service whether token grants access to a lab. A
// rejected token yields an invalid entitlement rather than an error.
func (c *HTTPClient) ValidateToken(ctx context.Context, token string) (domain.Entitlement, error) {
	var ent domain.Entitlement
	status, err := c.post(ctx, "/api/entitlements/validate", validateRequest{Token: token}, &ent)
	if err != nil {
		return domain.Entitlement{}, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.Entitlement{Valid: false}, nil
	}
	return ent, nil
}

type labEvent struct {
	PurchaseID string `json:"purchaseId"`
	SessionID  string `json:"sessionId"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

// NotifyStarted reports that a lab session began.
func (c *HTTPClient) NotifyStarted(ctx context.Context, purchaseID, sessionID string) error {
	_, err := c.post(ctx, "/api/labs/started", labEvent{PurchaseID: purchaseID, SessionID: sessionID}, nil)
	return err
}

// NotifyEnded reports that a lab session ended after duration.
func (c *HTTPClient) NotifyEnded(ctx context.Context, purchaseID, sessionID string, duration time.Duration) error {
	_, err := c.post(ctx, "/api/labs/ended", labEvent{
		PurchaseID: purchaseID,
		SessionID:  sessionID,
		DurationMS: duration.Milliseconds(),
	}, nil)
	return err
}

// post sends body as JSON and decodes a 2xx response into out. 401 and 403
// are returned as a status without error so callers can treat them as a
// denial.
func (c *HTTPClient) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("call %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
