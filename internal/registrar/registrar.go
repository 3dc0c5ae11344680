// Package registrar implements the two REST calls the client uses to get
// or repair an auth token: anonymous registration and token reactivation.
package registrar

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bc183/retunnel/internal/idgen"
)

// Timeout is the total time budget for a registrar call, per spec §4.4.
const Timeout = 2 * time.Second

// Result is the shape returned by both register and reactivate calls.
type Result struct {
	AuthToken string `json:"auth_token"`
	Email     string `json:"email"`
}

// APIError wraps a non-2xx registrar response with its HTTP status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registrar: %d: %s", e.Status, e.Message)
}

// Client calls the registrar's REST endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a registrar client. insecureSkipVerify controls whether TLS
// certificate verification is enforced against baseURL; the spec treats
// this as a configurable default (off for dev/self-signed gateways), not
// a hardcoded constant.
func New(baseURL string, insecureSkipVerify bool) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
	}
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout:   Timeout,
			Transport: transport,
		},
	}
}

// RegisterAnonymous posts a synthetic anon-<hex>@<domain> email and
// returns the new token.
func (c *Client) RegisterAnonymous(ctx context.Context) (*Result, error) {
	email := idgen.AnonymousEmail("retunnel.com")
	return c.post(ctx, "/api/v1/auth/register", map[string]string{"email": email})
}

// ReactivateToken posts an old/invalid token and gets back a fresh one
// bound to the same account. Callers should fall back to
// RegisterAnonymous when the error is a 404 (token unknown to the server).
func (c *Client) ReactivateToken(ctx context.Context, oldToken string) (*Result, error) {
	return c.post(ctx, "/api/v1/auth/reactivate-token", map[string]string{"old_token": oldToken})
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("registrar: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("registrar: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registrar: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registrar: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Message: string(data)}
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("registrar: decode response: %w", err)
	}
	if result.AuthToken == "" {
		return nil, fmt.Errorf("registrar: response missing auth_token")
	}
	return &result, nil
}
