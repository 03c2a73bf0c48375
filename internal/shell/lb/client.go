// Package lb talks to the load balancer's membership API. Both calls
// are idempotent; callers decide whether a failure is fatal (it never
// is, except that Register must only follow confirmed health).
package lb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// Client manages load balancer membership for hosts.
type Client interface {
	// Deregister removes a host from active traffic. Idempotent.
	Deregister(ctx context.Context, host domain.Host) error

	// Register adds a host back into rotation. Idempotent. Callers must
	// only invoke this after the health gate confirms the host healthy.
	Register(ctx context.Context, host domain.Host) error
}

// =============================================================================
// HTTP Client
// =============================================================================

// HTTPClient implements Client against a load balancer admin endpoint.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a load balancer client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Deregister(ctx context.Context, host domain.Host) error {
	return c.post(ctx, "/backends/deregister", host)
}

func (c *HTTPClient) Register(ctx context.Context, host domain.Host) error {
	return c.post(ctx, "/backends/register", host)
}

type memberRequest struct {
	Host    string `json:"host"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (c *HTTPClient) post(ctx context.Context, path string, host domain.Host) error {
	body, err := json.Marshal(memberRequest{
		Host:    host.Name,
		Address: host.Address,
		Port:    host.ServicePort,
	})
	if err != nil {
		return fmt.Errorf("marshal member request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", path, host.Name, err)
	}
	defer resp.Body.Close()

	// 404 means the backend was already absent; deregistering it again
	// is a no-op, which keeps both calls idempotent.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%s %s: status %d", path, host.Name, resp.StatusCode)
}

// =============================================================================
// Noop Client
// =============================================================================

// Noop is used when no load balancer is configured.
type Noop struct{}

func (Noop) Deregister(context.Context, domain.Host) error { return nil }
func (Noop) Register(context.Context, domain.Host) error   { return nil }
