// Package health probes host health endpoints with a bounded retry
// budget. The gate decides both rollout progression and rollback.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// Gate classifies hosts healthy or unhealthy against their health
// endpoint.
type Gate interface {
	Check(ctx context.Context, host domain.Host) (domain.HealthCheckResult, error)
}

// =============================================================================
// HTTP Gate
// =============================================================================

// Config configures the probe. Fixed retry count times fixed delay; no
// backoff.
type Config struct {
	Retries int           // Default: 5
	Delay   time.Duration // Default: 3 seconds between attempts
	Timeout time.Duration // Default: 5 seconds per attempt
}

// DefaultConfig returns the default probe configuration.
func DefaultConfig() Config {
	return Config{
		Retries: 5,
		Delay:   3 * time.Second,
		Timeout: 5 * time.Second,
	}
}

// HTTPGate implements Gate with plain HTTP probes.
type HTTPGate struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPGate creates a health gate.
func NewHTTPGate(config Config, logger *slog.Logger) *HTTPGate {
	if config.Retries == 0 {
		config.Retries = 5
	}
	if config.Delay == 0 {
		config.Delay = 3 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGate{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger.With("component", "health_gate"),
	}
}

// Check probes the host's health endpoint. The first 2xx response
// short-circuits success; exhausting the retry budget classifies the
// host unhealthy. The returned error is non-nil only for context
// cancellation; an unhealthy verdict is a result, not an error.
func (g *HTTPGate) Check(ctx context.Context, host domain.Host) (domain.HealthCheckResult, error) {
	url := host.HealthURL()

	var latency time.Duration
	for attempt := 1; attempt <= g.config.Retries; attempt++ {
		start := time.Now()
		ok, err := g.probe(ctx, url)
		latency = time.Since(start)

		if ok {
			g.logger.Debug("health check passed",
				"host", host.Name,
				"attempt", attempt,
				"latency", latency,
			)
			return domain.HealthCheckResult{
				Host:      host.Name,
				Status:    domain.HealthStatusHealthy,
				Attempt:   attempt,
				Latency:   latency,
				CheckedAt: time.Now().UTC(),
			}, nil
		}

		g.logger.Debug("health check attempt failed",
			"host", host.Name,
			"attempt", attempt,
			"retries", g.config.Retries,
			"error", err,
		)

		if attempt < g.config.Retries {
			select {
			case <-ctx.Done():
				return domain.HealthCheckResult{}, ctx.Err()
			case <-time.After(g.config.Delay):
			}
		}
	}

	g.logger.Warn("health check retries exhausted", "host", host.Name, "url", url)
	return domain.HealthCheckResult{
		Host:      host.Name,
		Status:    domain.HealthStatusUnhealthy,
		Attempt:   g.config.Retries,
		Latency:   latency,
		CheckedAt: time.Now().UTC(),
	}, nil
}

func (g *HTTPGate) probe(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	return false, fmt.Errorf("status %d", resp.StatusCode)
}
