package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digitalocean/godo"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// DigitalOceanProvider implements Provider for DigitalOcean.
type DigitalOceanProvider struct {
	client *godo.Client
	logger *slog.Logger
}

// NewDigitalOceanProvider creates a new DigitalOcean inventory provider.
func NewDigitalOceanProvider(apiToken string, logger *slog.Logger) *DigitalOceanProvider {
	return &DigitalOceanProvider{
		client: godo.NewFromToken(apiToken),
		logger: logger.With("provider", "digitalocean"),
	}
}

// Discover lists droplets carrying the filter tag.
func (p *DigitalOceanProvider) Discover(ctx context.Context, filter string) ([]domain.Host, error) {
	opts := &godo.ListOptions{PerPage: 200}

	var hosts []domain.Host
	for {
		droplets, resp, err := p.client.Droplets.ListByTag(ctx, filter, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: list droplets: %v", domain.ErrConnectivity, err)
		}
		for _, droplet := range droplets {
			addr, err := droplet.PrivateIPv4()
			if err != nil || addr == "" {
				addr, _ = droplet.PublicIPv4()
			}
			hosts = append(hosts, domain.Host{
				Name:    droplet.Name,
				Address: addr,
			})
		}
		if resp.Links == nil || resp.Links.IsLastPage() {
			break
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			break
		}
		opts.Page = page + 1
	}

	p.logger.Info("discovered hosts", "filter", filter, "count", len(hosts))
	return hosts, nil
}
