package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// HetznerProvider implements Provider for Hetzner Cloud.
type HetznerProvider struct {
	client *hcloud.Client
	logger *slog.Logger
}

// NewHetznerProvider creates a new Hetzner Cloud inventory provider.
func NewHetznerProvider(apiToken string, logger *slog.Logger) *HetznerProvider {
	return &HetznerProvider{
		client: hcloud.NewClient(hcloud.WithToken(apiToken)),
		logger: logger.With("provider", "hetzner"),
	}
}

// Discover lists servers matching the label selector.
func (p *HetznerProvider) Discover(ctx context.Context, filter string) ([]domain.Host, error) {
	servers, err := p.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: filter},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list servers: %v", domain.ErrConnectivity, err)
	}

	hosts := make([]domain.Host, 0, len(servers))
	for _, server := range servers {
		addr := ""
		if len(server.PrivateNet) > 0 {
			addr = server.PrivateNet[0].IP.String()
		} else if !server.PublicNet.IPv4.IsUnspecified() {
			addr = server.PublicNet.IPv4.IP.String()
		}
		hosts = append(hosts, domain.Host{
			Name:    server.Name,
			Address: addr,
		})
	}

	p.logger.Info("discovered hosts", "filter", filter, "count", len(hosts))
	return hosts, nil
}
