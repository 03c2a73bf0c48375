package providers

import (
	"fmt"
	"log/slog"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// NewProvider creates an inventory provider by name.
func NewProvider(providerType string, creds Credentials, logger *slog.Logger) (Provider, error) {
	switch providerType {
	case "aws":
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" || creds.Region == "" {
			return nil, fmt.Errorf("%w: aws provider needs access key, secret and region", domain.ErrConfiguration)
		}
		return NewAWSProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.Region, logger), nil

	case "digitalocean":
		if creds.APIToken == "" {
			return nil, fmt.Errorf("%w: digitalocean provider needs an API token", domain.ErrConfiguration)
		}
		return NewDigitalOceanProvider(creds.APIToken, logger), nil

	case "hetzner":
		if creds.APIToken == "" {
			return nil, fmt.Errorf("%w: hetzner provider needs an API token", domain.ErrConfiguration)
		}
		return NewHetznerProvider(creds.APIToken, logger), nil

	default:
		return nil, fmt.Errorf("%w: unsupported provider type %q", domain.ErrConfiguration, providerType)
	}
}
