// Package providers discovers fleet hosts from cloud inventories.
// This is part of the Imperative Shell - handles I/O with cloud APIs.
package providers

import (
	"context"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// Provider resolves a group's hosts from a cloud API instead of the
// static inventory list. Discovery returns name and address only;
// connection defaults come from group variables.
type Provider interface {
	// Discover lists instances matching the group's tag or label filter.
	Discover(ctx context.Context, filter string) ([]domain.Host, error)
}

// Credentials carries the provider-specific secrets. Only the fields
// the chosen provider needs are read.
type Credentials struct {
	// AWS
	AccessKeyID     string
	SecretAccessKey string
	Region          string

	// DigitalOcean / Hetzner
	APIToken string
}

// ApplyGroupDefaults fills a discovered host's connection fields from
// group variables. Discovered hosts only carry name and address; the
// group declares how to reach and operate them.
func ApplyGroupDefaults(g domain.Group, h domain.Host) domain.Host {
	if h.SSHUser == "" {
		h.SSHUser = g.Vars["ssh_user"]
	}
	if h.HealthPath == "" {
		h.HealthPath = g.Vars["health_path"]
	}
	if h.ArtifactDir == "" {
		h.ArtifactDir = g.Vars["artifact_dir"]
	}
	if h.ServicePort == 0 {
		h.ServicePort = atoiVar(g.Vars["service_port"])
	}
	if h.SSHPort == 0 {
		h.SSHPort = atoiVar(g.Vars["ssh_port"])
	}
	return h
}

func atoiVar(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
