// Package inventory resolves named groups to ordered host lists with
// merged configuration. Parsing and resolution are pure; fetching hosts
// from cloud providers lives in shell/providers.
package inventory

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// =============================================================================
// Fleet File Parsing
// =============================================================================

// Parse parses a fleet inventory file.
func Parse(data []byte) (*domain.Fleet, error) {
	var fleet domain.Fleet
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("%w: parse fleet file: %v", domain.ErrConfiguration, err)
	}

	// Each host belongs to exactly one group.
	seen := make(map[string]string)
	for _, g := range fleet.Groups {
		for _, h := range g.Hosts {
			if prev, dup := seen[h.Name]; dup {
				return nil, fmt.Errorf("%w: host %s appears in groups %s and %s",
					domain.ErrConfiguration, h.Name, prev, g.Name)
			}
			seen[h.Name] = g.Name
		}
	}

	return &fleet, nil
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve returns the named group's hosts in declaration order, with
// fleet, group, and host variables merged (host wins, then group, then
// fleet). Fails with a configuration error if the group is undefined or
// any host lacks required connection fields.
func Resolve(fleet *domain.Fleet, group string) ([]domain.Host, error) {
	g, ok := fleet.Group(group)
	if !ok {
		return nil, fmt.Errorf("%w: group %q is not defined", domain.ErrConfiguration, group)
	}

	return ResolveHosts(fleet, g, g.Hosts)
}

// ResolveHosts merges configuration onto the given hosts of a group. The
// separate entry point lets provider-resolved host lists reuse the same
// merging and validation.
func ResolveHosts(fleet *domain.Fleet, g domain.Group, hosts []domain.Host) ([]domain.Host, error) {
	resolved := make([]domain.Host, 0, len(hosts))
	for _, h := range hosts {
		h.Vars = mergeVars(fleet.Vars, g.Vars, h.Vars)
		if h.SSHPort == 0 {
			h.SSHPort = 22
		}
		h.State = domain.HostPending
		if err := h.Validate(); err != nil {
			return nil, err
		}
		resolved = append(resolved, h)
	}
	return resolved, nil
}

// mergeVars merges variable maps left to right, later maps overriding.
func mergeVars(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
