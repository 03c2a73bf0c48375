package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Host State
// =============================================================================

type HostState string

const (
	HostPending    HostState = "pending"
	HostDraining   HostState = "draining"
	HostUpdating   HostState = "updating"
	HostVerifying  HostState = "verifying"
	HostHealthy    HostState = "healthy"
	HostUnhealthy  HostState = "unhealthy"
	HostCommitted  HostState = "committed"
	HostRolledBack HostState = "rolled_back"

	// HostUntouched is the terminal state of a host the pipeline never
	// mutated: the connection failed before any step ran, or the
	// pre-update backup failed and the update was refused. The host
	// still runs its previous artifact; RolledBack is reserved for hosts
	// actually restored from a backup.
	HostUntouched HostState = "untouched"
)

// validHostTransitions defines the allowed per-host state transitions.
// Unhealthy is terminal when rollback verification fails; otherwise it
// moves to RolledBack.
var validHostTransitions = map[HostState][]HostState{
	HostPending:    {HostDraining, HostUntouched},
	HostDraining:   {HostUpdating, HostUntouched},
	HostUpdating:   {HostVerifying, HostUnhealthy, HostUntouched},
	HostVerifying:  {HostHealthy, HostUnhealthy},
	HostHealthy:    {HostCommitted},
	HostUnhealthy:  {HostRolledBack},
	HostCommitted:  {}, // Terminal
	HostRolledBack: {}, // Terminal
	HostUntouched:  {}, // Terminal
}

// ValidateHostTransition checks if a host state transition is allowed.
func ValidateHostTransition(from, to HostState) error {
	allowed, exists := validHostTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminal reports whether the state is terminal for a rollout.
// A host left Unhealthy after a failed rollback is also terminal: no
// further automatic remediation is attempted.
func (s HostState) Terminal() bool {
	return s == HostCommitted || s == HostRolledBack || s == HostUnhealthy || s == HostUntouched
}

// Transient reports whether the state is a mid-pipeline state. Under the
// serial strategy at most one host may be transient at any instant.
func (s HostState) Transient() bool {
	switch s {
	case HostDraining, HostUpdating, HostVerifying, HostHealthy:
		return true
	}
	return false
}

// =============================================================================
// Host
// =============================================================================

// Host is one fleet member running a single service instance.
type Host struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
	SSHUser string `yaml:"ssh_user" json:"ssh_user"`
	SSHPort int    `yaml:"ssh_port" json:"ssh_port"`

	// ServicePort is the port the deployed service listens on; the
	// readiness probe waits for it after start.
	ServicePort int `yaml:"service_port" json:"service_port"`

	// HealthPath is the HTTP path of the service health endpoint.
	HealthPath string `yaml:"health_path" json:"health_path"`

	// ArtifactDir is the directory holding the live artifact on the host.
	ArtifactDir string `yaml:"artifact_dir" json:"artifact_dir"`

	// Vars holds merged fleet -> group -> host variables.
	Vars map[string]string `yaml:"vars" json:"vars,omitempty"`

	State      HostState  `yaml:"-" json:"state"`
	LastHealth *time.Time `yaml:"-" json:"last_health,omitempty"`

	// LastDeploymentID references the last deployment that committed on
	// this host.
	LastDeploymentID string `yaml:"-" json:"last_deployment_id,omitempty"`
}

// HealthURL returns the full URL of the host's health endpoint.
func (h Host) HealthURL() string {
	path := h.HealthPath
	if path == "" {
		path = "/healthz"
	}
	return fmt.Sprintf("http://%s:%d%s", h.Address, h.ServicePort, path)
}

// Validate checks the connection fields required to drive the host.
func (h Host) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("%w: host has no name", ErrConfiguration)
	}
	if h.Address == "" {
		return fmt.Errorf("%w: host %s has no address", ErrConfiguration, h.Name)
	}
	if h.SSHUser == "" {
		return fmt.Errorf("%w: host %s has no ssh_user", ErrConfiguration, h.Name)
	}
	if h.ServicePort == 0 {
		return fmt.Errorf("%w: host %s has no service_port", ErrConfiguration, h.Name)
	}
	if h.ArtifactDir == "" {
		return fmt.Errorf("%w: host %s has no artifact_dir", ErrConfiguration, h.Name)
	}
	return nil
}

// =============================================================================
// Group / Fleet
// =============================================================================

// Group is a named partition of the fleet (e.g. production, staging).
// Group variables override fleet defaults; host variables override both.
type Group struct {
	Name  string            `yaml:"name"`
	Hosts []Host            `yaml:"hosts"`
	Vars  map[string]string `yaml:"vars"`

	// Provider names a cloud inventory provider to resolve hosts from
	// instead of the static list. Empty means static hosts.
	Provider string `yaml:"provider"`

	// ProviderFilter is the tag/label filter passed to the provider.
	ProviderFilter string `yaml:"provider_filter"`
}

// Fleet is the full inventory: hosts partitioned into groups. Each host
// belongs to exactly one group.
type Fleet struct {
	Vars   map[string]string `yaml:"vars"`
	Groups []Group           `yaml:"groups"`
}

// Group returns the named group.
func (f Fleet) Group(name string) (Group, bool) {
	for _, g := range f.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}
