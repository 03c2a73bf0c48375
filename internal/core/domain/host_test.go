package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Host State Machine Tests
// =============================================================================

func TestValidateHostTransition_HappyPath(t *testing.T) {
	path := []HostState{
		HostPending, HostDraining, HostUpdating, HostVerifying,
		HostHealthy, HostCommitted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.NoError(t, ValidateHostTransition(path[i], path[i+1]),
			"%s -> %s should be allowed", path[i], path[i+1])
	}
}

func TestValidateHostTransition_RollbackPath(t *testing.T) {
	assert.NoError(t, ValidateHostTransition(HostVerifying, HostUnhealthy))
	assert.NoError(t, ValidateHostTransition(HostUnhealthy, HostRolledBack))
}

func TestValidateHostTransition_UpdateFailureSkipsVerify(t *testing.T) {
	assert.NoError(t, ValidateHostTransition(HostUpdating, HostUnhealthy))
}

func TestValidateHostTransition_UntouchedPath(t *testing.T) {
	// Connect and backup failures bail out before anything changed on the host.
	assert.NoError(t, ValidateHostTransition(HostPending, HostUntouched))
	assert.NoError(t, ValidateHostTransition(HostDraining, HostUntouched))
	assert.NoError(t, ValidateHostTransition(HostUpdating, HostUntouched))
}

func TestValidateHostTransition_Invalid(t *testing.T) {
	tests := []struct {
		from, to HostState
	}{
		{HostPending, HostCommitted},
		{HostCommitted, HostPending},
		{HostRolledBack, HostDraining},
		{HostHealthy, HostRolledBack},
		{HostUntouched, HostDraining},
		{HostVerifying, HostUntouched}, // Verify only runs on a mutated host
		{HostVerifying, HostCommitted}, // Must pass through Healthy
	}
	for _, tt := range tests {
		err := ValidateHostTransition(tt.from, tt.to)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tt.from, tt.to)
	}
}

func TestHostState_Terminal(t *testing.T) {
	assert.True(t, HostCommitted.Terminal())
	assert.True(t, HostRolledBack.Terminal())
	assert.True(t, HostUnhealthy.Terminal())
	assert.True(t, HostUntouched.Terminal())
	assert.False(t, HostPending.Terminal())
	assert.False(t, HostVerifying.Terminal())
}

func TestHostState_Transient(t *testing.T) {
	assert.False(t, HostPending.Transient())
	assert.False(t, HostCommitted.Transient())
	assert.False(t, HostRolledBack.Transient())
	assert.True(t, HostDraining.Transient())
	assert.True(t, HostUpdating.Transient())
	assert.True(t, HostVerifying.Transient())
}

// =============================================================================
// Host Validation Tests
// =============================================================================

func validHost() Host {
	return Host{
		Name:        "web-1",
		Address:     "10.0.0.1",
		SSHUser:     "deploy",
		SSHPort:     22,
		ServicePort: 8080,
		ArtifactDir: "/srv/app",
	}
}

func TestHost_Validate(t *testing.T) {
	require.NoError(t, validHost().Validate())

	tests := []struct {
		name   string
		mutate func(*Host)
	}{
		{"missing name", func(h *Host) { h.Name = "" }},
		{"missing address", func(h *Host) { h.Address = "" }},
		{"missing ssh user", func(h *Host) { h.SSHUser = "" }},
		{"missing service port", func(h *Host) { h.ServicePort = 0 }},
		{"missing artifact dir", func(h *Host) { h.ArtifactDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHost()
			tt.mutate(&h)
			assert.ErrorIs(t, h.Validate(), ErrConfiguration)
		})
	}
}

func TestHost_HealthURL(t *testing.T) {
	h := validHost()
	assert.Equal(t, "http://10.0.0.1:8080/healthz", h.HealthURL())

	h.HealthPath = "/status"
	assert.Equal(t, "http://10.0.0.1:8080/status", h.HealthURL())
}

func TestFleet_Group(t *testing.T) {
	fleet := Fleet{Groups: []Group{
		{Name: "production"},
		{Name: "staging"},
	}}

	g, ok := fleet.Group("staging")
	require.True(t, ok)
	assert.Equal(t, "staging", g.Name)

	_, ok = fleet.Group("missing")
	assert.False(t, ok)
}
