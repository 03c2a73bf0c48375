package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Backup
// =============================================================================

// Backup is an explicit handle to a snapshot of a host's live artifact,
// taken immediately before a destructive update. The handle is threaded
// through the pipeline so restore correctness does not depend on
// timestamp-derived file naming.
type Backup struct {
	ID   string `json:"id"`
	Host string `json:"host"`

	// DeploymentID is the deployment this backup precedes. Empty for
	// pre-recovery safety snapshots.
	DeploymentID string `json:"deployment_id,omitempty"`

	// StorageRef locates the archive in the backup store.
	StorageRef string `json:"storage_ref"`

	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBackup creates a backup handle for a host.
func NewBackup(host, deploymentID string) Backup {
	return Backup{
		ID:           uuid.New().String(),
		Host:         host,
		DeploymentID: deploymentID,
		CreatedAt:    time.Now().UTC(),
	}
}

// =============================================================================
// Health Check Result
// =============================================================================

// HealthStatus classifies a probe outcome.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult records one health gate run against a host.
type HealthCheckResult struct {
	Host      string        `json:"host"`
	Status    HealthStatus  `json:"status"`
	Attempt   int           `json:"attempt"` // Attempt that produced the verdict
	Latency   time.Duration `json:"latency"` // Latency of the final attempt
	CheckedAt time.Time     `json:"checked_at"`
}

// Healthy reports whether the probe passed.
func (r HealthCheckResult) Healthy() bool {
	return r.Status == HealthStatusHealthy
}
