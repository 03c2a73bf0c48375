// Package domain contains the core entities of the rollout orchestrator.
// Following the core/shell split, this package performs no I/O.
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrConfiguration is returned for invalid operator input: an undefined
	// group, a host missing connection fields, a backup path that does not
	// exist. Configuration errors fail fast before any host is touched.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnectivity is returned when a host or the inventory source is
	// unreachable.
	ErrConnectivity = errors.New("connectivity error")

	// ErrStage is returned when staging the new artifact on a host fails,
	// including dependency installation failures. Fatal for that host.
	ErrStage = errors.New("stage error")

	// ErrHealthCheckTimeout is returned when a host exhausts its health
	// check retry budget without a passing response.
	ErrHealthCheckTimeout = errors.New("health check retries exhausted")

	// ErrRollbackFailed is returned when restoring a host's pre-update
	// backup fails or the restored host fails verification. Terminal for
	// that host; recovery requires the disaster recovery flow.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrRetentionSweep is returned when a retention sweep cannot complete.
	// Non-fatal; the sweep is retried on the next scheduled run.
	ErrRetentionSweep = errors.New("retention sweep failed")

	// ErrRolloutInProgress is returned when a rollout is requested for a
	// group that already has one active.
	ErrRolloutInProgress = errors.New("rollout already in progress for group")

	// ErrInvalidTransition is returned for a disallowed state transition.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StepError wraps a failure with the pipeline step and host it occurred on.
type StepError struct {
	Step string // Pipeline step (e.g. "stage", "port-wait")
	Host string // Host name
	Err  error
}

func (e *StepError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s on %s: %v", e.Step, e.Host, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a new StepError.
func NewStepError(step, host string, err error) *StepError {
	return &StepError{Step: step, Host: host, Err: err}
}
