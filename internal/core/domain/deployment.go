package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Rollout Result
// =============================================================================

type Result string

const (
	ResultRunning         Result = "running"
	ResultSucceeded       Result = "succeeded"
	ResultPartiallyFailed Result = "partially_failed"
	ResultRolledBack      Result = "rolled_back"
	ResultAborted         Result = "aborted"
)

// severity orders results from best to worst for aggregation.
var resultSeverity = map[Result]int{
	ResultSucceeded:       0,
	ResultRolledBack:      1,
	ResultPartiallyFailed: 2,
	ResultAborted:         3,
}

// =============================================================================
// Host Outcome
// =============================================================================

// HostOutcome records the final state of one host in a deployment, with
// the cause when the host did not commit.
type HostOutcome struct {
	Host       string    `json:"host"`
	State      HostState `json:"state"`
	BackupID   string    `json:"backup_id,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is one end-to-end rollout of an artifact across a group.
// It is immutable once finalized.
type Deployment struct {
	ID         string        `json:"id"`
	Group      string        `json:"group"`
	Artifact   string        `json:"artifact"`
	Strategy   Strategy      `json:"strategy"`
	Result     Result        `json:"result"`
	Outcomes   []HostOutcome `json:"outcomes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// NewDeployment creates a deployment record at rollout request time.
func NewDeployment(group, artifact string, strategy Strategy) *Deployment {
	return &Deployment{
		ID:        uuid.New().String(),
		Group:     group,
		Artifact:  artifact,
		Strategy:  strategy,
		Result:    ResultRunning,
		CreatedAt: time.Now().UTC(),
	}
}

// RecordOutcome appends a host outcome. Outcomes may only be recorded
// while the deployment is running.
func (d *Deployment) RecordOutcome(o HostOutcome) error {
	if d.Result != ResultRunning {
		return ErrInvalidTransition
	}
	d.Outcomes = append(d.Outcomes, o)
	return nil
}

// Finalize computes the aggregate result from host outcomes and marks the
// deployment terminal. The aggregate is the most severe outcome observed;
// Succeeded requires every host Committed. aborted forces ResultAborted
// regardless of outcomes (cancellation before all hosts were attempted).
func (d *Deployment) Finalize(aborted bool) Result {
	if d.Result != ResultRunning {
		return d.Result
	}

	result := ResultSucceeded
	if aborted {
		result = ResultAborted
	}
	for _, o := range d.Outcomes {
		var r Result
		switch o.State {
		case HostCommitted:
			r = ResultSucceeded
		case HostRolledBack, HostUntouched:
			r = ResultPartiallyFailed
		case HostUnhealthy:
			r = ResultPartiallyFailed
		default:
			// A host left in a non-terminal state means the rollout was
			// interrupted.
			r = ResultAborted
		}
		if resultSeverity[r] > resultSeverity[result] {
			result = r
		}
	}

	// A rollout where every attempted host stayed on its previous
	// artifact, rolled back cleanly or never touched, is reported as
	// RolledBack rather than PartiallyFailed.
	if result == ResultPartiallyFailed {
		allRolledBack := true
		for _, o := range d.Outcomes {
			if o.State != HostRolledBack && o.State != HostUntouched {
				allRolledBack = false
				break
			}
		}
		if allRolledBack {
			result = ResultRolledBack
		}
	}

	now := time.Now().UTC()
	d.Result = result
	d.FinishedAt = &now
	return result
}

// Terminal reports whether the deployment has been finalized.
func (d *Deployment) Terminal() bool {
	return d.Result != ResultRunning
}
