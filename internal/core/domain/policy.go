package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Strategy
// =============================================================================

type Strategy string

const (
	// StrategySerial updates exactly one host at a time; a host must
	// commit before the next starts.
	StrategySerial Strategy = "serial"

	// StrategyBatch schedules all hosts independently, bounded by
	// MaxConcurrent. One host's failure does not block others.
	StrategyBatch Strategy = "batch"

	// StrategyCanary updates CanarySize hosts serially first; only if all
	// of them commit does the remainder proceed as a batch.
	StrategyCanary Strategy = "canary"
)

// RollbackEscalation controls what happens when a post-rollback health
// check fails.
type RollbackEscalation string

const (
	// EscalateImmediately leaves the host Unhealthy after the first
	// failed rollback verification.
	EscalateImmediately RollbackEscalation = "immediate"

	// RetryOnce re-runs the restore and verification one more time before
	// escalating.
	RetryOnce RollbackEscalation = "retry_once"
)

// =============================================================================
// Rollout Policy
// =============================================================================

// RolloutPolicy captures the knobs of one rollout. It is captured once at
// rollout start and never mutated mid-rollout.
type RolloutPolicy struct {
	Strategy   Strategy
	CanarySize int

	// Health gate: fixed retry count x fixed delay, no backoff.
	HealthRetries    int
	HealthRetryDelay time.Duration
	HealthTimeout    time.Duration // Per-attempt HTTP timeout

	RollbackOnFailure  bool
	RollbackEscalation RollbackEscalation

	DrainTimeout time.Duration
	StartTimeout time.Duration

	// MaxConcurrent bounds batch fan-out. Never unbounded.
	MaxConcurrent int

	// RetainFor is the backup retention age for the post-rollout sweep.
	RetainFor time.Duration
}

// DefaultRolloutPolicy returns the default policy.
func DefaultRolloutPolicy() RolloutPolicy {
	return RolloutPolicy{
		Strategy:           StrategySerial,
		CanarySize:         1,
		HealthRetries:      5,
		HealthRetryDelay:   3 * time.Second,
		HealthTimeout:      5 * time.Second,
		RollbackOnFailure:  true,
		RollbackEscalation: EscalateImmediately,
		DrainTimeout:       30 * time.Second,
		StartTimeout:       60 * time.Second,
		MaxConcurrent:      4,
		RetainFor:          7 * 24 * time.Hour,
	}
}

// Validate checks the policy for operator mistakes.
func (p RolloutPolicy) Validate() error {
	switch p.Strategy {
	case StrategySerial, StrategyBatch, StrategyCanary:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrConfiguration, p.Strategy)
	}
	if p.Strategy == StrategyCanary && p.CanarySize < 1 {
		return fmt.Errorf("%w: canary size must be at least 1", ErrConfiguration)
	}
	if p.HealthRetries < 1 {
		return fmt.Errorf("%w: health retries must be at least 1", ErrConfiguration)
	}
	if p.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max concurrent must be at least 1", ErrConfiguration)
	}
	switch p.RollbackEscalation {
	case EscalateImmediately, RetryOnce:
	default:
		return fmt.Errorf("%w: unknown rollback escalation %q", ErrConfiguration, p.RollbackEscalation)
	}
	return nil
}
