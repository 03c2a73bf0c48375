package rollout

import (
	"context"
	"sync"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// =============================================================================
// Scheduling Strategies
// =============================================================================

// hostFunc runs the full per-host pipeline and returns the outcome.
type hostFunc func(ctx context.Context, host domain.Host) domain.HostOutcome

// strategy schedules hosts through the pipeline. Cancellation is
// honored at host boundaries only: hosts already in flight finish.
type strategy interface {
	Schedule(ctx context.Context, hosts []domain.Host, deploy hostFunc) []domain.HostOutcome
}

// newStrategy builds the scheduler for a policy.
func newStrategy(policy domain.RolloutPolicy) strategy {
	switch policy.Strategy {
	case domain.StrategyBatch:
		return &batchStrategy{maxConcurrent: policy.MaxConcurrent}
	case domain.StrategyCanary:
		return &canaryStrategy{
			size:  policy.CanarySize,
			batch: &batchStrategy{maxConcurrent: policy.MaxConcurrent},
		}
	default:
		return &serialStrategy{}
	}
}

// -----------------------------------------------------------------------------
// Serial
// -----------------------------------------------------------------------------

// serialStrategy runs one host at a time and halts scheduling on the
// first host that does not commit. Hosts never started get no outcome.
type serialStrategy struct{}

func (s *serialStrategy) Schedule(ctx context.Context, hosts []domain.Host, deploy hostFunc) []domain.HostOutcome {
	var outcomes []domain.HostOutcome
	for _, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		o := deploy(ctx, host)
		outcomes = append(outcomes, o)
		if o.State != domain.HostCommitted {
			break
		}
	}
	return outcomes
}

// -----------------------------------------------------------------------------
// Full Batch
// -----------------------------------------------------------------------------

// batchStrategy runs all hosts independently with bounded concurrency.
// One host's failure never blocks the others.
type batchStrategy struct {
	maxConcurrent int
}

func (s *batchStrategy) Schedule(ctx context.Context, hosts []domain.Host, deploy hostFunc) []domain.HostOutcome {
	limit := s.maxConcurrent
	if limit <= 0 {
		limit = 1
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []domain.HostOutcome
	)
	sem := make(chan struct{}, limit)

	for _, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(h domain.Host) {
			defer wg.Done()
			defer func() { <-sem }()

			o := deploy(ctx, h)

			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		}(host)
	}

	wg.Wait()
	return outcomes
}

// -----------------------------------------------------------------------------
// Canary
// -----------------------------------------------------------------------------

// canaryStrategy deploys the first size hosts serially; only when every
// canary commits does the remainder go out as a batch.
type canaryStrategy struct {
	size  int
	batch *batchStrategy
}

func (s *canaryStrategy) Schedule(ctx context.Context, hosts []domain.Host, deploy hostFunc) []domain.HostOutcome {
	size := s.size
	if size <= 0 {
		size = 1
	}
	if size > len(hosts) {
		size = len(hosts)
	}

	serial := &serialStrategy{}
	outcomes := serial.Schedule(ctx, hosts[:size], deploy)

	for _, o := range outcomes {
		if o.State != domain.HostCommitted {
			return outcomes
		}
	}
	if len(outcomes) < size {
		// Cancelled mid-canary.
		return outcomes
	}

	return append(outcomes, s.batch.Schedule(ctx, hosts[size:], deploy)...)
}
