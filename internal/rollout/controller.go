// Package rollout orchestrates health-gated artifact deployments across
// host groups: scheduling, per-host pipelines, rollback, and recovery.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fleetworks/rollout/internal/core/domain"
	"github.com/fleetworks/rollout/internal/core/inventory"
	"github.com/fleetworks/rollout/internal/shell/backup"
	"github.com/fleetworks/rollout/internal/shell/health"
	"github.com/fleetworks/rollout/internal/shell/notify"
	"github.com/fleetworks/rollout/internal/shell/providers"
	"github.com/fleetworks/rollout/internal/shell/sshexec"
	"github.com/fleetworks/rollout/internal/shell/store"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// hostExecutor is the per-host step surface the controller drives.
type hostExecutor interface {
	Drain(ctx context.Context, host domain.Host)
	Stop(ctx context.Context, run sshexec.Runner, host domain.Host) error
	Stage(ctx context.Context, run sshexec.Runner, host domain.Host, artifact string) error
	Install(ctx context.Context, run sshexec.Runner, host domain.Host) error
	Start(ctx context.Context, run sshexec.Runner, host domain.Host) error
	Reregister(ctx context.Context, host domain.Host)
}

// backupManager is the snapshot surface the controller drives.
type backupManager interface {
	Create(ctx context.Context, run sshexec.Runner, host domain.Host, deploymentID string) (*domain.Backup, error)
	Restore(ctx context.Context, run sshexec.Runner, host domain.Host, b domain.Backup) error
	Find(ctx context.Context, hostName, backupID string) (*domain.Backup, error)
	Latest(ctx context.Context, hostName string) (*domain.Backup, error)
	Validate(ctx context.Context, b domain.Backup) error
	Sweep(ctx context.Context, retainFor time.Duration) (int, error)
}

// providerFunc builds an inventory provider for a group's declared
// provider type.
type providerFunc func(providerType string) (providers.Provider, error)

// =============================================================================
// Controller
// =============================================================================

// Config wires the controller's collaborators.
type Config struct {
	Fleet    *domain.Fleet
	Policy   domain.RolloutPolicy
	Runners  sshexec.RunnerFactory
	Executor hostExecutor
	Backups  backupManager
	Gate     health.Gate
	Store    store.Store
	Notifier notify.Notifier
	Provider providerFunc
	Logger   *slog.Logger
}

// Controller runs one deployment at a time per group. The policy is
// captured at construction and never read again from the outside.
type Controller struct {
	fleet    *domain.Fleet
	policy   domain.RolloutPolicy
	runners  sshexec.RunnerFactory
	exec     hostExecutor
	backups  backupManager
	gate     health.Gate
	store    store.Store
	notifier notify.Notifier
	provider providerFunc
	logger   *slog.Logger
}

// New creates a rollout controller.
func New(config Config) (*Controller, error) {
	if err := config.Policy.Validate(); err != nil {
		return nil, err
	}
	if config.Notifier == nil {
		config.Notifier = notify.Noop{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Controller{
		fleet:    config.Fleet,
		policy:   config.Policy,
		runners:  config.Runners,
		exec:     config.Executor,
		backups:  config.Backups,
		gate:     config.Gate,
		store:    config.Store,
		notifier: config.Notifier,
		provider: config.Provider,
		logger:   config.Logger.With("component", "controller"),
	}, nil
}

// =============================================================================
// Target Resolution
// =============================================================================

// Plan resolves the ordered target hosts for a group without touching
// any of them. Deploy uses it; dry-run prints it.
func (c *Controller) Plan(ctx context.Context, group string) ([]domain.Host, error) {
	g, ok := c.fleet.Group(group)
	if !ok {
		return nil, fmt.Errorf("%w: undefined group %q", domain.ErrConfiguration, group)
	}

	if g.Provider == "" {
		return inventory.ResolveHosts(c.fleet, g, g.Hosts)
	}

	if c.provider == nil {
		return nil, fmt.Errorf("%w: group %q declares provider %q but no providers are configured", domain.ErrConfiguration, group, g.Provider)
	}
	p, err := c.provider(g.Provider)
	if err != nil {
		return nil, err
	}
	discovered, err := p.Discover(ctx, g.ProviderFilter)
	if err != nil {
		return nil, fmt.Errorf("resolve group %q: %w", group, err)
	}
	if len(discovered) == 0 {
		return nil, fmt.Errorf("%w: provider %q returned no hosts for group %q", domain.ErrConfiguration, g.Provider, group)
	}

	for i, h := range discovered {
		discovered[i] = providers.ApplyGroupDefaults(g, h)
	}
	return inventory.ResolveHosts(c.fleet, g, discovered)
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy rolls an artifact out across a group under the controller's
// policy. The returned deployment carries the per-host outcomes and
// aggregate result; the error is non-nil only for pre-flight failures
// that prevented the rollout from starting.
func (c *Controller) Deploy(ctx context.Context, group, artifact string) (*domain.Deployment, error) {
	hosts, err := c.Plan(ctx, group)
	if err != nil {
		return nil, err
	}
	if err := c.validateArtifact(artifact); err != nil {
		return nil, err
	}

	dep := domain.NewDeployment(group, artifact, c.policy.Strategy)
	log := c.logger.With("deployment_id", dep.ID, "group", group)

	if err := c.store.AcquireLock(ctx, group, dep.ID); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, fmt.Errorf("%w: group %q", domain.ErrRolloutInProgress, group)
		}
		return nil, err
	}
	defer func() {
		if err := c.store.ReleaseLock(context.WithoutCancel(ctx), group); err != nil {
			log.Error("failed to release group lock", "error", err)
		}
	}()

	if err := c.store.CreateDeployment(ctx, dep); err != nil {
		return nil, err
	}

	log.Info("rollout started",
		"artifact", artifact,
		"strategy", c.policy.Strategy,
		"hosts", len(hosts))

	outcomes := newStrategy(c.policy).Schedule(ctx, hosts, func(ctx context.Context, host domain.Host) domain.HostOutcome {
		// A host in flight always runs to a terminal state; cancellation
		// takes effect at the next scheduling boundary. The steps stay
		// bounded by their own timeouts.
		return c.deployHost(context.WithoutCancel(ctx), dep, host)
	})

	for _, o := range outcomes {
		if err := dep.RecordOutcome(o); err != nil {
			log.Error("could not record outcome", "host", o.Host, "error", err)
		}
	}

	result := dep.Finalize(ctx.Err() != nil && len(outcomes) < len(hosts))
	c.finish(context.WithoutCancel(ctx), dep, log)

	log.Info("rollout finished",
		"result", result,
		"hosts_attempted", len(outcomes),
		"hosts_total", len(hosts))
	return dep, nil
}

// validateArtifact checks the artifact archive before any host is
// touched.
func (c *Controller) validateArtifact(artifact string) error {
	f, err := os.Open(artifact)
	if err != nil {
		return fmt.Errorf("%w: artifact %q: %v", domain.ErrConfiguration, artifact, err)
	}
	defer f.Close()
	if err := backup.ValidateArchive(f); err != nil {
		return fmt.Errorf("artifact %q: %w", artifact, err)
	}
	return nil
}

// finish persists the final record, notifies, and sweeps retention.
// All best-effort: the rollout itself is already decided.
func (c *Controller) finish(ctx context.Context, dep *domain.Deployment, log *slog.Logger) {
	if err := c.store.UpdateDeployment(ctx, dep); err != nil {
		log.Error("failed to persist deployment result", "error", err)
	}

	severity := notify.SeverityInfo
	if dep.Result != domain.ResultSucceeded {
		severity = notify.SeverityWarning
	}
	c.notifier.Send(ctx, notify.Event{
		Severity:     severity,
		Message:      fmt.Sprintf("rollout of %s to %s finished: %s", dep.Artifact, dep.Group, dep.Result),
		DeploymentID: dep.ID,
	})

	deleted, err := c.backups.Sweep(ctx, c.policy.RetainFor)
	if err != nil {
		log.Warn("retention sweep incomplete", "deleted", deleted, "error", err)
	} else if deleted > 0 {
		log.Info("retention sweep complete", "deleted", deleted)
	}
}

// =============================================================================
// Per-Host Pipeline
// =============================================================================

// deployHost walks a single host through the deployment state machine.
// Every failure is folded into the outcome; nothing escapes to abort
// the rollout.
func (c *Controller) deployHost(ctx context.Context, dep *domain.Deployment, host domain.Host) (outcome domain.HostOutcome) {
	outcome = domain.HostOutcome{Host: host.Name, StartedAt: time.Now().UTC()}
	defer func() { outcome.FinishedAt = time.Now().UTC() }()

	log := c.logger.With("host", host.Name, "deployment_id", dep.ID)

	state := domain.HostPending
	advance := func(to domain.HostState) {
		if err := domain.ValidateHostTransition(state, to); err != nil {
			log.Error("state machine violation", "from", state, "to", to)
			return
		}
		log.Debug("host state", "from", state, "to", to)
		state = to
	}

	run, err := c.runners(host)
	if err != nil {
		log.Error("host unreachable, nothing applied", "error", err)
		advance(domain.HostUntouched)
		outcome.State = domain.HostUntouched
		outcome.Cause = fmt.Sprintf("connect: %v", err)
		return outcome
	}
	defer run.Close()

	advance(domain.HostDraining)
	c.exec.Drain(ctx, host)

	advance(domain.HostUpdating)
	b, err := c.backups.Create(ctx, run, host, dep.ID)
	if err != nil {
		// No backup, no mutation. The host still runs the old artifact.
		log.Error("backup failed, host left untouched", "error", err)
		advance(domain.HostUntouched)
		outcome.State = domain.HostUntouched
		outcome.Cause = fmt.Sprintf("backup: %v", err)
		return outcome
	}
	outcome.BackupID = b.ID

	cause := c.update(ctx, run, host, dep.Artifact)
	if cause == "" {
		advance(domain.HostVerifying)
		result, gateErr := c.gate.Check(ctx, host)
		switch {
		case gateErr != nil:
			cause = fmt.Sprintf("health check: %v", gateErr)
		case result.Healthy():
			advance(domain.HostHealthy)
			c.exec.Reregister(ctx, host)
			advance(domain.HostCommitted)
			outcome.State = domain.HostCommitted
			log.Info("host committed", "attempt", result.Attempt, "latency", result.Latency)
			return outcome
		default:
			cause = fmt.Sprintf("%v after %d attempts", domain.ErrHealthCheckTimeout, result.Attempt)
		}
	}

	advance(domain.HostUnhealthy)
	outcome.Cause = cause
	log.Warn("host failed deployment", "cause", cause)

	if !c.policy.RollbackOnFailure {
		outcome.State = domain.HostUnhealthy
		c.alertUnhealthy(ctx, dep, host, cause)
		return outcome
	}

	if c.rollback(ctx, run, host, *b, log) {
		advance(domain.HostRolledBack)
		outcome.State = domain.HostRolledBack
		log.Info("host rolled back", "backup_id", b.ID)
		return outcome
	}

	outcome.State = domain.HostUnhealthy
	outcome.Cause = fmt.Sprintf("%s; %v", cause, domain.ErrRollbackFailed)
	c.alertUnhealthy(ctx, dep, host, outcome.Cause)
	return outcome
}

// update runs the fatal steps of the pipeline and returns the cause of
// the first failure, or empty on success.
func (c *Controller) update(ctx context.Context, run sshexec.Runner, host domain.Host, artifact string) string {
	if err := c.exec.Stop(ctx, run, host); err != nil {
		return err.Error()
	}
	if err := c.exec.Stage(ctx, run, host, artifact); err != nil {
		return err.Error()
	}
	if err := c.exec.Install(ctx, run, host); err != nil {
		return err.Error()
	}
	if err := c.exec.Start(ctx, run, host); err != nil {
		return err.Error()
	}
	return ""
}

// rollback restores the pre-update backup and verifies the host came
// back. Reports whether the host is confirmed on the old artifact.
func (c *Controller) rollback(ctx context.Context, run sshexec.Runner, host domain.Host, b domain.Backup, log *slog.Logger) bool {
	attempts := 1
	if c.policy.RollbackEscalation == domain.RetryOnce {
		attempts = 2
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.restoreAndVerify(ctx, run, host, b); err != nil {
			log.Error("rollback attempt failed",
				"attempt", attempt,
				"backup_id", b.ID,
				"error", err)
			continue
		}
		return true
	}
	return false
}

func (c *Controller) restoreAndVerify(ctx context.Context, run sshexec.Runner, host domain.Host, b domain.Backup) error {
	// Stop is best effort here; the service may already be dead.
	if err := c.exec.Stop(ctx, run, host); err != nil {
		c.logger.Debug("stop before restore failed", "host", host.Name, "error", err)
	}
	if err := c.backups.Restore(ctx, run, host, b); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRollbackFailed, err)
	}
	if err := c.exec.Install(ctx, run, host); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRollbackFailed, err)
	}
	if err := c.exec.Start(ctx, run, host); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRollbackFailed, err)
	}

	result, err := c.gate.Check(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRollbackFailed, err)
	}
	if !result.Healthy() {
		return fmt.Errorf("%w: restored service failed verification", domain.ErrRollbackFailed)
	}

	// Back in rotation on the old artifact.
	c.exec.Reregister(ctx, host)
	return nil
}

func (c *Controller) alertUnhealthy(ctx context.Context, dep *domain.Deployment, host domain.Host, cause string) {
	c.notifier.Send(ctx, notify.Event{
		Severity:     notify.SeverityCritical,
		Message:      fmt.Sprintf("host %s left unhealthy, manual intervention required: %s", host.Name, cause),
		Hosts:        []string{host.Name},
		DeploymentID: dep.ID,
	})
}
