package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetworks/rollout/internal/core/domain"
	"github.com/fleetworks/rollout/internal/shell/notify"
)

// =============================================================================
// Disaster Recovery
// =============================================================================

// Recover restores a single host from an explicit backup, outside any
// rollout: no group lock, no strategy sequencing. The backup is
// validated before anything on the host is touched; an invalid or
// missing backup aborts with ErrConfiguration and the host untouched.
// An empty backupID selects the host's newest backup.
func (c *Controller) Recover(ctx context.Context, hostName, backupID string) error {
	host, err := c.findHost(ctx, hostName)
	if err != nil {
		return err
	}
	log := c.logger.With("host", host.Name, "op", "recover")

	var b *domain.Backup
	if backupID == "" {
		b, err = c.backups.Latest(ctx, host.Name)
	} else {
		b, err = c.backups.Find(ctx, host.Name, backupID)
	}
	if err != nil {
		return err
	}
	if err := c.backups.Validate(ctx, *b); err != nil {
		return err
	}

	// Past this point the host gets mutated; the recovery runs to
	// completion even if the operator interrupts.
	ctx = context.WithoutCancel(ctx)

	run, err := c.runners(host)
	if err != nil {
		return fmt.Errorf("%w: connect to %s: %v", domain.ErrConnectivity, host.Name, err)
	}
	defer run.Close()

	c.exec.Drain(ctx, host)
	// Stop is best effort; the service being recovered may already be dead.
	if err := c.exec.Stop(ctx, run, host); err != nil {
		log.Debug("stop before snapshot failed", "error", err)
	}

	// Snapshot the broken state, so even a recovery gone wrong loses
	// nothing.
	snapshot, err := c.backups.Create(ctx, run, host, "")
	if err != nil {
		return fmt.Errorf("pre-recovery snapshot: %w", err)
	}
	log.Info("safety snapshot taken", "backup_id", snapshot.ID)

	if err := c.restoreAndVerify(ctx, run, host, *b); err != nil {
		c.notifier.Send(ctx, notify.Event{
			Severity: notify.SeverityCritical,
			Message:  fmt.Sprintf("recovery of %s from backup %s failed: %v", host.Name, b.ID, err),
			Hosts:    []string{host.Name},
		})
		return err
	}

	c.notifier.Send(ctx, notify.Event{
		Severity: notify.SeverityInfo,
		Message:  fmt.Sprintf("host %s recovered from backup %s (created %s)", host.Name, b.ID, b.CreatedAt.Format(time.RFC3339)),
		Hosts:    []string{host.Name},
	})
	log.Info("host recovered", "backup_id", b.ID)
	return nil
}

// findHost locates a host by name across all groups, applying the same
// variable merging a rollout would.
func (c *Controller) findHost(ctx context.Context, name string) (domain.Host, error) {
	for _, g := range c.fleet.Groups {
		hosts, err := c.Plan(ctx, g.Name)
		if err != nil {
			continue
		}
		for _, h := range hosts {
			if h.Name == name {
				return h, nil
			}
		}
	}
	return domain.Host{}, fmt.Errorf("%w: unknown host %q", domain.ErrConfiguration, name)
}
