package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/fleetworks/rollout/internal/core/domain"
	"github.com/fleetworks/rollout/internal/core/retention"
	"github.com/fleetworks/rollout/internal/shell/sshexec"
)

// =============================================================================
// Backup Manager
// =============================================================================

// Manager captures and restores host artifact directories. Archives
// travel over the same SSH session the deployment uses; the manager
// only moves bytes and swaps directories, service stop/start ordering
// stays with the caller.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a backup manager over the given archive store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger.With("component", "backup"),
	}
}

// -----------------------------------------------------------------------------
// Create
// -----------------------------------------------------------------------------

// Create archives the host's current artifact directory into the
// store and returns the backup record. The remote side base64-encodes
// the stream so it survives the text command channel.
func (m *Manager) Create(ctx context.Context, run sshexec.Runner, host domain.Host, deploymentID string) (*domain.Backup, error) {
	parent := path.Dir(host.ArtifactDir)
	base := path.Base(host.ArtifactDir)

	cmd := fmt.Sprintf("tar -czf - -C %q %q | base64", parent, base)
	out, err := run.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("archive %s on %s: %w", host.ArtifactDir, host.Name, err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(out.Stdout), "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode archive from %s: %w", host.Name, err)
	}
	if err := ValidateArchive(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("archive from %s failed validation: %w", host.Name, err)
	}

	b := domain.NewBackup(host.Name, deploymentID)
	ref, size, err := m.store.Write(ctx, host.Name, b.ID, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("store backup for %s: %w", host.Name, err)
	}
	b.StorageRef = ref
	b.SizeBytes = size
	m.logger.Info("backup created",
		"host", host.Name,
		"backup_id", b.ID,
		"size_bytes", size)
	return &b, nil
}

// -----------------------------------------------------------------------------
// Restore
// -----------------------------------------------------------------------------

// Restore replaces the host's artifact directory with the backup's
// contents. The extract lands in a staging directory and the swap is
// a single rename, so re-running a restore that died half way always
// converges on the same layout.
func (m *Manager) Restore(ctx context.Context, run sshexec.Runner, host domain.Host, b domain.Backup) error {
	archive, err := m.store.Read(ctx, b.StorageRef)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", b.ID, err)
	}
	defer archive.Close()

	remote := fmt.Sprintf("/tmp/%s-restore.tar.gz", path.Base(host.ArtifactDir))
	if err := run.Push(ctx, archive, remote); err != nil {
		return fmt.Errorf("push backup %s to %s: %w", b.ID, host.Name, err)
	}

	// The archive holds the artifact dir under its base name, so the
	// extract recreates it inside staging and one more rename lands it.
	staging := host.ArtifactDir + ".restore"
	inner := path.Join(staging, path.Base(host.ArtifactDir))
	cmd := fmt.Sprintf(
		"rm -rf %q && mkdir -p %q && tar -xzf %q -C %q && rm -rf %q && mv %q %q && rm -rf %q && rm -f %q",
		staging, staging, remote, staging, host.ArtifactDir, inner, host.ArtifactDir, staging, remote)
	if _, err := run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("extract backup %s on %s: %w", b.ID, host.Name, err)
	}

	m.logger.Info("backup restored",
		"host", host.Name,
		"backup_id", b.ID)
	return nil
}

// -----------------------------------------------------------------------------
// Lookup
// -----------------------------------------------------------------------------

// Find returns the backup with the given ID for a host. A missing
// backup is a configuration error: the operator named something that
// does not exist, and nothing may be touched.
func (m *Manager) Find(ctx context.Context, hostName, backupID string) (*domain.Backup, error) {
	backups, err := m.store.List(ctx, hostName)
	if err != nil {
		return nil, fmt.Errorf("list backups for %s: %w", hostName, err)
	}
	for _, b := range backups {
		if b.ID == backupID {
			return &b, nil
		}
	}
	return nil, fmt.Errorf("%w: no backup %q for host %q", domain.ErrConfiguration, backupID, hostName)
}

// Latest returns the newest backup for a host.
func (m *Manager) Latest(ctx context.Context, hostName string) (*domain.Backup, error) {
	backups, err := m.store.List(ctx, hostName)
	if err != nil {
		return nil, fmt.Errorf("list backups for %s: %w", hostName, err)
	}
	if len(backups) == 0 {
		return nil, fmt.Errorf("%w: no backups for host %q", domain.ErrConfiguration, hostName)
	}
	return &backups[0], nil
}

// Validate checks a stored backup is readable and well formed.
func (m *Manager) Validate(ctx context.Context, b domain.Backup) error {
	archive, err := m.store.Read(ctx, b.StorageRef)
	if err != nil {
		return fmt.Errorf("%w: backup %s unreadable: %v", domain.ErrConfiguration, b.ID, err)
	}
	defer archive.Close()
	return ValidateArchive(archive)
}

// -----------------------------------------------------------------------------
// Retention Sweep
// -----------------------------------------------------------------------------

// Sweep deletes backups older than retainFor, always keeping the
// newest per host. Individual delete failures are collected, not
// fatal; the sweep keeps going and reports what it could not remove.
func (m *Manager) Sweep(ctx context.Context, retainFor time.Duration) (int, error) {
	hosts, err := m.store.Hosts(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list hosts: %v", domain.ErrRetentionSweep, err)
	}

	deleted := 0
	var failures []error
	now := time.Now()

	for _, hostName := range hosts {
		backups, err := m.store.List(ctx, hostName)
		if err != nil {
			failures = append(failures, fmt.Errorf("list %s: %w", hostName, err))
			continue
		}
		for _, b := range retention.Expired(backups, retainFor, now) {
			if err := m.store.Delete(ctx, b.StorageRef); err != nil {
				failures = append(failures, fmt.Errorf("delete %s: %w", b.ID, err))
				m.logger.Warn("sweep could not delete backup",
					"host", hostName,
					"backup_id", b.ID,
					"error", err)
				continue
			}
			deleted++
			m.logger.Info("backup expired",
				"host", hostName,
				"backup_id", b.ID,
				"age", now.Sub(b.CreatedAt).Round(time.Hour))
		}
	}

	if len(failures) > 0 {
		return deleted, fmt.Errorf("%w: %v", domain.ErrRetentionSweep, errors.Join(failures...))
	}
	return deleted, nil
}
