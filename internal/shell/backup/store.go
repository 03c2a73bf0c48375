// Package backup snapshots host artifacts before mutation, restores
// them, and enforces age-based retention.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store persists backup archives.
type Store interface {
	// Write stores an archive for a host under the given backup ID and
	// returns the storage reference and archive size.
	Write(ctx context.Context, host, backupID string, archive io.Reader) (ref string, size int64, err error)

	// Read opens the archive at the given storage reference.
	Read(ctx context.Context, ref string) (io.ReadCloser, error)

	// List returns a host's backups sorted newest first.
	List(ctx context.Context, host string) ([]domain.Backup, error)

	// Hosts returns every host with at least one backup.
	Hosts(ctx context.Context) ([]string, error)

	// Delete removes an archive.
	Delete(ctx context.Context, ref string) error
}

// =============================================================================
// Filesystem Store
// =============================================================================

const archiveExt = ".tar.gz"

// FSStore stores archives on the local filesystem as
// <root>/<host>/<backup-id>.tar.gz.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed backup store.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Write(_ context.Context, host, backupID string, archive io.Reader) (string, int64, error) {
	dir := filepath.Join(s.root, host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create host backup dir: %w", err)
	}

	ref := filepath.Join(dir, backupID+archiveExt)

	// Write to a temp file first so a partial write never looks like a
	// valid backup.
	tmp, err := os.CreateTemp(dir, "partial-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(tmp, archive)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), ref); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("finalize archive: %w", err)
	}

	return ref, size, nil
}

func (s *FSStore) Read(_ context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(ref)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", ref, err)
	}
	return f, nil
}

func (s *FSStore) List(_ context.Context, host string) ([]domain.Backup, error) {
	dir := filepath.Join(s.root, host)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups for %s: %w", host, err)
	}

	var backups []domain.Backup
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, domain.Backup{
			ID:         strings.TrimSuffix(e.Name(), archiveExt),
			Host:       host,
			StorageRef: filepath.Join(dir, e.Name()),
			SizeBytes:  info.Size(),
			CreatedAt:  info.ModTime().UTC(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (s *FSStore) Hosts(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list backup hosts: %w", err)
	}
	var hosts []string
	for _, e := range entries {
		if e.IsDir() {
			hosts = append(hosts, e.Name())
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

func (s *FSStore) Delete(_ context.Context, ref string) error {
	if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete archive %s: %w", ref, err)
	}
	return nil
}

// Touch backdates a backup's archive; used by retention tests.
func (s *FSStore) Touch(ref string, at time.Time) error {
	return os.Chtimes(ref, at, at)
}
