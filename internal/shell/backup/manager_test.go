package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/rollout/internal/core/domain"
	"github.com/fleetworks/rollout/internal/shell/sshexec"
)

// =============================================================================
// Fixtures
// =============================================================================

// makeArchive builds a small gzipped tar with one file.
func makeArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("release-bytes")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "current/app.bin",
		Mode: 0o755,
		Size: int64(len(content)),
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type archiveRunner struct {
	archive  []byte
	commands []string
	pushes   map[string][]byte
}

func (r *archiveRunner) Run(_ context.Context, command string) (sshexec.Output, error) {
	r.commands = append(r.commands, command)
	if strings.Contains(command, "| base64") {
		return sshexec.Output{Stdout: []byte(base64.StdEncoding.EncodeToString(r.archive))}, nil
	}
	return sshexec.Output{}, nil
}

func (r *archiveRunner) Push(_ context.Context, src io.Reader, remotePath string) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if r.pushes == nil {
		r.pushes = map[string][]byte{}
	}
	r.pushes[remotePath] = data
	return nil
}

func (r *archiveRunner) Close() error { return nil }

func testHost() domain.Host {
	return domain.Host{
		Name:        "web-1",
		Address:     "10.0.0.1",
		SSHUser:     "deploy",
		SSHPort:     22,
		ServicePort: 8080,
		ArtifactDir: "/srv/app/current",
	}
}

func newTestManager(t *testing.T) (*Manager, *FSStore) {
	t.Helper()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, nil), store
}

// =============================================================================
// Tests
// =============================================================================

func TestCreateStoresArchive(t *testing.T) {
	m, store := newTestManager(t)
	run := &archiveRunner{archive: makeArchive(t)}

	b, err := m.Create(context.Background(), run, testHost(), "dep-1")
	require.NoError(t, err)

	assert.Equal(t, "web-1", b.Host)
	assert.Equal(t, "dep-1", b.DeploymentID)
	assert.Equal(t, int64(len(run.archive)), b.SizeBytes)
	assert.Contains(t, run.commands[0], `tar -czf - -C "/srv/app" "current"`)

	stored, err := store.Read(context.Background(), b.StorageRef)
	require.NoError(t, err)
	defer stored.Close()
	data, err := io.ReadAll(stored)
	require.NoError(t, err)
	assert.Equal(t, run.archive, data)
}

func TestCreateRejectsCorruptArchive(t *testing.T) {
	m, _ := newTestManager(t)
	run := &archiveRunner{archive: []byte("not a tarball")}

	_, err := m.Create(context.Background(), run, testHost(), "dep-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRestoreSwapsDirectory(t *testing.T) {
	m, store := newTestManager(t)
	archive := makeArchive(t)
	ref, size, err := store.Write(context.Background(), "web-1", "bk-1", bytes.NewReader(archive))
	require.NoError(t, err)

	b := domain.Backup{ID: "bk-1", Host: "web-1", StorageRef: ref, SizeBytes: size}
	run := &archiveRunner{}

	require.NoError(t, m.Restore(context.Background(), run, testHost(), b))

	assert.Equal(t, archive, run.pushes["/tmp/current-restore.tar.gz"])
	require.Len(t, run.commands, 1)
	cmd := run.commands[0]
	assert.Contains(t, cmd, `tar -xzf "/tmp/current-restore.tar.gz" -C "/srv/app/current.restore"`)
	assert.Contains(t, cmd, `mv "/srv/app/current.restore/current" "/srv/app/current"`)

	// A retried restore issues the identical command sequence, so a
	// restore that died half way converges on the same layout.
	require.NoError(t, m.Restore(context.Background(), run, testHost(), b))
	assert.Equal(t, cmd, run.commands[1])
}

func TestFindMissingBackup(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Find(context.Background(), "web-1", "no-such-backup")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLatestPicksNewest(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	refOld, _, err := store.Write(ctx, "web-1", "bk-old", bytes.NewReader(makeArchive(t)))
	require.NoError(t, err)
	refNew, _, err := store.Write(ctx, "web-1", "bk-new", bytes.NewReader(makeArchive(t)))
	require.NoError(t, err)
	require.NoError(t, store.Touch(refOld, time.Now().Add(-48*time.Hour)))
	require.NoError(t, store.Touch(refNew, time.Now().Add(-time.Hour)))

	latest, err := m.Latest(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, "bk-new", latest.ID)
}

func TestValidate(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	good, _, err := store.Write(ctx, "web-1", "bk-good", bytes.NewReader(makeArchive(t)))
	require.NoError(t, err)
	bad, _, err := store.Write(ctx, "web-1", "bk-bad", bytes.NewReader([]byte("garbage")))
	require.NoError(t, err)

	assert.NoError(t, m.Validate(ctx, domain.Backup{ID: "bk-good", StorageRef: good}))
	assert.ErrorIs(t, m.Validate(ctx, domain.Backup{ID: "bk-bad", StorageRef: bad}), domain.ErrConfiguration)
}

func TestSweepKeepsNewestPerHost(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	// Two stale backups and one fresh for web-1; one ancient backup
	// for web-2 that must survive as that host's only restore point.
	refs := map[string]string{}
	for id, age := range map[string]time.Duration{
		"bk-ancient": 30 * 24 * time.Hour,
		"bk-stale":   10 * 24 * time.Hour,
		"bk-fresh":   time.Hour,
	} {
		ref, _, err := store.Write(ctx, "web-1", id, bytes.NewReader(makeArchive(t)))
		require.NoError(t, err)
		require.NoError(t, store.Touch(ref, now.Add(-age)))
		refs[id] = ref
	}
	loneRef, _, err := store.Write(ctx, "web-2", "bk-lone", bytes.NewReader(makeArchive(t)))
	require.NoError(t, err)
	require.NoError(t, store.Touch(loneRef, now.Add(-90*24*time.Hour)))

	deleted, err := m.Sweep(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := store.List(ctx, "web-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "bk-fresh", remaining[0].ID)

	lone, err := store.List(ctx, "web-2")
	require.NoError(t, err)
	require.Len(t, lone, 1)
	assert.Equal(t, "bk-lone", lone[0].ID)
}
