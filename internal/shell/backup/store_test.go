package backup

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreWriteAndRead(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, size, err := s.Write(ctx, "web-1", "b1", strings.NewReader("archive-bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("archive-bytes")), size)

	r, err := s.Read(ctx, ref)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))
}

func TestFSStoreListNewestFirst(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	oldRef, _, err := s.Write(ctx, "web-1", "old", strings.NewReader("a"))
	require.NoError(t, err)
	require.NoError(t, s.Touch(oldRef, time.Now().Add(-time.Hour)))
	_, _, err = s.Write(ctx, "web-1", "new", strings.NewReader("bb"))
	require.NoError(t, err)

	backups, err := s.List(ctx, "web-1")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "new", backups[0].ID)
	assert.Equal(t, "old", backups[1].ID)
	assert.Equal(t, "web-1", backups[0].Host)
	assert.Equal(t, int64(2), backups[0].SizeBytes)
}

func TestFSStoreListUnknownHost(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	backups, err := s.List(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestFSStoreHosts(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = s.Write(ctx, "web-2", "b1", strings.NewReader("a"))
	require.NoError(t, err)
	_, _, err = s.Write(ctx, "web-1", "b2", strings.NewReader("a"))
	require.NoError(t, err)

	hosts, err := s.Hosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"web-1", "web-2"}, hosts)
}

func TestFSStoreDeleteIsIdempotent(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, _, err := s.Write(ctx, "web-1", "b1", strings.NewReader("a"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, ref))
	require.NoError(t, s.Delete(ctx, ref))

	backups, err := s.List(ctx, "web-1")
	require.NoError(t, err)
	assert.Empty(t, backups)
}
