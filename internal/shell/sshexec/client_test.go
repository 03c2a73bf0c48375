package sshexec

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/fleetworks/rollout/internal/core/domain"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}

func testHost() domain.Host {
	return domain.Host{
		Name:    "web-1",
		Address: "127.0.0.1",
		SSHUser: "deploy",
		SSHPort: 1,
	}
}

func TestNewClientRejectsBadKey(t *testing.T) {
	_, err := NewClient(testHost(), []byte("not a key"), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse SSH private key")
}

func TestNewClientAppliesDefaults(t *testing.T) {
	c, err := NewClient(testHost(), testKey(t), Config{})
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, c.config.CommandTimeout)
	assert.Equal(t, 10*time.Second, c.config.ConnectTimeout)
}

func TestRunUnreachableHostIsConnectivityError(t *testing.T) {
	c, err := NewClient(testHost(), testKey(t), Config{ConnectTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Run(context.Background(), "true")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectivity)
}

func TestFactorySharesKeyAcrossHosts(t *testing.T) {
	factory := NewFactory(testKey(t), DefaultConfig())

	a, err := factory(testHost())
	require.NoError(t, err)
	b, err := factory(domain.Host{Name: "web-2", Address: "127.0.0.1", SSHUser: "deploy", SSHPort: 1})
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}
