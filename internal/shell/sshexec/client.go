// Package sshexec runs commands and transfers files on fleet hosts over SSH.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// =============================================================================
// Runner Interface
// =============================================================================

// Output holds the captured output of a remote command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes commands on a single host. Every call is bounded by
// the context and the client's command timeout; nothing blocks
// indefinitely.
type Runner interface {
	// Run executes a command and captures its output. A non-zero exit
	// status is returned as an error alongside whatever output was
	// produced.
	Run(ctx context.Context, command string) (Output, error)

	// Push streams data to a file on the host, creating parent
	// directories as needed.
	Push(ctx context.Context, src io.Reader, remotePath string) error

	Close() error
}

// RunnerFactory creates a Runner for a host. The controller uses it to
// open one connection per host pipeline.
type RunnerFactory func(host domain.Host) (Runner, error)

// =============================================================================
// SSH Client
// =============================================================================

// Config configures the SSH runner.
type Config struct {
	CommandTimeout time.Duration // Default: 60 seconds
	ConnectTimeout time.Duration // Default: 10 seconds
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: 60 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client implements Runner over a cached SSH connection.
type Client struct {
	host   domain.Host
	signer ssh.Signer
	config Config

	mu     sync.Mutex // Protects sshClient
	sshCli *ssh.Client
}

// NewClient creates an SSH runner for a host. privateKey is the
// decrypted PEM-encoded SSH key.
func NewClient(host domain.Host, privateKey []byte, config Config) (*Client, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = 60 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &Client{host: host, signer: signer, config: config}, nil
}

// NewFactory returns a RunnerFactory sharing one key and config.
func NewFactory(privateKey []byte, config Config) RunnerFactory {
	return func(host domain.Host) (Runner, error) {
		return NewClient(host, privateKey, config)
	}
}

// connect establishes the SSH connection if not already connected.
func (c *Client) connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshCli != nil {
		// Check if the connection is still alive
		_, _, err := c.sshCli.SendRequest("keepalive@rollout", true, nil)
		if err == nil {
			return nil
		}
		c.sshCli.Close()
		c.sshCli = nil
	}

	config := &ssh.ClientConfig{
		User:            c.host.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: store and verify host keys
		Timeout:         c.config.ConnectTimeout,
	}

	addr := net.JoinHostPort(c.host.Address, strconv.Itoa(c.host.SSHPort))
	cli, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("%w: SSH dial %s: %v", domain.ErrConnectivity, addr, err)
	}

	c.sshCli = cli
	return nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshCli != nil {
		err := c.sshCli.Close()
		c.sshCli = nil
		return err
	}
	return nil
}

// Run executes a command on the host.
func (c *Client) Run(ctx context.Context, command string) (Output, error) {
	return c.run(ctx, command, nil)
}

// Push streams data to a file on the host.
func (c *Client) Push(ctx context.Context, src io.Reader, remotePath string) error {
	cmd := fmt.Sprintf("mkdir -p $(dirname %q) && cat > %q", remotePath, remotePath)
	_, err := c.run(ctx, cmd, src)
	return err
}

func (c *Client) run(ctx context.Context, command string, stdin io.Reader) (Output, error) {
	if err := c.connect(ctx); err != nil {
		return Output{}, err
	}

	c.mu.Lock()
	session, err := c.sshCli.NewSession()
	c.mu.Unlock()
	if err != nil {
		return Output{}, fmt.Errorf("%w: create SSH session: %v", domain.ErrConnectivity, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		return Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	case <-time.After(c.config.CommandTimeout):
		return Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()},
			fmt.Errorf("command timeout after %v: %s", c.config.CommandTimeout, command)
	case err := <-done:
		out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err != nil {
			return out, fmt.Errorf("command failed: %w, stderr: %s", err, stderr.String())
		}
		return out, nil
	}
}
