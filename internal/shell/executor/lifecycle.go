package executor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/fleetworks/rollout/internal/core/domain"
	"github.com/fleetworks/rollout/internal/shell/sshexec"
)

// =============================================================================
// Service Lifecycle
// =============================================================================

// Lifecycle stops and starts the deployed service on one host. The
// service contract is a defined stop/start lifecycle plus a listening
// port for the readiness probe.
type Lifecycle interface {
	Stop(ctx context.Context, run sshexec.Runner, host domain.Host) error
	Start(ctx context.Context, run sshexec.Runner, host domain.Host) error
}

// =============================================================================
// Script Lifecycle
// =============================================================================

// ScriptLifecycle drives the service through stop/start scripts shipped
// inside the artifact directory. This is the default driver.
type ScriptLifecycle struct {
	StopCommand  string // Default: ./stop.sh
	StartCommand string // Default: ./start.sh
}

func (l ScriptLifecycle) stopCmd() string {
	if l.StopCommand != "" {
		return l.StopCommand
	}
	return "./stop.sh"
}

func (l ScriptLifecycle) startCmd() string {
	if l.StartCommand != "" {
		return l.StartCommand
	}
	return "./start.sh"
}

func (l ScriptLifecycle) Stop(ctx context.Context, run sshexec.Runner, host domain.Host) error {
	cmd := fmt.Sprintf("cd %q && %s", host.ArtifactDir, l.stopCmd())
	if _, err := run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return nil
}

func (l ScriptLifecycle) Start(ctx context.Context, run sshexec.Runner, host domain.Host) error {
	cmd := fmt.Sprintf("cd %q && %s", host.ArtifactDir, l.startCmd())
	if _, err := run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// =============================================================================
// Docker Lifecycle
// =============================================================================

// DockerLifecycle drives the service as a container on a Docker engine
// reachable from the orchestrator (the host's engine exposed over TCP).
// The container name comes from the host variable "container", falling
// back to the service name discovered from the artifact's compose file.
type DockerLifecycle struct {
	cli         client.APIClient
	containerID string
	stopTimeout time.Duration
}

// NewDockerLifecycle creates a Docker-backed lifecycle driver.
func NewDockerLifecycle(cli client.APIClient, containerID string, stopTimeout time.Duration) *DockerLifecycle {
	if stopTimeout == 0 {
		stopTimeout = 10 * time.Second
	}
	return &DockerLifecycle{cli: cli, containerID: containerID, stopTimeout: stopTimeout}
}

func (l *DockerLifecycle) name(host domain.Host) string {
	if c, ok := host.Vars["container"]; ok && c != "" {
		return c
	}
	return l.containerID
}

func (l *DockerLifecycle) Stop(ctx context.Context, _ sshexec.Runner, host domain.Host) error {
	secs := int(l.stopTimeout.Seconds())
	if err := l.cli.ContainerStop(ctx, l.name(host), container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container %s: %w", l.name(host), err)
	}
	return nil
}

func (l *DockerLifecycle) Start(ctx context.Context, _ sshexec.Runner, host domain.Host) error {
	if err := l.cli.ContainerStart(ctx, l.name(host), container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", l.name(host), err)
	}
	return nil
}

// PublishedPort returns the host port bound to the container port, for
// hosts whose readiness port differs from the compose declaration.
func (l *DockerLifecycle) PublishedPort(ctx context.Context, host domain.Host, containerPort int) (int, error) {
	info, err := l.cli.ContainerInspect(ctx, l.name(host))
	if err != nil {
		return 0, fmt.Errorf("inspect container %s: %w", l.name(host), err)
	}
	if info.NetworkSettings == nil {
		return 0, fmt.Errorf("container %s has no network settings", l.name(host))
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return 0, err
	}
	bindings := info.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("container %s does not publish port %d", l.name(host), containerPort)
	}
	published, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("container %s has malformed port binding %q", l.name(host), bindings[0].HostPort)
	}
	return published, nil
}

// =============================================================================
// Port Wait
// =============================================================================

// PortWaiter waits for a host's service port to accept connections.
// Swappable for tests.
type PortWaiter func(ctx context.Context, host domain.Host, timeout time.Duration) error

// WaitForPort polls the service port until it accepts a TCP connection
// or the timeout elapses.
func WaitForPort(ctx context.Context, host domain.Host, timeout time.Duration) error {
	addr := net.JoinHostPort(host.Address, strconv.Itoa(host.ServicePort))
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %s not listening after %v", addr, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
