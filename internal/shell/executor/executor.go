package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/fleetworks/rollout/internal/core/domain"
	"github.com/fleetworks/rollout/internal/shell/lb"
	"github.com/fleetworks/rollout/internal/shell/sshexec"
)

// =============================================================================
// Host Executor
// =============================================================================

// Config holds executor tunables.
type Config struct {
	DrainTimeout   time.Duration
	StartTimeout   time.Duration
	InstallCommand string
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		DrainTimeout:   30 * time.Second,
		StartTimeout:   60 * time.Second,
		InstallCommand: "if [ -x ./setup.sh ]; then ./setup.sh; fi",
	}
}

// Executor performs the per-host deployment steps over a single SSH
// session: drain, stop, stage, start, wait. Verification and the
// rollback decision stay with the caller.
type Executor struct {
	config   Config
	lb       lb.Client
	life     Lifecycle
	waitPort PortWaiter
	logger   *slog.Logger
}

// New creates an Executor. A nil lifecycle defaults to the script
// driver, a nil load balancer client to the no-op client.
func New(config Config, balancer lb.Client, life Lifecycle, logger *slog.Logger) *Executor {
	if balancer == nil {
		balancer = lb.Noop{}
	}
	if life == nil {
		life = ScriptLifecycle{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.InstallCommand == "" {
		config.InstallCommand = DefaultConfig().InstallCommand
	}
	return &Executor{
		config:   config,
		lb:       balancer,
		life:     life,
		waitPort: WaitForPort,
		logger:   logger.With("component", "executor"),
	}
}

// -----------------------------------------------------------------------------
// Steps
// -----------------------------------------------------------------------------

// Drain removes the host from the load balancer rotation. Drain
// failures never fail the deployment; the host proceeds and the
// failure is logged.
func (e *Executor) Drain(ctx context.Context, host domain.Host) {
	drainCtx, cancel := context.WithTimeout(ctx, e.config.DrainTimeout)
	defer cancel()

	if err := e.lb.Deregister(drainCtx, host); err != nil {
		e.logger.Warn("drain failed, continuing",
			"host", host.Name,
			"error", err)
		return
	}
	e.logger.Info("host drained", "host", host.Name)
}

// Stop shuts the service down.
func (e *Executor) Stop(ctx context.Context, run sshexec.Runner, host domain.Host) error {
	if err := e.life.Stop(ctx, run, host); err != nil {
		return domain.NewStepError("stop", host.Name, fmt.Errorf("%w: %v", domain.ErrStage, err))
	}
	return nil
}

// Stage pushes the artifact archive and swaps it into the service
// directory. The extract happens in a sibling directory so a partial
// transfer never clobbers the running layout; the final rename is the
// only destructive move.
func (e *Executor) Stage(ctx context.Context, run sshexec.Runner, host domain.Host, artifact string) error {
	f, err := os.Open(artifact)
	if err != nil {
		return domain.NewStepError("stage", host.Name, fmt.Errorf("%w: open artifact: %v", domain.ErrStage, err))
	}
	defer f.Close()

	return e.StageFrom(ctx, run, host, f)
}

// StageFrom stages an artifact from an already-open archive stream.
func (e *Executor) StageFrom(ctx context.Context, run sshexec.Runner, host domain.Host, archive io.Reader) error {
	remote := remoteArchivePath(host)
	if err := run.Push(ctx, archive, remote); err != nil {
		return domain.NewStepError("stage", host.Name, fmt.Errorf("%w: push artifact: %v", domain.ErrStage, err))
	}

	// An archive holding a single top-level directory (the usual
	// "dir/..." layout tar produces) is unwrapped so the service lands
	// directly in ArtifactDir; a flat archive is moved as-is.
	staging := host.ArtifactDir + ".staging"
	cmd := fmt.Sprintf(
		"rm -rf %[1]q && mkdir -p %[1]q && tar -xzf %[2]q -C %[1]q && rm -rf %[3]q && "+
			`if [ "$(ls -A %[1]q | wc -l)" -eq 1 ] && [ -d %[1]q/"$(ls -A %[1]q)" ]; then `+
			`mv %[1]q/"$(ls -A %[1]q)" %[3]q && rm -rf %[1]q; else mv %[1]q %[3]q; fi && rm -f %[2]q`,
		staging, remote, host.ArtifactDir)
	if _, err := run.Run(ctx, cmd); err != nil {
		return domain.NewStepError("stage", host.Name, fmt.Errorf("%w: extract artifact: %v", domain.ErrStage, err))
	}

	e.logger.Info("artifact staged", "host", host.Name, "dir", host.ArtifactDir)
	return nil
}

// Install runs the artifact's dependency setup inside the staged
// directory. Install failures are fatal for the host.
func (e *Executor) Install(ctx context.Context, run sshexec.Runner, host domain.Host) error {
	cmd := fmt.Sprintf("cd %q && %s", host.ArtifactDir, e.config.InstallCommand)
	if _, err := run.Run(ctx, cmd); err != nil {
		return domain.NewStepError("install", host.Name, fmt.Errorf("%w: install dependencies: %v", domain.ErrStage, err))
	}
	return nil
}

// Start brings the service up and waits for its port to listen. A
// service that never opens its port counts as a failed stage.
func (e *Executor) Start(ctx context.Context, run sshexec.Runner, host domain.Host) error {
	if err := e.life.Start(ctx, run, host); err != nil {
		return domain.NewStepError("start", host.Name, fmt.Errorf("%w: %v", domain.ErrStage, err))
	}
	if err := e.waitPort(ctx, host, e.config.StartTimeout); err != nil {
		return domain.NewStepError("start", host.Name, fmt.Errorf("%w: %v", domain.ErrStage, err))
	}
	e.logger.Info("service started", "host", host.Name, "port", host.ServicePort)
	return nil
}

// Reregister puts a confirmed-healthy host back into rotation.
// Registration failures are logged, not fatal; the host is healthy
// and serving, the balancer just has not caught up.
func (e *Executor) Reregister(ctx context.Context, host domain.Host) {
	if err := e.lb.Register(ctx, host); err != nil {
		e.logger.Warn("reregister failed",
			"host", host.Name,
			"error", err)
		return
	}
	e.logger.Info("host back in rotation", "host", host.Name)
}

func remoteArchivePath(host domain.Host) string {
	return path.Join("/tmp", path.Base(host.ArtifactDir)+".incoming.tar.gz")
}
