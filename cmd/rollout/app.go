package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/client"

	"github.com/fleetworks/rollout/internal/core/domain"
	"github.com/fleetworks/rollout/internal/core/inventory"
	"github.com/fleetworks/rollout/internal/rollout"
	"github.com/fleetworks/rollout/internal/shell/backup"
	"github.com/fleetworks/rollout/internal/shell/executor"
	"github.com/fleetworks/rollout/internal/shell/health"
	"github.com/fleetworks/rollout/internal/shell/lb"
	"github.com/fleetworks/rollout/internal/shell/notify"
	"github.com/fleetworks/rollout/internal/shell/providers"
	"github.com/fleetworks/rollout/internal/shell/sshexec"
	"github.com/fleetworks/rollout/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess       = 0
	ExitConfigError   = 1
	ExitRolloutFailed = 2
	ExitDatabaseError = 3
)

// =============================================================================
// App
// =============================================================================

// App wires the orchestrator's collaborators for one invocation.
type App struct {
	cfg     *Config
	logger  *slog.Logger
	fleet   *domain.Fleet
	store   *store.SQLiteStore
	backups *backup.Manager
}

// NewApp loads the fleet, opens the store and builds the managers.
func NewApp(cfg *Config, logger *slog.Logger) (*App, error) {
	data, err := os.ReadFile(cfg.Fleet.File)
	if err != nil {
		return nil, fmt.Errorf("%w: read fleet file %q: %v", domain.ErrConfiguration, cfg.Fleet.File, err)
	}
	fleet, err := inventory.Parse(data)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	fsStore, err := backup.NewFSStore(cfg.Backup.Dir)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		fleet:   fleet,
		store:   st,
		backups: backup.NewManager(fsStore, logger),
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// lifecycle builds the configured service driver. The docker driver
// takes its container name from the artifact's compose file, falling
// back to the per-host "container" var.
func (a *App) lifecycle(artifact string) (executor.Lifecycle, error) {
	switch a.cfg.Rollout.Lifecycle {
	case "", "script":
		return executor.ScriptLifecycle{}, nil
	case "docker":
	default:
		return nil, fmt.Errorf("%w: unknown lifecycle %q", domain.ErrConfiguration, a.cfg.Rollout.Lifecycle)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: docker client: %v", domain.ErrConfiguration, err)
	}

	containerName := ""
	if artifact != "" {
		spec, err := executor.DiscoverService(artifact)
		if err != nil {
			return nil, err
		}
		if spec != nil {
			containerName = spec.Name
		}
	}
	return executor.NewDockerLifecycle(cli, containerName, 0), nil
}

// controller assembles a rollout controller for the given policy and
// artifact.
func (a *App) controller(policy domain.RolloutPolicy, artifact string) (*rollout.Controller, error) {
	key, err := os.ReadFile(a.cfg.SSH.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read SSH key %q: %v", domain.ErrConfiguration, a.cfg.SSH.KeyFile, err)
	}

	runners := sshexec.NewFactory(key, sshexec.Config{
		CommandTimeout: a.cfg.SSH.CommandTimeout,
		ConnectTimeout: a.cfg.SSH.ConnectTimeout,
	})

	var balancer lb.Client = lb.Noop{}
	if a.cfg.LB.URL != "" {
		balancer = lb.NewHTTPClient(a.cfg.LB.URL, a.cfg.LB.Timeout)
	}

	var notifier notify.Notifier = notify.Noop{}
	if a.cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(a.cfg.Notify.WebhookURL, a.cfg.Notify.Timeout, a.logger)
	}

	life, err := a.lifecycle(artifact)
	if err != nil {
		return nil, err
	}
	exec := executor.New(executor.Config{
		DrainTimeout:   policy.DrainTimeout,
		StartTimeout:   policy.StartTimeout,
		InstallCommand: a.cfg.Rollout.InstallCommand,
	}, balancer, life, a.logger)

	gate := health.NewHTTPGate(health.Config{
		Retries: policy.HealthRetries,
		Delay:   policy.HealthRetryDelay,
		Timeout: policy.HealthTimeout,
	}, a.logger)

	return rollout.New(rollout.Config{
		Fleet:    a.fleet,
		Policy:   policy,
		Runners:  runners,
		Executor: exec,
		Backups:  a.backups,
		Gate:     gate,
		Store:    a.store,
		Notifier: notifier,
		Provider: a.providerFor,
		Logger:   a.logger,
	})
}

// providerFor builds cloud inventory providers from configured
// credentials.
func (a *App) providerFor(providerType string) (providers.Provider, error) {
	return providers.NewProvider(providerType, providers.Credentials{
		AccessKeyID:     a.cfg.Provider.AWSAccessKeyID,
		SecretAccessKey: a.cfg.Provider.AWSSecretAccessKey,
		Region:          a.cfg.Provider.AWSRegion,
		APIToken:        a.providerToken(providerType),
	}, a.logger)
}

func (a *App) providerToken(providerType string) string {
	if providerType == "hetzner" {
		return a.cfg.Provider.HetznerToken
	}
	return a.cfg.Provider.DOToken
}

// policy builds the rollout policy from config plus command flags.
func (a *App) policy(strategy string, canarySize int) (domain.RolloutPolicy, error) {
	p := domain.DefaultRolloutPolicy()
	p.Strategy = domain.Strategy(strategy)
	if canarySize > 0 {
		p.CanarySize = canarySize
	}
	p.HealthRetries = a.cfg.Rollout.HealthRetries
	p.HealthRetryDelay = a.cfg.Rollout.HealthRetryDelay
	p.HealthTimeout = a.cfg.Rollout.HealthTimeout
	p.RollbackOnFailure = a.cfg.Rollout.RollbackOnFailure
	p.RollbackEscalation = domain.RollbackEscalation(a.cfg.Rollout.RollbackEscalation)
	p.DrainTimeout = a.cfg.Rollout.DrainTimeout
	p.StartTimeout = a.cfg.Rollout.StartTimeout
	p.MaxConcurrent = a.cfg.Rollout.MaxConcurrent
	p.RetainFor = a.cfg.Backup.RetainFor
	if err := p.Validate(); err != nil {
		return domain.RolloutPolicy{}, err
	}
	return p, nil
}

// =============================================================================
// Subcommands
// =============================================================================

// Deploy runs a rollout across a group.
func (a *App) Deploy(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	group := fs.String("group", "", "Target group")
	artifact := fs.String("artifact", "", "Artifact archive (tar.gz)")
	strategy := fs.String("strategy", "serial", "Rollout strategy: serial, batch or canary")
	canary := fs.Int("canary", 0, "Canary size (canary strategy)")
	dryRun := fs.Bool("dry-run", false, "Resolve targets and print the plan without deploying")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}
	if *group == "" || *artifact == "" {
		fmt.Fprintln(os.Stderr, "deploy requires -group and -artifact")
		return ExitConfigError
	}

	policy, err := a.policy(*strategy, *canary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	controller, err := a.controller(policy, *artifact)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	if *dryRun {
		hosts, err := controller.Plan(ctx, *group)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return ExitConfigError
		}
		fmt.Printf("deployment plan: %s -> group %s (%s)\n", *artifact, *group, policy.Strategy)
		for i, h := range hosts {
			fmt.Printf("  %2d. %s (%s:%d) %s\n", i+1, h.Name, h.Address, h.ServicePort, h.ArtifactDir)
		}
		return ExitSuccess
	}

	dep, err := controller.Deploy(ctx, *group, *artifact)
	if err != nil {
		a.logger.Error("rollout did not start", "error", err)
		return ExitConfigError
	}

	for _, o := range dep.Outcomes {
		a.logger.Info("host outcome", "host", o.Host, "state", o.State, "cause", o.Cause)
	}
	if dep.Result != domain.ResultSucceeded {
		return ExitRolloutFailed
	}
	return ExitSuccess
}

// Recover restores a host from a backup.
func (a *App) Recover(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	host := fs.String("host", "", "Host to recover")
	backupID := fs.String("backup", "", "Backup ID (defaults to the host's newest)")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}
	if *host == "" {
		fmt.Fprintln(os.Stderr, "recover requires -host")
		return ExitConfigError
	}

	policy, err := a.policy("serial", 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	controller, err := a.controller(policy, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	if err := controller.Recover(ctx, *host, *backupID); err != nil {
		a.logger.Error("recovery failed", "host", *host, "error", err)
		return ExitRolloutFailed
	}
	return ExitSuccess
}

// Sweep runs a standalone retention sweep.
func (a *App) Sweep(ctx context.Context) int {
	deleted, err := a.backups.Sweep(ctx, a.cfg.Backup.RetainFor)
	if err != nil {
		a.logger.Warn("retention sweep incomplete", "deleted", deleted, "error", err)
		return ExitRolloutFailed
	}
	a.logger.Info("retention sweep complete", "deleted", deleted)
	return ExitSuccess
}
