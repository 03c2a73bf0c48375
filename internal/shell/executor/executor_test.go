package executor

import (
	"context"
	"errors"
	"fmt"
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
// Fakes
// =============================================================================

type fakeRunner struct {
	commands []string
	pushes   []string
	failOn   string
}

func (f *fakeRunner) Run(_ context.Context, command string) (sshexec.Output, error) {
	f.commands = append(f.commands, command)
	if f.failOn != "" && strings.Contains(command, f.failOn) {
		return sshexec.Output{}, errors.New("command failed")
	}
	return sshexec.Output{}, nil
}

func (f *fakeRunner) Push(_ context.Context, src io.Reader, remotePath string) error {
	io.Copy(io.Discard, src)
	f.pushes = append(f.pushes, remotePath)
	return nil
}

func (f *fakeRunner) Close() error { return nil }

type fakeLB struct {
	deregistered []string
	registered   []string
	failDrain    bool
}

func (f *fakeLB) Deregister(_ context.Context, host domain.Host) error {
	if f.failDrain {
		return errors.New("balancer unreachable")
	}
	f.deregistered = append(f.deregistered, host.Name)
	return nil
}

func (f *fakeLB) Register(_ context.Context, host domain.Host) error {
	f.registered = append(f.registered, host.Name)
	return nil
}

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

func newTestExecutor(balancer *fakeLB) *Executor {
	e := New(DefaultConfig(), balancer, ScriptLifecycle{}, nil)
	e.waitPort = func(context.Context, domain.Host, time.Duration) error { return nil }
	return e
}

// =============================================================================
// Tests
// =============================================================================

func TestStageFrom(t *testing.T) {
	run := &fakeRunner{}
	e := newTestExecutor(&fakeLB{})

	err := e.StageFrom(context.Background(), run, testHost(), strings.NewReader("archive-bytes"))
	require.NoError(t, err)

	require.Len(t, run.pushes, 1)
	assert.Equal(t, "/tmp/current.incoming.tar.gz", run.pushes[0])

	require.Len(t, run.commands, 1)
	cmd := run.commands[0]
	assert.Contains(t, cmd, `tar -xzf "/tmp/current.incoming.tar.gz" -C "/srv/app/current.staging"`)
	assert.Contains(t, cmd, `mv "/srv/app/current.staging" "/srv/app/current"`)
	// The running layout is replaced only by the final rename.
	assert.Less(t, strings.Index(cmd, "tar -xzf"), strings.Index(cmd, `rm -rf "/srv/app/current"`))
}

func TestStageFromUnwrapsSingleTopLevelDir(t *testing.T) {
	run := &fakeRunner{}
	e := newTestExecutor(&fakeLB{})

	err := e.StageFrom(context.Background(), run, testHost(), strings.NewReader("archive-bytes"))
	require.NoError(t, err)

	// An artifact packed as "app/start.sh", "app/compose.yaml" lands as
	// ArtifactDir/start.sh, not ArtifactDir/app/start.sh: a lone
	// top-level directory is moved into place itself.
	require.Len(t, run.commands, 1)
	cmd := run.commands[0]
	assert.Contains(t, cmd, `[ "$(ls -A "/srv/app/current.staging" | wc -l)" -eq 1 ]`)
	assert.Contains(t, cmd, `[ -d "/srv/app/current.staging"/"$(ls -A "/srv/app/current.staging")" ]`)
	assert.Contains(t, cmd, `mv "/srv/app/current.staging"/"$(ls -A "/srv/app/current.staging")" "/srv/app/current"`)
	assert.Contains(t, cmd, `else mv "/srv/app/current.staging" "/srv/app/current"`)
}

func TestStageFromPushFailure(t *testing.T) {
	e := newTestExecutor(&fakeLB{})
	run := &failingPushRunner{}

	err := e.StageFrom(context.Background(), run, testHost(), strings.NewReader("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStage)

	var stepErr *domain.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "stage", stepErr.Step)
	assert.Equal(t, "web-1", stepErr.Host)
}

type failingPushRunner struct{ fakeRunner }

func (f *failingPushRunner) Push(context.Context, io.Reader, string) error {
	return fmt.Errorf("connection reset")
}

func TestStopStartRunScripts(t *testing.T) {
	run := &fakeRunner{}
	e := newTestExecutor(&fakeLB{})

	require.NoError(t, e.Stop(context.Background(), run, testHost()))
	require.NoError(t, e.Start(context.Background(), run, testHost()))

	require.Len(t, run.commands, 2)
	assert.Equal(t, `cd "/srv/app/current" && ./stop.sh`, run.commands[0])
	assert.Equal(t, `cd "/srv/app/current" && ./start.sh`, run.commands[1])
}

func TestInstallRunsSetupInArtifactDir(t *testing.T) {
	run := &fakeRunner{}
	e := newTestExecutor(&fakeLB{})

	require.NoError(t, e.Install(context.Background(), run, testHost()))

	require.Len(t, run.commands, 1)
	assert.Equal(t, `cd "/srv/app/current" && if [ -x ./setup.sh ]; then ./setup.sh; fi`, run.commands[0])
}

func TestInstallFailureIsFatal(t *testing.T) {
	run := &fakeRunner{failOn: "setup.sh"}
	e := newTestExecutor(&fakeLB{})

	err := e.Install(context.Background(), run, testHost())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStage)

	var stepErr *domain.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "install", stepErr.Step)
}

func TestStartFailureIsStageError(t *testing.T) {
	run := &fakeRunner{failOn: "start.sh"}
	e := newTestExecutor(&fakeLB{})

	err := e.Start(context.Background(), run, testHost())
	assert.ErrorIs(t, err, domain.ErrStage)
}

func TestStartPortNeverListens(t *testing.T) {
	run := &fakeRunner{}
	e := newTestExecutor(&fakeLB{})
	e.waitPort = func(context.Context, domain.Host, time.Duration) error {
		return errors.New("port 10.0.0.1:8080 not listening after 60s")
	}

	err := e.Start(context.Background(), run, testHost())
	assert.ErrorIs(t, err, domain.ErrStage)
}

func TestDrainFailureIsSoft(t *testing.T) {
	balancer := &fakeLB{failDrain: true}
	e := newTestExecutor(balancer)

	// Drain must not propagate the failure; the host still deploys.
	e.Drain(context.Background(), testHost())
	assert.Empty(t, balancer.deregistered)
}

func TestDrainAndReregister(t *testing.T) {
	balancer := &fakeLB{}
	e := newTestExecutor(balancer)

	e.Drain(context.Background(), testHost())
	e.Reregister(context.Background(), testHost())

	assert.Equal(t, []string{"web-1"}, balancer.deregistered)
	assert.Equal(t, []string{"web-1"}, balancer.registered)
}

func TestCustomLifecycleCommands(t *testing.T) {
	run := &fakeRunner{}
	life := ScriptLifecycle{StopCommand: "systemctl --user stop app", StartCommand: "systemctl --user start app"}
	e := New(DefaultConfig(), &fakeLB{}, life, nil)
	e.waitPort = func(context.Context, domain.Host, time.Duration) error { return nil }

	require.NoError(t, e.Stop(context.Background(), run, testHost()))
	require.NoError(t, e.Start(context.Background(), run, testHost()))
	assert.Equal(t, `cd "/srv/app/current" && systemctl --user stop app`, run.commands[0])
	assert.Equal(t, `cd "/srv/app/current" && systemctl --user start app`, run.commands[1])
}
