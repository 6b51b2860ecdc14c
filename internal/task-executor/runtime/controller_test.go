// Copyright 2025 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isomer/incubator-aurora/internal/task-executor/mocks"
	"github.com/isomer/incubator-aurora/internal/task-executor/ports"
	"github.com/isomer/incubator-aurora/internal/task-executor/sandbox"
	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

const testGracePeriod = 300 * time.Millisecond

type harness struct {
	ctrl  *Controller
	pool  *ports.Pool
	paths sandbox.Paths
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not found, skipping controller test")
	}
}

func newHarness(t *testing.T, desc *types.TaskDescriptor, mutate func(*Dependencies)) *harness {
	t.Helper()
	return newHarnessWithOptions(t, desc, mutate, Options{PidFileGracePeriod: testGracePeriod})
}

func newHarnessWithOptions(t *testing.T, desc *types.TaskDescriptor, mutate func(*Dependencies), opts Options) *harness {
	t.Helper()
	requireBash(t)

	pool, err := ports.NewPool(43000, 43063, false)
	require.NoError(t, err)

	paths := sandbox.PathsFor(t.TempDir(), desc.TaskID)
	require.NoError(t, os.MkdirAll(paths.WorkDir, 0755))

	deps := Dependencies{
		Leaser:    pool,
		Killer:    NewProcessKiller(testGracePeriod),
		PidReader: FilePidReader{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	ctrl, err := NewController(desc, paths, deps, opts)
	require.NoError(t, err)
	return &harness{ctrl: ctrl, pool: pool, paths: paths}
}

func descriptor(command string) *types.TaskDescriptor {
	return &types.TaskDescriptor{Owner: "alice", JobName: "hello", TaskID: 7, StartCommand: command}
}

func waitState(t *testing.T, c *Controller) types.TaskState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := c.WaitFor(ctx)
	require.NoError(t, err)
	return state
}

func TestNewController_RequiresDependencies(t *testing.T) {
	_, err := NewController(descriptor("true"), sandbox.PathsFor(t.TempDir(), 7), Dependencies{}, Options{})
	assert.Error(t, err)

	_, err = NewController(&types.TaskDescriptor{Owner: "alice"}, sandbox.Paths{}, Dependencies{}, Options{})
	assert.Error(t, err)
}

func TestController_ExitZeroFinishes(t *testing.T) {
	h := newHarness(t, descriptor("echo hello world"), nil)

	require.NoError(t, h.ctrl.Launch(context.Background()))
	assert.Equal(t, types.TaskStateFinished, waitState(t, h.ctrl))
	assert.Equal(t, 0, h.ctrl.ExitCode())
	assert.True(t, h.ctrl.IsCompleted())
	assert.False(t, h.ctrl.IsRunning())

	out, err := os.ReadFile(h.paths.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, types.TaskStateFinished, snap.State)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.FinishedAt)
}

func TestController_NonZeroExitFails(t *testing.T) {
	h := newHarness(t, descriptor("echo oops; exit 3"), nil)

	require.NoError(t, h.ctrl.Launch(context.Background()))
	assert.Equal(t, types.TaskStateFailed, waitState(t, h.ctrl))
	assert.Equal(t, 3, h.ctrl.ExitCode())
}

func TestController_PidFileHoldsLaunchShell(t *testing.T) {
	var got types.KillCommand
	ctrl := gomock.NewController(t)
	killer := mocks.NewMockKiller(ctrl)
	killer.EXPECT().Kill(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, cmd types.KillCommand) error {
		got = cmd
		return nil
	})

	h := newHarness(t, descriptor("sleep 30"), func(d *Dependencies) { d.Killer = killer })
	require.NoError(t, h.ctrl.Launch(context.Background()))
	assert.True(t, h.ctrl.IsRunning())

	data, err := os.ReadFile(h.paths.PidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, h.ctrl.cmd.Process.Pid, pid)

	state, err := h.ctrl.Terminate(context.Background(), types.TaskStateKilled)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateKilled, state)
	assert.Equal(t, types.KillCommand{Pid: pid}, got)
}

func TestController_PortsLeasedWhileRunning(t *testing.T) {
	h := newHarness(t, descriptor("sleep 30 # %port:http% %port:admin%"), nil)

	require.NoError(t, h.ctrl.Launch(context.Background()))
	leased := h.ctrl.ResourceConsumption().LeasedPorts
	require.Len(t, leased, 2)
	assert.ElementsMatch(t, []int{leased["http"], leased["admin"]}, h.pool.Leased())

	script, err := os.ReadFile(h.paths.RunScript)
	require.NoError(t, err)
	assert.Contains(t, string(script), fmt.Sprintf("%d %d", leased["http"], leased["admin"]))

	state, err := h.ctrl.Terminate(context.Background(), types.TaskStateKilled)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateKilled, state)
	assert.Empty(t, h.pool.Leased())
	assert.Empty(t, h.ctrl.ResourceConsumption().LeasedPorts)
}

func TestController_ConcurrentTerminate(t *testing.T) {
	h := newHarness(t, descriptor("sleep 30 # %port:http%"), nil)
	require.NoError(t, h.ctrl.Launch(context.Background()))

	targets := []types.TaskState{types.TaskStateKilled, types.TaskStateFailed, types.TaskStateKilled}
	results := make([]types.TaskState, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := h.ctrl.Terminate(context.Background(), target)
			assert.NoError(t, err)
			results[i] = state
		}()
	}
	wg.Wait()

	final := h.ctrl.Status()
	assert.Contains(t, []types.TaskState{types.TaskStateKilled, types.TaskStateFailed}, final)
	for _, r := range results {
		assert.Equal(t, final, r)
	}
	assert.Empty(t, h.pool.Leased())
}

func TestController_ConcurrentTerminateWithFailingKiller(t *testing.T) {
	ctrl := gomock.NewController(t)
	killer := mocks.NewMockKiller(ctrl)
	killer.EXPECT().Kill(gomock.Any(), gomock.Any()).
		Return(fmt.Errorf("%w: signal refused", types.ErrKill)).MinTimes(1)

	h := newHarness(t, descriptor("sleep 30 # %port:http% %port:admin%"), func(d *Dependencies) { d.Killer = killer })
	require.NoError(t, h.ctrl.Launch(context.Background()))
	require.Len(t, h.pool.Leased(), 2)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := h.ctrl.Terminate(context.Background(), types.TaskStateKilled)
			assert.NoError(t, err)
			assert.Equal(t, types.TaskStateKilled, state)
		}()
	}
	wg.Wait()

	assert.Equal(t, types.TaskStateKilled, h.ctrl.Status())
	assert.Empty(t, h.pool.Leased())
	assert.Empty(t, h.ctrl.ResourceConsumption().LeasedPorts)
}

func TestController_WaitForAndTerminateRace(t *testing.T) {
	h := newHarness(t, descriptor("sleep 30"), nil)
	require.NoError(t, h.ctrl.Launch(context.Background()))

	waited := make(chan types.TaskState, 1)
	go func() {
		state, err := h.ctrl.WaitFor(context.Background())
		assert.NoError(t, err)
		waited <- state
	}()

	state, err := h.ctrl.Terminate(context.Background(), types.TaskStateKilled)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateKilled, state)

	select {
	case s := <-waited:
		assert.Equal(t, types.TaskStateKilled, s)
	case <-time.After(10 * time.Second):
		t.Fatal("WaitFor did not return after Terminate")
	}
}

func TestController_TerminateAfterExitKeepsState(t *testing.T) {
	ctrl := gomock.NewController(t)
	killer := mocks.NewMockKiller(ctrl)

	h := newHarness(t, descriptor("true"), func(d *Dependencies) { d.Killer = killer })
	require.NoError(t, h.ctrl.Launch(context.Background()))
	assert.Equal(t, types.TaskStateFinished, waitState(t, h.ctrl))

	state, err := h.ctrl.Terminate(context.Background(), types.TaskStateKilled)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFinished, state)
}

func TestController_UnhealthyTaskFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	prober := mocks.NewMockProber(ctrl)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(false, nil)

	desc := descriptor("sleep 30 # %port:health%")
	desc.HealthCheckIntervalSecs = 1
	h := newHarness(t, desc, func(d *Dependencies) { d.Prober = prober })

	require.NoError(t, h.ctrl.Launch(context.Background()))
	healthPort := h.ctrl.ResourceConsumption().LeasedPorts[ports.HealthPortName]
	require.NotZero(t, healthPort)

	assert.Equal(t, types.TaskStateFailed, waitState(t, h.ctrl))
	assert.Empty(t, h.pool.Leased())
}

func TestController_UnhealthyDuringLongGracePeriodFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	prober := mocks.NewMockProber(ctrl)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(false, nil).MinTimes(1)

	desc := descriptor("sleep 30 # %port:health%")
	desc.HealthCheckIntervalSecs = 1
	h := newHarnessWithOptions(t, desc, func(d *Dependencies) { d.Prober = prober },
		Options{PidFileGracePeriod: 2500 * time.Millisecond})

	require.NoError(t, h.ctrl.Launch(context.Background()))
	require.True(t, h.ctrl.IsRunning())

	assert.Equal(t, types.TaskStateFailed, waitState(t, h.ctrl))
	assert.Empty(t, h.pool.Leased())
}

func TestController_DuplicatePortNameFailsLaunch(t *testing.T) {
	h := newHarness(t, descriptor("echo %port:web% %port:db% %port:web%"), nil)

	err := h.ctrl.Launch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLaunch)
	assert.ErrorIs(t, err, types.ErrDuplicatePortName)
	assert.Equal(t, types.TaskStateFailed, h.ctrl.Status())
	assert.Empty(t, h.pool.Leased())

	_, statErr := os.Stat(h.paths.RunScript)
	assert.True(t, os.IsNotExist(statErr))

	state, err := h.ctrl.WaitFor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, state)
}

func TestController_PidReadFailureFailsLaunch(t *testing.T) {
	ctrl := gomock.NewController(t)
	reader := mocks.NewMockPidReader(ctrl)
	reader.EXPECT().ReadPid(gomock.Any()).Return(0, fmt.Errorf("%w: garbage", types.ErrReadPid))

	h := newHarness(t, descriptor("sleep 30 # %port:http%"), func(d *Dependencies) { d.PidReader = reader })

	err := h.ctrl.Launch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLaunch)
	assert.ErrorIs(t, err, types.ErrReadPid)
	assert.Equal(t, types.TaskStateFailed, h.ctrl.Status())
	assert.Empty(t, h.pool.Leased())
	assert.True(t, h.ctrl.hasExited(), "launch shell should be reaped")
}

func TestController_LaunchInterrupted(t *testing.T) {
	h := newHarness(t, descriptor("sleep 30"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.ctrl.Launch(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLaunch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.TaskStateFailed, h.ctrl.Status())
}

func TestController_LaunchOnlyOnce(t *testing.T) {
	h := newHarness(t, descriptor("true"), nil)

	require.NoError(t, h.ctrl.Launch(context.Background()))
	assert.ErrorIs(t, h.ctrl.Launch(context.Background()), types.ErrLaunch)
	waitState(t, h.ctrl)
}

func TestController_RejectsBeforeLaunch(t *testing.T) {
	h := newHarness(t, descriptor("true"), nil)

	state, err := h.ctrl.Terminate(context.Background(), types.TaskStateKilled)
	assert.ErrorIs(t, err, types.ErrNotLaunched)
	assert.Equal(t, types.TaskStateStarting, state)

	_, err = h.ctrl.WaitFor(context.Background())
	assert.ErrorIs(t, err, types.ErrNotLaunched)
	assert.False(t, h.ctrl.IsCompleted())
}

func TestController_TerminateRequiresTerminalTarget(t *testing.T) {
	h := newHarness(t, descriptor("true"), nil)

	_, err := h.ctrl.Terminate(context.Background(), types.TaskStateRunning)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestController_WaitForHonoursContext(t *testing.T) {
	h := newHarness(t, descriptor("sleep 30"), nil)
	require.NoError(t, h.ctrl.Launch(context.Background()))
	defer h.ctrl.Terminate(context.Background(), types.TaskStateKilled)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	state, err := h.ctrl.WaitFor(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.TaskStateRunning, state)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/tmp/a b'`, shellQuote("/tmp/a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
