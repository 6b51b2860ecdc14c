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
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/unix"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/isomer/incubator-aurora/internal/task-executor/health"
	"github.com/isomer/incubator-aurora/internal/task-executor/ports"
	"github.com/isomer/incubator-aurora/internal/task-executor/sandbox"
	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

const (
	DefaultShell              = "bash"
	DefaultPidFileGracePeriod = time.Second
)

// Dependencies are the capabilities a Controller drives. Prober may be nil
// when no task is expected to serve a health port.
type Dependencies struct {
	Leaser    ports.Leaser
	Prober    health.Prober
	Killer    Killer
	PidReader PidReader
	Clock     clock.WithTicker

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

type Options struct {
	// Shell must accept bash's -c and --restricted flags.
	Shell              string
	PidFileGracePeriod time.Duration
}

// Controller supervises one staged task from launch to a terminal state.
//
// Three signals race to end a task: the launch shell exiting, a failed health
// check and an external Terminate. The state machine lets exactly one of them
// pick the terminal state; all of them converge on a single cleanup that
// stops health polling and releases every leased port once.
//
// The supervised pid is the one the launch shell writes to the pid file, not
// the spawn handle's. The shell leads its own process group, so the whole
// workload tree can be signalled through it.
type Controller struct {
	desc    *types.TaskDescriptor
	paths   sandbox.Paths
	deps    Dependencies
	opts    Options
	logger  logr.Logger
	metrics *controllerMetrics

	state    *stateMachine
	launched atomic.Bool

	mu          sync.Mutex
	leasedPorts map[string]int
	healthPort  int
	killCmd     *types.KillCommand
	cmd         *exec.Cmd
	poller      *health.Poller
	cleanedUp   bool
	exitCode    int
	message     string
	startedAt   *time.Time
	finishedAt  *time.Time

	// exited is closed once the launch shell has been reaped; waitErr is
	// written before that and holds a wait failure that is not an exit status.
	exited      chan struct{}
	waitErr     error
	cleanupOnce sync.Once
}

func NewController(desc *types.TaskDescriptor, paths sandbox.Paths, deps Dependencies, opts Options) (*Controller, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if deps.Leaser == nil || deps.Killer == nil || deps.PidReader == nil {
		return nil, fmt.Errorf("leaser, killer and pid reader are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.MeterProvider == nil {
		deps.MeterProvider = otel.GetMeterProvider()
	}
	if opts.Shell == "" {
		opts.Shell = DefaultShell
	}
	if opts.PidFileGracePeriod <= 0 {
		opts.PidFileGracePeriod = DefaultPidFileGracePeriod
	}
	return &Controller{
		desc:        desc,
		paths:       paths,
		deps:        deps,
		opts:        opts,
		logger:      klog.LoggerWithValues(klog.Background(), "task", desc.String()),
		metrics:     newControllerMetrics(deps.MeterProvider),
		state:       newStateMachine(),
		leasedPorts: map[string]int{},
		exited:      make(chan struct{}),
	}, nil
}

// Launch expands the start command, writes it to the run script, spawns the
// launch shell and waits the pid file grace period before moving to RUNNING
// and starting health polling. Any failure moves the task to FAILED and releases what was acquired.
func (c *Controller) Launch(ctx context.Context) error {
	if !c.launched.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: task %s was already launched", types.ErrLaunch, c.desc)
	}
	c.logger.Info("executing from working directory", "sandbox", c.paths.WorkDir)

	command, leased, err := ports.Expand(c.desc.StartCommand, c.deps.Leaser)
	if err != nil {
		ports.ReleaseAll(c.deps.Leaser, leased)
		return c.failLaunch(ctx, fmt.Errorf("failed to obtain requested ports: %w", err))
	}
	c.mu.Lock()
	c.leasedPorts = leased
	c.healthPort = leased[ports.HealthPortName]
	c.mu.Unlock()
	c.logger.Info("obtained leases on ports", "ports", leased)

	if err := os.WriteFile(c.paths.RunScript, []byte(command+"\n"), 0644); err != nil {
		return c.failLaunch(ctx, fmt.Errorf("failed to write run script: %w", err))
	}

	cmd := exec.Command(c.opts.Shell, "-c", c.launchScript())
	cmd.Dir = c.paths.WorkDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.logger.V(2).Info("starting launch shell", "cmd", cmd.Args)

	if err := cmd.Start(); err != nil {
		return c.failLaunch(ctx, fmt.Errorf("failed to launch process: %w", err))
	}
	now := c.deps.Clock.Now()
	c.mu.Lock()
	c.cmd = cmd
	c.startedAt = &now
	c.mu.Unlock()
	go c.reap(cmd)

	select {
	case <-ctx.Done():
		return c.failLaunch(ctx, fmt.Errorf("interrupted while waiting for launch grace period: %w", ctx.Err()))
	case <-c.deps.Clock.After(c.opts.PidFileGracePeriod):
	}

	pid, err := c.deps.PidReader.ReadPid(c.paths.PidFile)
	if err != nil {
		return c.failLaunch(ctx, err)
	}
	c.mu.Lock()
	c.killCmd = &types.KillCommand{Pid: pid, HealthPort: c.healthPort}
	c.mu.Unlock()

	if state, ok := c.state.transition(types.TaskStateRunning); !ok {
		return fmt.Errorf("%w: task %s is %s", types.ErrInvalidTransition, c.desc, state)
	}
	c.logger.Info("task running", "pid", pid)

	// Polling starts only once RUNNING so an unhealthy result can always
	// terminate the task.
	c.startHealthPolling()
	return nil
}

// launchScript records the shell's own pid before running the task script
// under a restricted shell with its streams captured in the sandbox.
func (c *Controller) launchScript() string {
	return fmt.Sprintf("echo $$ > %s; %s --restricted %s >%s 2>%s",
		shellQuote(c.paths.PidFile), shellQuote(c.opts.Shell),
		sandbox.RunScriptName, sandbox.StdoutName, sandbox.StderrName)
}

func (c *Controller) startHealthPolling() {
	interval := c.desc.HealthCheckInterval()
	c.mu.Lock()
	defer c.mu.Unlock()
	if interval <= 0 || c.healthPort <= 0 || c.cleanedUp {
		return
	}
	if c.deps.Prober == nil {
		c.logger.Info("health port leased but no prober configured, supervising process exit only")
		return
	}
	c.poller = health.NewPoller(c.deps.Prober, c.healthPort, interval, c.deps.Clock, c.logger, c.onUnhealthy)
	c.poller.Start(context.Background())
}

func (c *Controller) onUnhealthy() {
	c.metrics.healthCheckFailed(context.Background())
	if _, err := c.Terminate(context.Background(), types.TaskStateFailed); err != nil {
		c.logger.Error(err, "failed to terminate unhealthy task")
	}
}

func (c *Controller) reap(cmd *exec.Cmd) {
	defer utilruntime.HandleCrash()

	err := cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
	default:
		c.waitErr = err
	}
	c.mu.Lock()
	c.exitCode = code
	c.mu.Unlock()
	close(c.exited)
}

func (c *Controller) failLaunch(ctx context.Context, cause error) error {
	c.logger.Error(cause, "launch failed")
	c.state.transition(types.TaskStateFailed)
	c.setMessage(cause.Error())
	c.metrics.launchFailed(ctx)

	if c.destroy() {
		<-c.exited
	}
	c.cleanup(ctx)
	return fmt.Errorf("%w: task %s: %w", types.ErrLaunch, c.desc, cause)
}

// WaitFor blocks until the launch shell has exited, decides the terminal
// state from its exit status unless another path already did, and releases
// the task's resources. A cancelled ctx returns early without cleanup.
func (c *Controller) WaitFor(ctx context.Context) (types.TaskState, error) {
	state := c.state.get()
	if state == types.TaskStateStarting {
		return state, fmt.Errorf("%w: task %s", types.ErrNotLaunched, c.desc)
	}

	c.mu.Lock()
	spawned := c.cmd != nil
	c.mu.Unlock()
	if spawned {
		select {
		case <-ctx.Done():
			return c.state.get(), ctx.Err()
		case <-c.exited:
		}
		c.observeExit()
	}

	c.cleanup(ctx)
	return c.state.get(), nil
}

func (c *Controller) observeExit() {
	code := c.ExitCode()
	next := types.TaskStateFinished
	switch {
	case c.waitErr != nil:
		next = types.TaskStateLost
	case code != 0:
		next = types.TaskStateFailed
	}
	if c.state.transitionFrom(types.TaskStateRunning, next) {
		c.logger.Info("process terminated", "exitCode", code, "state", next)
		if c.waitErr != nil {
			c.setMessage(c.waitErr.Error())
		}
	}
}

// Terminate forces the task into target, signals the process through the
// Killer, destroys the launch shell and then waits like WaitFor. It may run
// concurrently with WaitFor and with other Terminate calls; only the first
// transition out of RUNNING counts. Tasks still STARTING are rejected.
func (c *Controller) Terminate(ctx context.Context, target types.TaskState) (types.TaskState, error) {
	if !target.IsTerminal() {
		return c.state.get(), fmt.Errorf("%w: %s is not a terminal state", types.ErrInvalidTransition, target)
	}
	if state := c.state.get(); state == types.TaskStateStarting {
		return state, fmt.Errorf("%w: cannot terminate task %s", types.ErrNotLaunched, c.desc)
	}

	if c.state.transitionFrom(types.TaskStateRunning, target) {
		c.logger.Info("terminating task", "state", target)
		c.setMessage(fmt.Sprintf("terminated as %s", target))
	} else {
		c.logger.V(2).Info("task already terminal", "state", c.state.get(), "requested", target)
	}

	c.mu.Lock()
	killCmd := c.killCmd
	c.mu.Unlock()
	if killCmd != nil && !c.hasExited() {
		if err := c.deps.Killer.Kill(ctx, *killCmd); err != nil {
			c.logger.Error(err, "failed to kill process", "pid", killCmd.Pid)
		}
	}
	c.destroy()

	return c.WaitFor(ctx)
}

func (c *Controller) hasExited() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

// destroy SIGKILLs the launch shell's process group. It reports whether a
// spawned process may still need reaping.
func (c *Controller) destroy() bool {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	if c.hasExited() {
		return true
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		c.logger.V(2).Info("failed to signal process group", "pgid", cmd.Process.Pid, "err", err.Error())
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.V(2).Info("failed to destroy process", "pid", cmd.Process.Pid, "err", err.Error())
	}
	return true
}

// cleanup runs once per task after it reached a terminal state.
func (c *Controller) cleanup(ctx context.Context) {
	c.cleanupOnce.Do(func() {
		now := c.deps.Clock.Now()
		c.mu.Lock()
		poller := c.poller
		leased := c.leasedPorts
		c.leasedPorts = map[string]int{}
		c.finishedAt = &now
		c.cleanedUp = true
		c.mu.Unlock()

		if poller != nil {
			poller.Stop()
		}
		ports.ReleaseAll(c.deps.Leaser, leased)

		state := c.state.get()
		c.logger.Info("task completed", "state", state, "exitCode", c.ExitCode(), "releasedPorts", leased)
		c.metrics.taskCompleted(ctx, string(state))
	})
}

func (c *Controller) setMessage(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.message == "" {
		c.message = msg
	}
}

func (c *Controller) Descriptor() *types.TaskDescriptor {
	return c.desc
}

func (c *Controller) Paths() sandbox.Paths {
	return c.paths
}

func (c *Controller) Status() types.TaskState {
	return c.state.get()
}

func (c *Controller) IsRunning() bool {
	return c.state.get() == types.TaskStateRunning
}

func (c *Controller) IsCompleted() bool {
	return c.state.get().IsTerminal()
}

func (c *Controller) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// ResourceConsumption returns a copy of the ports currently leased by the
// task. It is empty once the task completed.
func (c *Controller) ResourceConsumption() types.ResourceConsumption {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.NewResourceConsumption(c.leasedPorts)
}

func (c *Controller) Snapshot() types.TaskStatus {
	state := c.state.get()
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.TaskStatus{
		TaskID:      c.desc.TaskID,
		Owner:       c.desc.Owner,
		JobName:     c.desc.JobName,
		State:       state,
		ExitCode:    c.exitCode,
		Message:     c.message,
		LeasedPorts: maps.Clone(c.leasedPorts),
		StartedAt:   c.startedAt,
		FinishedAt:  c.finishedAt,
	}
}

func (c *Controller) String() string {
	return c.desc.String()
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
