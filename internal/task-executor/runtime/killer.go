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
	"net/http"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

const (
	quitEndpoint  = "quitquitquit"
	abortEndpoint = "abortabortabort"

	maxTreeDepth = 16
)

// ProcessKiller stops a task in escalating steps: the HTTP quit and abort
// endpoints when the task serves them, then SIGTERM and finally SIGKILL to
// the launch shell's process group and every descendant.
type ProcessKiller struct {
	host         string
	client       *http.Client
	gracePeriod  time.Duration
	pollInterval time.Duration
}

func NewProcessKiller(gracePeriod time.Duration) *ProcessKiller {
	return &ProcessKiller{
		host:         "localhost",
		client:       &http.Client{Timeout: 5 * time.Second},
		gracePeriod:  gracePeriod,
		pollInterval: 100 * time.Millisecond,
	}
}

func (k *ProcessKiller) Kill(ctx context.Context, cmd types.KillCommand) error {
	if cmd.Pid <= 0 {
		return fmt.Errorf("%w: invalid pid %d", types.ErrKill, cmd.Pid)
	}
	if !alive(cmd.Pid) {
		klog.V(2).InfoS("process already gone", "pid", cmd.Pid)
		return nil
	}

	if cmd.SupportsHTTPSignals() {
		for _, endpoint := range []string{quitEndpoint, abortEndpoint} {
			if err := k.httpSignal(ctx, cmd.HealthPort, endpoint); err != nil {
				klog.InfoS("http signal failed", "pid", cmd.Pid, "endpoint", endpoint, "err", err.Error())
				continue
			}
			if k.waitExit(ctx, cmd.Pid, k.gracePeriod) {
				klog.InfoS("process exited after http signal", "pid", cmd.Pid, "endpoint", endpoint)
				return nil
			}
		}
	}

	// Collect the tree before signalling, children are reparented once the
	// shell dies.
	tree := descendants(cmd.Pid)

	var errs []error
	if err := signalGroup(cmd.Pid, tree, unix.SIGTERM); err != nil {
		errs = append(errs, err)
	}
	if k.waitExit(ctx, cmd.Pid, k.gracePeriod) {
		klog.InfoS("process exited after SIGTERM", "pid", cmd.Pid)
		signalGroup(cmd.Pid, tree, unix.SIGKILL)
		return nil
	}

	klog.InfoS("process did not exit after grace period, sending SIGKILL", "pid", cmd.Pid, "gracePeriod", k.gracePeriod)
	if err := signalGroup(cmd.Pid, tree, unix.SIGKILL); err != nil {
		errs = append(errs, err)
	}
	if !k.waitExit(ctx, cmd.Pid, k.gracePeriod) {
		errs = append(errs, fmt.Errorf("pid %d still alive after SIGKILL", cmd.Pid))
	}
	if agg := utilerrors.NewAggregate(errs); agg != nil {
		return fmt.Errorf("%w: %w", types.ErrKill, agg)
	}
	return nil
}

func (k *ProcessKiller) httpSignal(ctx context.Context, port int, endpoint string) error {
	url := fmt.Sprintf("http://%s:%d/%s", k.host, port, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// waitExit reports whether pid disappeared within timeout.
func (k *ProcessKiller) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	if timeout <= 0 {
		return !alive(pid)
	}
	err := wait.PollUntilContextTimeout(ctx, k.pollInterval, timeout, true, func(context.Context) (bool, error) {
		return !alive(pid), nil
	})
	return err == nil
}

func alive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// descendants returns the pids below root, deepest last.
func descendants(root int) []int {
	var out []int
	var walk func(p *process.Process, depth int)
	walk = func(p *process.Process, depth int) {
		if depth > maxTreeDepth {
			return
		}
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			out = append(out, int(c.Pid))
			walk(c, depth+1)
		}
	}
	p, err := process.NewProcess(int32(root))
	if err != nil {
		return nil
	}
	walk(p, 0)
	return out
}

// signalGroup signals the process group led by pid and then each pid of tree,
// which catches descendants that moved to their own group.
func signalGroup(pid int, tree []int, sig unix.Signal) error {
	var errs []error
	if err := unix.Kill(-pid, sig); err != nil {
		// the shell may not lead its own group when launched by someone else
		if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
			errs = append(errs, fmt.Errorf("signal %v to pid %d: %w", sig, pid, err))
		}
	}
	for _, child := range tree {
		if err := unix.Kill(child, sig); err != nil && err != unix.ESRCH {
			errs = append(errs, fmt.Errorf("signal %v to pid %d: %w", sig, child, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// OwnsProcess reports whether pid is alive and runs from workDir, which holds
// for a launch shell left behind by an earlier executor. It guards against
// signalling a recycled pid.
func OwnsProcess(pid int, workDir string) bool {
	if pid <= 0 || !alive(pid) {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	cwd, err := p.Cwd()
	if err != nil {
		return false
	}
	return filepath.Clean(cwd) == filepath.Clean(workDir)
}
