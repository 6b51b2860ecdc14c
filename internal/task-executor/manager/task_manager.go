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

package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/isomer/incubator-aurora/internal/task-executor/config"
	"github.com/isomer/incubator-aurora/internal/task-executor/runtime"
	"github.com/isomer/incubator-aurora/internal/task-executor/sandbox"
	store "github.com/isomer/incubator-aurora/internal/task-executor/storage"
	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// taskEntry tracks one task id. ctrl is nil while the task is staging, when
// staging failed and for tasks recovered from disk; status is reported then.
type taskEntry struct {
	desc   *types.TaskDescriptor
	paths  sandbox.Paths
	ctrl   *runtime.Controller
	status types.TaskStatus
}

type taskManager struct {
	mu    sync.RWMutex
	tasks map[int64]*taskEntry

	provisioner *sandbox.Provisioner
	descriptors *store.DescriptorStore
	deps        runtime.Dependencies
	opts        runtime.Options
	config      *config.Config
	clock       clock.WithTicker

	// supervisors counts goroutines waiting on launched controllers.
	supervisors sync.WaitGroup

	// Reconcile loop control
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTaskManager creates a new task manager instance.
func NewTaskManager(cfg *config.Config, provisioner *sandbox.Provisioner, descriptors *store.DescriptorStore, deps runtime.Dependencies) (TaskManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if provisioner == nil {
		return nil, fmt.Errorf("provisioner cannot be nil")
	}
	if deps.Leaser == nil || deps.Killer == nil || deps.PidReader == nil {
		return nil, fmt.Errorf("leaser, killer and pid reader are required")
	}
	if descriptors == nil {
		descriptors = store.NewDescriptorStore()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	return &taskManager{
		tasks:       make(map[int64]*taskEntry),
		provisioner: provisioner,
		descriptors: descriptors,
		deps:        deps,
		opts: runtime.Options{
			Shell:              cfg.Shell,
			PidFileGracePeriod: cfg.PidFileGracePeriod,
		},
		config: cfg,
		clock:  deps.Clock,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

func (m *taskManager) Launch(ctx context.Context, desc *types.TaskDescriptor) (*types.TaskStatus, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.tasks[desc.TaskID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", types.ErrTaskExists, desc.TaskID)
	}
	// Reserve the id so a concurrent launch of the same task is rejected
	// while this one stages.
	entry := &taskEntry{
		desc:  desc,
		paths: sandbox.PathsFor(m.provisioner.ExecutorRoot(), desc.TaskID),
		status: types.TaskStatus{
			TaskID:  desc.TaskID,
			Owner:   desc.Owner,
			JobName: desc.JobName,
			State:   types.TaskStateStarting,
		},
	}
	m.tasks[desc.TaskID] = entry
	m.mu.Unlock()

	paths, err := m.provisioner.Stage(ctx, desc)
	if err != nil {
		klog.ErrorS(err, "failed to stage task", "task", desc.String())
		m.failEntry(entry, err)
		return m.snapshot(entry), err
	}
	ctrl, err := runtime.NewController(desc, *paths, m.deps, m.opts)
	if err != nil {
		m.failEntry(entry, err)
		return m.snapshot(entry), err
	}
	m.mu.Lock()
	entry.paths = *paths
	entry.ctrl = ctrl
	m.mu.Unlock()

	if err := ctrl.Launch(ctx); err != nil {
		return m.snapshot(entry), err
	}

	m.supervisors.Add(1)
	go m.supervise(ctrl)

	klog.InfoS("task launched", "task", desc.String())
	return m.snapshot(entry), nil
}

func (m *taskManager) supervise(ctrl *runtime.Controller) {
	defer m.supervisors.Done()
	defer utilruntime.HandleCrash()

	state, err := ctrl.WaitFor(context.Background())
	if err != nil {
		klog.ErrorS(err, "failed waiting for task", "task", ctrl.String())
		return
	}
	klog.InfoS("task reached terminal state", "task", ctrl.String(), "state", state, "exitCode", ctrl.ExitCode())
}

func (m *taskManager) failEntry(entry *taskEntry, err error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.status.State = types.TaskStateFailed
	entry.status.Message = err.Error()
	entry.status.FinishedAt = &now
}

func (m *taskManager) snapshot(entry *taskEntry) *types.TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(entry)
}

func (m *taskManager) snapshotLocked(entry *taskEntry) *types.TaskStatus {
	if entry.ctrl != nil {
		status := entry.ctrl.Snapshot()
		return &status
	}
	status := entry.status
	return &status
}

func (m *taskManager) Get(ctx context.Context, id int64) (*types.TaskStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", types.ErrTaskNotFound, id)
	}
	return m.snapshotLocked(entry), nil
}

func (m *taskManager) List(ctx context.Context) ([]*types.TaskStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]*types.TaskStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.snapshotLocked(m.tasks[id]))
	}
	return out, nil
}

func (m *taskManager) Kill(ctx context.Context, id int64) (*types.TaskStatus, error) {
	m.mu.RLock()
	entry, exists := m.tasks[id]
	var ctrl *runtime.Controller
	if exists {
		ctrl = entry.ctrl
	}
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %d", types.ErrTaskNotFound, id)
	}
	if ctrl == nil {
		status := m.snapshot(entry)
		if !status.State.IsTerminal() {
			return status, fmt.Errorf("%w: task %d is still staging", types.ErrNotLaunched, id)
		}
		return status, nil
	}

	klog.InfoS("killing task", "task", ctrl.String())
	if _, err := ctrl.Terminate(ctx, types.TaskStateKilled); err != nil {
		return m.snapshot(entry), err
	}
	return m.snapshot(entry), nil
}

// Start initializes the manager, recovers tasks from disk, and starts the reconcile loop.
func (m *taskManager) Start(ctx context.Context) {
	klog.InfoS("starting task manager", "root", m.config.ExecutorRoot)

	if err := m.recoverTasks(ctx); err != nil {
		klog.ErrorS(err, "failed to recover tasks from disk")
	}

	m.started.Store(true)
	go m.reconcileLoop(ctx)

	klog.InfoS("task manager started")
}

// Stop stops the reconcile loop and kills every running task.
func (m *taskManager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		klog.InfoS("stopping task manager")
		close(m.stopCh)
		if m.started.Load() {
			<-m.doneCh
		}
		err = m.killAll()
		m.supervisors.Wait()
		klog.InfoS("task manager stopped")
	})
	return err
}

func (m *taskManager) killAll() error {
	m.mu.RLock()
	var running []*runtime.Controller
	for _, entry := range m.tasks {
		if entry.ctrl != nil && !entry.ctrl.IsCompleted() {
			running = append(running, entry.ctrl)
		}
	}
	m.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ctrl := range running {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ctrl.Terminate(context.Background(), types.TaskStateKilled); err != nil {
				if errors.Is(err, types.ErrNotLaunched) {
					klog.InfoS("task still launching during shutdown", "task", ctrl.String())
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("failed to kill task %s: %w", ctrl, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return utilerrors.NewAggregate(errs)
}

// recoverTasks reports task directories left by an earlier executor as LOST.
// A launch shell that is still running from its sandbox is killed.
func (m *taskManager) recoverTasks(ctx context.Context) error {
	klog.InfoS("recovering tasks from disk")

	stored, err := m.descriptors.List(m.config.ExecutorRoot)
	if err != nil {
		return fmt.Errorf("failed to list task directories: %w", err)
	}

	recovered := 0
	for _, st := range stored {
		desc := st.Descriptor
		paths := sandbox.PathsFor(m.config.ExecutorRoot, desc.TaskID)
		if paths.TaskRoot != st.TaskRoot {
			klog.InfoS("skipping task directory that does not match its descriptor", "dir", st.TaskRoot, "taskId", desc.TaskID)
			continue
		}

		m.mu.RLock()
		_, exists := m.tasks[desc.TaskID]
		m.mu.RUnlock()
		if exists {
			continue
		}

		message := "executor restarted, task outcome unknown"
		if pid, err := m.deps.PidReader.ReadPid(paths.PidFile); err == nil && runtime.OwnsProcess(pid, paths.WorkDir) {
			klog.InfoS("killing process left by previous executor", "task", desc.String(), "pid", pid)
			if err := m.deps.Killer.Kill(ctx, types.KillCommand{Pid: pid}); err != nil {
				klog.ErrorS(err, "failed to kill orphaned process", "task", desc.String(), "pid", pid)
			}
			message = fmt.Sprintf("executor restarted, killed orphaned process %d", pid)
		}

		now := m.clock.Now()
		m.mu.Lock()
		m.tasks[desc.TaskID] = &taskEntry{
			desc:  desc,
			paths: paths,
			status: types.TaskStatus{
				TaskID:     desc.TaskID,
				Owner:      desc.Owner,
				JobName:    desc.JobName,
				State:      types.TaskStateLost,
				Message:    message,
				FinishedAt: &now,
			},
		}
		m.mu.Unlock()
		recovered++
		klog.InfoS("recovered task", "task", desc.String(), "state", types.TaskStateLost)
	}

	klog.InfoS("task recovery completed", "count", recovered)
	return nil
}

// reconcileLoop periodically prunes completed tasks.
func (m *taskManager) reconcileLoop(ctx context.Context) {
	defer close(m.doneCh)
	defer utilruntime.HandleCrash()

	ticker := m.clock.NewTicker(m.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			m.reconcileTasks()
		case <-m.stopCh:
			klog.InfoS("reconcile loop stopped")
			return
		case <-ctx.Done():
			klog.InfoS("reconcile loop context cancelled")
			return
		}
	}
}

// reconcileTasks forgets tasks that completed longer than the retention
// window ago and removes their directories.
func (m *taskManager) reconcileTasks() {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*taskEntry
	for id, entry := range m.tasks {
		status := m.snapshotLocked(entry)
		if !status.State.IsTerminal() || status.FinishedAt == nil {
			continue
		}
		if now.Sub(*status.FinishedAt) < m.config.CompletedTaskRetention {
			continue
		}
		delete(m.tasks, id)
		expired = append(expired, entry)
	}
	m.mu.Unlock()

	for _, entry := range expired {
		if err := os.RemoveAll(entry.paths.TaskRoot); err != nil {
			klog.ErrorS(err, "failed to remove task directory", "task", entry.desc.String(), "dir", entry.paths.TaskRoot)
			continue
		}
		klog.InfoS("pruned completed task", "task", entry.desc.String())
	}
}
