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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/isomer/incubator-aurora/internal/task-executor/config"
	"github.com/isomer/incubator-aurora/internal/task-executor/fetch"
	"github.com/isomer/incubator-aurora/internal/task-executor/ports"
	"github.com/isomer/incubator-aurora/internal/task-executor/runtime"
	"github.com/isomer/incubator-aurora/internal/task-executor/sandbox"
	store "github.com/isomer/incubator-aurora/internal/task-executor/storage"
	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

type fixture struct {
	root        string
	pool        *ports.Pool
	descriptors *store.DescriptorStore
	mgr         *taskManager
}

func newFixture(clk clock.WithTicker) *fixture {
	root := GinkgoT().TempDir()

	cfg := config.NewConfig()
	cfg.ExecutorRoot = root
	cfg.PidFileGracePeriod = 200 * time.Millisecond
	cfg.ReconcileInterval = time.Second
	cfg.CompletedTaskRetention = time.Minute

	pool, err := ports.NewPool(44000, 44063, false)
	Expect(err).NotTo(HaveOccurred())

	descriptors := store.NewDescriptorStore()
	provisioner, err := sandbox.NewProvisioner(root, fetch.NewDispatcher(fetch.Options{}), descriptors)
	Expect(err).NotTo(HaveOccurred())

	mgr, err := NewTaskManager(cfg, provisioner, descriptors, runtime.Dependencies{
		Leaser:    pool,
		Killer:    runtime.NewProcessKiller(300 * time.Millisecond),
		PidReader: runtime.FilePidReader{},
		Clock:     clk,
	})
	Expect(err).NotTo(HaveOccurred())

	return &fixture{root: root, pool: pool, descriptors: descriptors, mgr: mgr.(*taskManager)}
}

func task(id int64, command string) *types.TaskDescriptor {
	return &types.TaskDescriptor{Owner: "alice", JobName: "hello", TaskID: id, StartCommand: command}
}

func stateOf(mgr TaskManager, id int64) func() types.TaskState {
	return func() types.TaskState {
		status, err := mgr.Get(context.Background(), id)
		if err != nil {
			return ""
		}
		return status.State
	}
}

var _ = Describe("TaskManager", func() {
	var (
		ctx context.Context
		f   *fixture
	)

	BeforeEach(func() {
		ctx = context.Background()
		f = newFixture(clock.RealClock{})
		DeferCleanup(func() {
			_ = f.mgr.Stop()
		})
	})

	Context("NewTaskManager", func() {
		It("rejects missing dependencies", func() {
			_, err := NewTaskManager(nil, nil, nil, runtime.Dependencies{})
			Expect(err).To(HaveOccurred())
			_, err = NewTaskManager(config.NewConfig(), f.mgr.provisioner, nil, runtime.Dependencies{})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Launch", func() {
		It("runs a task to completion", func() {
			status, err := f.mgr.Launch(ctx, task(1, "echo done"))
			Expect(err).NotTo(HaveOccurred())
			Expect(status.TaskID).To(Equal(int64(1)))

			Eventually(stateOf(f.mgr, 1), 10*time.Second, 50*time.Millisecond).Should(Equal(types.TaskStateFinished))
			Expect(filepath.Join(f.root, "1", sandbox.WorkDirName, sandbox.StdoutName)).To(BeAnExistingFile())
		})

		It("reports a failing task", func() {
			_, err := f.mgr.Launch(ctx, task(2, "exit 7"))
			Expect(err).NotTo(HaveOccurred())

			Eventually(stateOf(f.mgr, 2), 10*time.Second, 50*time.Millisecond).Should(Equal(types.TaskStateFailed))
			status, err := f.mgr.Get(ctx, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.ExitCode).To(Equal(7))
		})

		It("rejects a duplicate task id", func() {
			_, err := f.mgr.Launch(ctx, task(3, "sleep 30"))
			Expect(err).NotTo(HaveOccurred())

			_, err = f.mgr.Launch(ctx, task(3, "sleep 30"))
			Expect(err).To(MatchError(types.ErrTaskExists))
		})

		It("rejects an invalid descriptor", func() {
			_, err := f.mgr.Launch(ctx, &types.TaskDescriptor{Owner: "alice", JobName: "hello"})
			Expect(err).To(HaveOccurred())
			Expect(f.mgr.List(ctx)).To(BeEmpty())
		})

		It("reports a launch failure as FAILED without leaking ports", func() {
			_, err := f.mgr.Launch(ctx, task(4, "run %port:http% %port:http%"))
			Expect(err).To(MatchError(types.ErrLaunch))
			Expect(err).To(MatchError(types.ErrDuplicatePortName))

			Expect(stateOf(f.mgr, 4)()).To(Equal(types.TaskStateFailed))
			Expect(f.pool.Leased()).To(BeEmpty())
		})

		It("reports a staging failure as FAILED", func() {
			desc := task(5, "./hello.pex")
			desc.PayloadURI = "file:///nonexistent/hello.pex"
			_, err := f.mgr.Launch(ctx, desc)
			Expect(err).To(MatchError(types.ErrStaging))
			Expect(err).To(MatchError(types.ErrFetch))

			status, err := f.mgr.Get(ctx, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal(types.TaskStateFailed))
			Expect(status.Message).NotTo(BeEmpty())
		})

		It("stages a local payload into the sandbox", func() {
			payload := filepath.Join(GinkgoT().TempDir(), "payload.txt")
			Expect(os.WriteFile(payload, []byte("payload"), 0644)).To(Succeed())

			desc := task(6, "echo started")
			desc.PayloadURI = "file://" + payload
			_, err := f.mgr.Launch(ctx, desc)
			Expect(err).NotTo(HaveOccurred())
			Expect(filepath.Join(f.root, "6", sandbox.WorkDirName, "payload.txt")).To(BeAnExistingFile())
		})
	})

	Context("Kill", func() {
		It("kills a running task and releases its ports", func() {
			_, err := f.mgr.Launch(ctx, task(10, "sleep 30 # %port:http%"))
			Expect(err).NotTo(HaveOccurred())
			Expect(f.pool.Leased()).To(HaveLen(1))

			status, err := f.mgr.Kill(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal(types.TaskStateKilled))
			Expect(status.LeasedPorts).To(BeEmpty())
			Expect(f.pool.Leased()).To(BeEmpty())
		})

		It("keeps the state of a completed task", func() {
			_, err := f.mgr.Launch(ctx, task(11, "true"))
			Expect(err).NotTo(HaveOccurred())
			Eventually(stateOf(f.mgr, 11), 10*time.Second, 50*time.Millisecond).Should(Equal(types.TaskStateFinished))

			status, err := f.mgr.Kill(ctx, 11)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal(types.TaskStateFinished))
		})

		It("returns not found for unknown tasks", func() {
			_, err := f.mgr.Kill(ctx, 404)
			Expect(err).To(MatchError(types.ErrTaskNotFound))
			_, err = f.mgr.Get(ctx, 404)
			Expect(err).To(MatchError(types.ErrTaskNotFound))
		})
	})

	Context("List", func() {
		It("orders tasks by id", func() {
			for _, id := range []int64{22, 20, 21} {
				_, err := f.mgr.Launch(ctx, task(id, "true"))
				Expect(err).NotTo(HaveOccurred())
			}
			statuses, err := f.mgr.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(statuses).To(HaveLen(3))
			Expect([]int64{statuses[0].TaskID, statuses[1].TaskID, statuses[2].TaskID}).To(Equal([]int64{20, 21, 22}))
		})
	})

	Context("Stop", func() {
		It("kills every running task", func() {
			for _, id := range []int64{30, 31} {
				_, err := f.mgr.Launch(ctx, task(id, "sleep 30"))
				Expect(err).NotTo(HaveOccurred())
			}
			f.mgr.Start(ctx)
			Expect(f.mgr.Stop()).To(Succeed())

			Expect(stateOf(f.mgr, 30)()).To(Equal(types.TaskStateKilled))
			Expect(stateOf(f.mgr, 31)()).To(Equal(types.TaskStateKilled))
			Expect(f.mgr.Stop()).To(Succeed())
		})
	})
})

var _ = Describe("TaskManager recovery", func() {
	var (
		ctx context.Context
		fc  *testingclock.FakeClock
		f   *fixture
	)

	BeforeEach(func() {
		ctx = context.Background()
		fc = testingclock.NewFakeClock(time.Now())
		f = newFixture(fc)
		DeferCleanup(func() {
			_ = f.mgr.Stop()
		})
	})

	stageOnDisk := func(id int64) sandbox.Paths {
		paths := sandbox.PathsFor(f.root, id)
		Expect(os.MkdirAll(paths.WorkDir, 0755)).To(Succeed())
		Expect(f.descriptors.Write(paths.TaskRoot, task(id, "sleep 30"))).To(Succeed())
		return paths
	}

	It("reports leftover tasks as LOST", func() {
		stageOnDisk(40)
		f.mgr.Start(ctx)

		status, err := f.mgr.Get(ctx, 40)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(types.TaskStateLost))
		Expect(status.Message).To(ContainSubstring("outcome unknown"))
	})

	It("kills a process left running in a sandbox", func() {
		paths := stageOnDisk(41)

		orphan := exec.Command("bash", "-c", "sleep 30")
		orphan.Dir = paths.WorkDir
		Expect(orphan.Start()).To(Succeed())
		exited := make(chan struct{})
		go func() {
			_ = orphan.Wait()
			close(exited)
		}()
		DeferCleanup(func() {
			_ = orphan.Process.Kill()
			<-exited
		})
		Expect(os.WriteFile(paths.PidFile, []byte(fmt.Sprintf("%d\n", orphan.Process.Pid)), 0644)).To(Succeed())

		f.mgr.Start(ctx)

		Eventually(exited, 10*time.Second).Should(BeClosed())
		status, err := f.mgr.Get(ctx, 41)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(types.TaskStateLost))
		Expect(status.Message).To(ContainSubstring("killed orphaned process"))
	})

	It("ignores a pid that does not belong to the sandbox", func() {
		paths := stageOnDisk(42)
		Expect(os.WriteFile(paths.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)).To(Succeed())

		f.mgr.Start(ctx)
		status, err := f.mgr.Get(ctx, 42)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Message).To(ContainSubstring("outcome unknown"))
	})

	It("prunes completed tasks after the retention window", func() {
		paths := stageOnDisk(43)
		f.mgr.Start(ctx)
		Expect(stateOf(f.mgr, 43)()).To(Equal(types.TaskStateLost))

		Eventually(fc.HasWaiters, 5*time.Second, 10*time.Millisecond).Should(BeTrue())
		fc.Step(30 * time.Second)
		Consistently(stateOf(f.mgr, 43), 200*time.Millisecond, 20*time.Millisecond).Should(Equal(types.TaskStateLost))

		fc.Step(time.Minute)
		Eventually(func() error {
			_, err := f.mgr.Get(ctx, 43)
			return err
		}, 5*time.Second, 20*time.Millisecond).Should(MatchError(types.ErrTaskNotFound))
		Eventually(paths.TaskRoot, 5*time.Second).ShouldNot(BeADirectory())
	})
})
