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
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/runtime"
	store "github.com/isomer/incubator-aurora/internal/task-executor/storage"
	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run -f task.yaml",
		Short: "Stage and run a single task in the foreground",
		Long: `Stage and run a single task in the foreground and print its final status.
Interrupting the command kills the task. The command fails unless the task
finishes successfully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := readDescriptor(file)
			if err != nil {
				return err
			}
			return runTask(cmd.Context(), opts, desc)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML task descriptor")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readDescriptor(path string) (*types.TaskDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var desc types.TaskDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}

func runTask(ctx context.Context, opts *rootOptions, desc *types.TaskDescriptor) error {
	cfg := opts.cfg
	deps, err := newDependencies(cfg)
	if err != nil {
		return err
	}
	provisioner, err := newProvisioner(cfg, store.NewDescriptorStore())
	if err != nil {
		return err
	}

	paths, err := provisioner.Stage(ctx, desc)
	if err != nil {
		return err
	}
	ctrl, err := runtime.NewController(desc, *paths, deps, runtime.Options{
		Shell:              cfg.Shell,
		PidFileGracePeriod: cfg.PidFileGracePeriod,
	})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Launch(sigCtx); err != nil {
		return err
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
		case <-sigCtx.Done():
			klog.InfoS("interrupted, killing task", "task", desc.String())
			if _, err := ctrl.Terminate(context.Background(), types.TaskStateKilled); err != nil {
				klog.ErrorS(err, "failed to kill task", "task", desc.String())
			}
		}
	}()

	state, err := ctrl.WaitFor(context.Background())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(ctrl.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if state != types.TaskStateFinished {
		return fmt.Errorf("task %s ended in state %s (exit code %d)", desc, state, ctrl.ExitCode())
	}
	return nil
}
