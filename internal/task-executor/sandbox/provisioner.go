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

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/fetch"
	store "github.com/isomer/incubator-aurora/internal/task-executor/storage"
	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// Provisioner prepares the on-disk sandbox of a task before launch.
type Provisioner struct {
	executorRoot string
	fetcher      fetch.Fetcher
	store        *store.DescriptorStore
}

func NewProvisioner(executorRoot string, fetcher fetch.Fetcher, descriptors *store.DescriptorStore) (*Provisioner, error) {
	if executorRoot == "" {
		return nil, fmt.Errorf("executor root cannot be empty")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if descriptors == nil {
		descriptors = store.NewDescriptorStore()
	}
	root, err := filepath.Abs(executorRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executor root %s: %w", executorRoot, err)
	}
	return &Provisioner{executorRoot: root, fetcher: fetcher, store: descriptors}, nil
}

func (p *Provisioner) ExecutorRoot() string {
	return p.executorRoot
}

// Stage creates the task directories, records the descriptor and fetches the
// payload. Staging the same task id twice fails because the task root
// already exists.
func (p *Provisioner) Stage(ctx context.Context, desc *types.TaskDescriptor) (*Paths, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStaging, err)
	}
	klog.InfoS("staging task", "owner", desc.Owner, "job", desc.JobName, "taskId", desc.TaskID)

	paths := PathsFor(p.executorRoot, desc.TaskID)
	if err := os.MkdirAll(p.executorRoot, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create executor root: %w", types.ErrStaging, err)
	}
	if err := os.Mkdir(paths.TaskRoot, 0755); err != nil {
		klog.ErrorS(err, "failed to create task root", "dir", paths.TaskRoot)
		return nil, fmt.Errorf("%w: failed to create task directory: %w", types.ErrStaging, err)
	}
	if err := os.Mkdir(paths.WorkDir, 0755); err != nil {
		klog.ErrorS(err, "failed to create sandbox directory", "dir", paths.WorkDir)
		return nil, fmt.Errorf("%w: failed to create sandbox directory: %w", types.ErrStaging, err)
	}

	if err := p.store.Write(paths.TaskRoot, desc); err != nil {
		klog.ErrorS(err, "failed to record task descriptor", "task", desc.String())
	}

	if desc.PayloadURI == "" {
		klog.V(2).InfoS("task has no payload", "task", desc.String())
		return &paths, nil
	}

	klog.InfoS("fetching payload", "task", desc.String(), "source", desc.PayloadURI)
	payload, err := p.fetcher.Fetch(ctx, desc.PayloadURI, paths.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch task binary: %w", types.ErrStaging, err)
	}
	// Fetchers may report the payload relative to WorkDir or as an absolute
	// path; either way it has to stay inside WorkDir.
	if filepath.IsAbs(payload) {
		if payload, err = filepath.Rel(paths.WorkDir, payload); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrStaging, err)
		}
	}
	if payload, err = SafeJoin(paths.WorkDir, payload); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStaging, err)
	}
	if _, err := os.Stat(payload); err != nil {
		return nil, fmt.Errorf("%w: payload does not exist after fetch: %s -> %s: %w",
			types.ErrStaging, desc.PayloadURI, payload, err)
	}
	paths.Payload = payload

	klog.InfoS("task staged", "task", desc.String(), "sandbox", paths.WorkDir, "payload", payload)
	return &paths, nil
}
