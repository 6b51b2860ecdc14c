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

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// DescriptorFile is the name of the descriptor dump inside a task root.
const DescriptorFile = "task.dump"

// StoredTask is a descriptor found on disk together with the task root it
// was read from.
type StoredTask struct {
	TaskRoot   string
	Descriptor *types.TaskDescriptor
}

// DescriptorStore persists task descriptors for audit and crash recovery.
// The executor does not need them to run a task.
type DescriptorStore struct {
	locks sync.Map // key: task root, value: *sync.RWMutex
}

func NewDescriptorStore() *DescriptorStore {
	return &DescriptorStore{}
}

func (s *DescriptorStore) lockFor(taskRoot string) *sync.RWMutex {
	val, _ := s.locks.LoadOrStore(filepath.Clean(taskRoot), &sync.RWMutex{})
	return val.(*sync.RWMutex)
}

// Write stores desc under taskRoot atomically using temp file + rename.
func (s *DescriptorStore) Write(taskRoot string, desc *types.TaskDescriptor) error {
	if desc == nil {
		return fmt.Errorf("descriptor cannot be nil")
	}
	mu := s.lockFor(taskRoot)
	mu.Lock()
	defer mu.Unlock()

	data, err := yaml.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", desc, err)
	}

	target := filepath.Join(taskRoot, DescriptorFile)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *DescriptorStore) Read(taskRoot string) (*types.TaskDescriptor, error) {
	mu := s.lockFor(taskRoot)
	mu.RLock()
	defer mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(taskRoot, DescriptorFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read task descriptor: %w", err)
	}
	var desc types.TaskDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to decode task descriptor: %w", err)
	}
	return &desc, nil
}

// List returns every descriptor stored directly below executorRoot.
// Unreadable entries are logged and skipped.
func (s *DescriptorStore) List(executorRoot string) ([]StoredTask, error) {
	entries, err := os.ReadDir(executorRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read executor root: %w", err)
	}

	tasks := make([]StoredTask, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskRoot := filepath.Join(executorRoot, entry.Name())
		desc, err := s.Read(taskRoot)
		if err != nil {
			klog.ErrorS(err, "skipping task directory", "dir", taskRoot)
			continue
		}
		tasks = append(tasks, StoredTask{TaskRoot: taskRoot, Descriptor: desc})
	}
	return tasks, nil
}
