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
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	store "github.com/isomer/incubator-aurora/internal/task-executor/storage"
)

const (
	WorkDirName   = "sandbox"
	RunScriptName = "run.sh"
	PidFileName   = "pidfile"
	StdoutName    = "stdout"
	StderrName    = "stderr"
)

// Paths is the on-disk layout of one task:
//
//	<root>/<taskId>/task.dump
//	<root>/<taskId>/pidfile
//	<root>/<taskId>/sandbox/{run.sh,<payload>,stdout,stderr}
type Paths struct {
	TaskRoot   string `json:"taskRoot"`
	WorkDir    string `json:"workDir"`
	Descriptor string `json:"descriptor"`
	PidFile    string `json:"pidFile"`
	RunScript  string `json:"runScript"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	// Payload is set once staging has fetched it.
	Payload string `json:"payload,omitempty"`
}

// PathsFor derives the layout of a task from the executor root. The result
// only depends on its arguments.
func PathsFor(executorRoot string, taskID int64) Paths {
	taskRoot := filepath.Join(executorRoot, strconv.FormatInt(taskID, 10))
	workDir := filepath.Join(taskRoot, WorkDirName)
	return Paths{
		TaskRoot:   taskRoot,
		WorkDir:    workDir,
		Descriptor: filepath.Join(taskRoot, store.DescriptorFile),
		PidFile:    filepath.Join(taskRoot, PidFileName),
		RunScript:  filepath.Join(workDir, RunScriptName),
		Stdout:     filepath.Join(workDir, StdoutName),
		Stderr:     filepath.Join(workDir, StderrName),
	}
}

// SafeJoin joins name onto base and refuses results that escape base.
func SafeJoin(base, name string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}
	joined := filepath.Join(absBase, name)
	rel, err := filepath.Rel(absBase, joined)
	if err != nil {
		return "", fmt.Errorf("failed to relate %s to %s: %w", joined, absBase, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", name)
	}
	return joined, nil
}
