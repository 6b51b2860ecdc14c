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

//go:generate mockgen -destination=../mocks/mock_manager.go -package=mocks github.com/isomer/incubator-aurora/internal/task-executor/manager TaskManager

import (
	"context"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// TaskManager owns the controllers of every task assigned to this executor.
type TaskManager interface {
	// Launch stages and launches a task. The task is supervised until it
	// reaches a terminal state; the returned status is taken right after
	// launch.
	Launch(ctx context.Context, desc *types.TaskDescriptor) (*types.TaskStatus, error)

	Get(ctx context.Context, id int64) (*types.TaskStatus, error)

	// List returns all known tasks ordered by id.
	List(ctx context.Context) ([]*types.TaskStatus, error)

	// Kill terminates a task as KILLED and returns its final status.
	Kill(ctx context.Context, id int64) (*types.TaskStatus, error)

	// Start recovers tasks left on disk and starts the reconcile loop.
	Start(ctx context.Context)

	// Stop kills every running task and stops the reconcile loop.
	Stop() error
}
