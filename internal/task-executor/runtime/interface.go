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

//go:generate mockgen -destination=../mocks/mock_runtime.go -package=mocks github.com/isomer/incubator-aurora/internal/task-executor/runtime Killer,PidReader

import (
	"context"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// Killer delivers termination to a launched task.
type Killer interface {
	Kill(ctx context.Context, cmd types.KillCommand) error
}

// PidReader reads the pid the launch shell recorded for itself.
type PidReader interface {
	ReadPid(path string) (int, error)
}
