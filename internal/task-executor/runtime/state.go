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
	"sync/atomic"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

var transitions = map[types.TaskState]sets.Set[types.TaskState]{
	types.TaskStateStarting: sets.New(types.TaskStateRunning, types.TaskStateFailed),
	types.TaskStateRunning: sets.New(
		types.TaskStateFinished,
		types.TaskStateFailed,
		types.TaskStateKilled,
		types.TaskStateLost,
	),
}

func validTransition(from, to types.TaskState) bool {
	return transitions[from].Has(to)
}

// stateMachine holds a TaskState that only moves along the transitions
// table. Writers race with compare-and-swap; exactly one wins each edge.
type stateMachine struct {
	v atomic.Value
}

func newStateMachine() *stateMachine {
	sm := &stateMachine{}
	sm.v.Store(types.TaskStateStarting)
	return sm
}

func (sm *stateMachine) get() types.TaskState {
	return sm.v.Load().(types.TaskState)
}

// transition moves to `to` if that edge is valid from the current state.
// It returns the state observed after the attempt and whether this caller
// performed the move.
func (sm *stateMachine) transition(to types.TaskState) (types.TaskState, bool) {
	for {
		cur := sm.get()
		if !validTransition(cur, to) {
			return cur, false
		}
		if sm.v.CompareAndSwap(cur, to) {
			return to, true
		}
	}
}

// transitionFrom is transition restricted to a single source state.
func (sm *stateMachine) transitionFrom(from, to types.TaskState) bool {
	if !validTransition(from, to) {
		return false
	}
	return sm.v.CompareAndSwap(from, to)
}
