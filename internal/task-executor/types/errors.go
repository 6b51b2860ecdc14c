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

package types

import "errors"

var (
	// ErrStaging marks failures preparing a sandbox. The task never starts.
	ErrStaging = errors.New("staging failed")
	// ErrFetch marks a payload fetch failure.
	ErrFetch = errors.New("payload fetch failed")
	// ErrDuplicatePortName is returned when a start command requests the same
	// named port more than once.
	ErrDuplicatePortName = errors.New("port requested multiple times")
	// ErrLeaseExhausted is returned when no port is left to lease.
	ErrLeaseExhausted = errors.New("no ports available to lease")
	// ErrLaunch marks failures between command expansion and the RUNNING state.
	ErrLaunch = errors.New("launch failed")
	// ErrReadPid is returned when the pid file cannot be read or parsed.
	ErrReadPid = errors.New("failed to read pid file")
	// ErrProbe marks a health probe that could not complete.
	ErrProbe = errors.New("health probe failed")
	// ErrKill marks a kill signal that could not be delivered.
	ErrKill = errors.New("kill failed")
	// ErrNotLaunched is returned by operations that need a launched process.
	ErrNotLaunched = errors.New("task has not been launched")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTaskExists        = errors.New("task already exists")
	ErrTaskNotFound      = errors.New("task not found")
)
