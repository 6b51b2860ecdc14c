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

import (
	"fmt"
	"maps"
	"time"
)

// TaskState is the lifecycle phase of a supervised task.
type TaskState string

const (
	TaskStateStarting TaskState = "STARTING"
	TaskStateRunning  TaskState = "RUNNING"
	TaskStateFinished TaskState = "FINISHED"
	TaskStateFailed   TaskState = "FAILED"
	TaskStateKilled   TaskState = "KILLED"
	TaskStateLost     TaskState = "LOST"
)

// IsTerminal reports whether no further transition can leave s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateFinished, TaskStateFailed, TaskStateKilled, TaskStateLost:
		return true
	}
	return false
}

// TaskDescriptor is the scheduler-supplied definition of a task. It is never
// mutated once handed to the executor.
type TaskDescriptor struct {
	Owner   string `json:"owner" yaml:"owner"`
	JobName string `json:"jobName" yaml:"jobName"`
	TaskID  int64  `json:"taskId" yaml:"taskId"`

	// StartCommand may embed %port:NAME% placeholders.
	StartCommand string `json:"startCommand" yaml:"startCommand"`
	PayloadURI   string `json:"payloadUri,omitempty" yaml:"payloadUri,omitempty"`

	// HealthCheckIntervalSecs enables health polling when positive and a
	// "health" port is requested by StartCommand.
	HealthCheckIntervalSecs int `json:"healthCheckIntervalSecs,omitempty" yaml:"healthCheckIntervalSecs,omitempty"`
}

func (d *TaskDescriptor) String() string {
	return fmt.Sprintf("%s/%s/%d", d.Owner, d.JobName, d.TaskID)
}

// HealthCheckInterval returns the configured interval, zero when disabled.
func (d *TaskDescriptor) HealthCheckInterval() time.Duration {
	if d.HealthCheckIntervalSecs <= 0 {
		return 0
	}
	return time.Duration(d.HealthCheckIntervalSecs) * time.Second
}

func (d *TaskDescriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("task descriptor cannot be nil")
	}
	if d.Owner == "" {
		return fmt.Errorf("task owner cannot be empty")
	}
	if d.JobName == "" {
		return fmt.Errorf("task job name cannot be empty")
	}
	if d.TaskID < 0 {
		return fmt.Errorf("task id must not be negative, got %d", d.TaskID)
	}
	if d.StartCommand == "" {
		return fmt.Errorf("start command cannot be empty (task %s)", d)
	}
	if d.HealthCheckIntervalSecs < 0 {
		return fmt.Errorf("health check interval must not be negative (task %s)", d)
	}
	return nil
}

// KillCommand identifies what to signal when a task is terminated. It is
// built once per launch from the pid file written by the launch shell.
type KillCommand struct {
	Pid int `json:"pid"`
	// HealthPort is 0 when the task exposes no health endpoint.
	HealthPort int `json:"healthPort,omitempty"`
}

func (k KillCommand) SupportsHTTPSignals() bool {
	return k.HealthPort > 0
}

// ResourceConsumption is a point-in-time copy of the resources held by a task.
type ResourceConsumption struct {
	LeasedPorts map[string]int `json:"leasedPorts"`
}

func NewResourceConsumption(ports map[string]int) ResourceConsumption {
	if ports == nil {
		return ResourceConsumption{LeasedPorts: map[string]int{}}
	}
	return ResourceConsumption{LeasedPorts: maps.Clone(ports)}
}

// TaskStatus is the externally reported view of a task.
type TaskStatus struct {
	TaskID      int64          `json:"taskId"`
	Owner       string         `json:"owner"`
	JobName     string         `json:"jobName"`
	State       TaskState      `json:"state"`
	ExitCode    int            `json:"exitCode,omitempty"`
	Message     string         `json:"message,omitempty"`
	LeasedPorts map[string]int `json:"leasedPorts,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	FinishedAt  *time.Time     `json:"finishedAt,omitempty"`
}
