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

package task_executor

import (
	"errors"
	"fmt"
	"net/http"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Task is the wire form of a task assignment.
type Task struct {
	Owner   string `json:"owner" yaml:"owner"`
	JobName string `json:"jobName" yaml:"jobName"`
	TaskID  int64  `json:"taskId" yaml:"taskId"`

	// StartCommand may embed %port:NAME% placeholders which the executor
	// replaces with leased ports. A port named "health" enables health
	// checking when HealthCheckIntervalSecs is positive.
	StartCommand            string `json:"startCommand" yaml:"startCommand"`
	PayloadURI              string `json:"payloadUri,omitempty" yaml:"payloadUri,omitempty"`
	HealthCheckIntervalSecs int    `json:"healthCheckIntervalSecs,omitempty" yaml:"healthCheckIntervalSecs,omitempty"`
}

// TaskStatus reports the state of a task as seen by the executor.
type TaskStatus struct {
	TaskID      int64          `json:"taskId"`
	Owner       string         `json:"owner"`
	JobName     string         `json:"jobName"`
	State       string         `json:"state"`
	ExitCode    int32          `json:"exitCode,omitempty"`
	Message     string         `json:"message,omitempty"`
	LeasedPorts map[string]int `json:"leasedPorts,omitempty"`
	StartedAt   *metav1.Time   `json:"startedAt,omitempty"`
	FinishedAt  *metav1.Time   `json:"finishedAt,omitempty"`
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusError is returned by Client for non-success responses.
type StatusError struct {
	StatusCode int
	ErrorResponse
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("server error: status=%d, %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
