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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/manager"
	"github.com/isomer/incubator-aurora/internal/task-executor/types"
	api "github.com/isomer/incubator-aurora/pkg/task-executor"
)

type Handler struct {
	manager manager.TaskManager
}

func NewHandler(mgr manager.TaskManager) *Handler {
	if mgr == nil {
		klog.Warning("TaskManager is nil, handler may not work properly")
	}
	return &Handler{manager: mgr}
}

func (h *Handler) LaunchTask(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		writeError(w, http.StatusInternalServerError, "task manager not initialized")
		return
	}

	var apiTask api.Task
	if err := json.NewDecoder(r.Body).Decode(&apiTask); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	desc := convertAPIToDescriptor(&apiTask)
	if err := desc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.manager.Launch(r.Context(), desc)
	if err != nil {
		klog.ErrorS(err, "failed to launch task", "task", desc.String())
		writeError(w, statusCodeFor(err), fmt.Sprintf("failed to launch task: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, convertStatusToAPI(status))
	klog.InfoS("task launched via API", "task", desc.String())
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		writeError(w, http.StatusInternalServerError, "task manager not initialized")
		return
	}

	id, ok := taskID(w, r)
	if !ok {
		return
	}

	status, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, convertStatusToAPI(status))
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		writeError(w, http.StatusInternalServerError, "task manager not initialized")
		return
	}

	statuses, err := h.manager.List(r.Context())
	if err != nil {
		klog.ErrorS(err, "failed to list tasks")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list tasks: %v", err))
		return
	}

	response := make([]api.TaskStatus, 0, len(statuses))
	for _, status := range statuses {
		if status != nil {
			response = append(response, *convertStatusToAPI(status))
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// KillTask terminates a task and responds with its final status.
func (h *Handler) KillTask(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		writeError(w, http.StatusInternalServerError, "task manager not initialized")
		return
	}

	id, ok := taskID(w, r)
	if !ok {
		return
	}

	status, err := h.manager.Kill(r.Context(), id)
	if err != nil {
		klog.ErrorS(err, "failed to kill task", "id", id)
		writeError(w, statusCodeFor(err), fmt.Sprintf("failed to kill task: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, convertStatusToAPI(status))
	klog.InfoS("task killed via API", "id", id, "state", status.State)
}

// Health answers in the same format the executor expects from task health
// endpoints.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid task id %q", raw))
		return 0, false
	}
	return id, true
}

func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, types.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrTaskExists), errors.Is(err, types.ErrNotLaunched):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, api.ErrorResponse{
		Code:    http.StatusText(code),
		Message: message,
	})
}

func convertAPIToDescriptor(task *api.Task) *types.TaskDescriptor {
	return &types.TaskDescriptor{
		Owner:                   task.Owner,
		JobName:                 task.JobName,
		TaskID:                  task.TaskID,
		StartCommand:            task.StartCommand,
		PayloadURI:              task.PayloadURI,
		HealthCheckIntervalSecs: task.HealthCheckIntervalSecs,
	}
}

func convertStatusToAPI(status *types.TaskStatus) *api.TaskStatus {
	if status == nil {
		return nil
	}
	out := &api.TaskStatus{
		TaskID:      status.TaskID,
		Owner:       status.Owner,
		JobName:     status.JobName,
		State:       string(status.State),
		ExitCode:    int32(status.ExitCode),
		Message:     status.Message,
		LeasedPorts: status.LeasedPorts,
	}
	if status.StartedAt != nil {
		t := metav1.NewTime(*status.StartedAt)
		out.StartedAt = &t
	}
	if status.FinishedAt != nil {
		t := metav1.NewTime(*status.FinishedAt)
		out.FinishedAt = &t
	}
	return out
}
