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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isomer/incubator-aurora/internal/task-executor/mocks"
	"github.com/isomer/incubator-aurora/internal/task-executor/types"
	api "github.com/isomer/incubator-aurora/pkg/task-executor"
)

func newTestServer(t *testing.T) (*mocks.MockTaskManager, *httptest.Server) {
	ctrl := gomock.NewController(t)
	mgr := mocks.NewMockTaskManager(ctrl)
	srv := httptest.NewServer(NewRouter(NewHandler(mgr)))
	t.Cleanup(srv.Close)
	return mgr, srv
}

func runningStatus(id int64) *types.TaskStatus {
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &types.TaskStatus{
		TaskID:      id,
		Owner:       "alice",
		JobName:     "hello",
		State:       types.TaskStateRunning,
		LeasedPorts: map[string]int{"http": 31001},
		StartedAt:   &started,
	}
}

func decodeError(t *testing.T, resp *http.Response) api.ErrorResponse {
	t.Helper()
	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestLaunchTask(t *testing.T) {
	mgr, srv := newTestServer(t)
	mgr.EXPECT().Launch(gomock.Any(), &types.TaskDescriptor{
		Owner: "alice", JobName: "hello", TaskID: 1, StartCommand: "./hello --port=%port:http%",
	}).Return(runningStatus(1), nil)

	body := `{"owner":"alice","jobName":"hello","taskId":1,"startCommand":"./hello --port=%port:http%"}`
	resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var status api.TaskStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, 31001, status.LeasedPorts["http"])
	require.NotNil(t, status.StartedAt)
	assert.True(t, status.StartedAt.Time.Equal(*runningStatus(1).StartedAt))
}

func TestLaunchTask_BadRequests(t *testing.T) {
	_, srv := newTestServer(t)

	for name, body := range map[string]string{
		"malformed":     `{"owner":`,
		"missing owner": `{"jobName":"hello","taskId":1,"startCommand":"true"}`,
		"empty command": `{"owner":"alice","jobName":"hello","taskId":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, http.StatusText(http.StatusBadRequest), decodeError(t, resp).Code)
		})
	}
}

func TestLaunchTask_Conflict(t *testing.T) {
	mgr, srv := newTestServer(t)
	mgr.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("%w: 1", types.ErrTaskExists))

	body := `{"owner":"alice","jobName":"hello","taskId":1,"startCommand":"true"}`
	resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLaunchTask_LaunchFailure(t *testing.T) {
	mgr, srv := newTestServer(t)
	mgr.EXPECT().Launch(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: %w", types.ErrLaunch, types.ErrDuplicatePortName))

	body := `{"owner":"alice","jobName":"hello","taskId":1,"startCommand":"run %port:a% %port:a%"}`
	resp, err := http.Post(srv.URL+"/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Message, "port requested multiple times")
}

func TestGetTask(t *testing.T) {
	mgr, srv := newTestServer(t)
	mgr.EXPECT().Get(gomock.Any(), int64(7)).Return(runningStatus(7), nil)
	mgr.EXPECT().Get(gomock.Any(), int64(8)).Return(nil, fmt.Errorf("%w: 8", types.ErrTaskNotFound))

	resp, err := http.Get(srv.URL + "/tasks/7")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tasks/8")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tasks/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKillTask(t *testing.T) {
	mgr, srv := newTestServer(t)
	killed := runningStatus(7)
	killed.State = types.TaskStateKilled
	killed.LeasedPorts = nil
	mgr.EXPECT().Kill(gomock.Any(), int64(7)).Return(killed, nil)
	mgr.EXPECT().Kill(gomock.Any(), int64(9)).Return(nil, fmt.Errorf("%w: still staging", types.ErrNotLaunched))

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/7", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status api.TaskStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "KILLED", status.State)
	assert.Empty(t, status.LeasedPorts)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/tasks/9", nil)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestClientRoundTrip(t *testing.T) {
	mgr, srv := newTestServer(t)
	client := api.NewClient(srv.URL + "/")
	ctx := context.Background()

	gomock.InOrder(
		mgr.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(runningStatus(3), nil),
		mgr.EXPECT().List(gomock.Any()).Return([]*types.TaskStatus{runningStatus(3)}, nil),
		mgr.EXPECT().Get(gomock.Any(), int64(4)).Return(nil, fmt.Errorf("%w: 4", types.ErrTaskNotFound)),
		mgr.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("%w: 3", types.ErrTaskExists)),
	)

	status, err := client.Launch(ctx, &api.Task{Owner: "alice", JobName: "hello", TaskID: 3, StartCommand: "true"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.TaskID)

	statuses, err := client.List(ctx)
	require.NoError(t, err)
	assert.Len(t, statuses, 1)

	_, err = client.Get(ctx, 4)
	assert.True(t, api.IsNotFound(err))

	_, err = client.Launch(ctx, &api.Task{Owner: "alice", JobName: "hello", TaskID: 3, StartCommand: "true"})
	assert.True(t, api.IsConflict(err))

	assert.NoError(t, client.Health(ctx))
}
