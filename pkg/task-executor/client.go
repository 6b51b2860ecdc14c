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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		klog.Warning("baseURL is empty, client may not work properly")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Kill waits for the task to stop, which can take a few grace periods.
			Timeout: 2 * time.Minute,
		},
	}
}

// Launch assigns a task to the executor.
func (c *Client) Launch(ctx context.Context, task *Task) (*TaskStatus, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	var status TaskStatus
	if err := c.do(ctx, http.MethodPost, "/tasks", data, http.StatusCreated, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Get(ctx context.Context, id int64) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.do(ctx, http.MethodGet, taskPath(id), nil, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) List(ctx context.Context) ([]TaskStatus, error) {
	var statuses []TaskStatus
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, http.StatusOK, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// Kill terminates a task and returns its final status.
func (c *Client) Kill(ctx context.Context, id int64) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.do(ctx, http.MethodDelete, taskPath(id), nil, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health checks that the executor is serving.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

func taskPath(id int64) string {
	return "/tasks/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, expected int, out any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		raw, _ := io.ReadAll(resp.Body)
		se := &StatusError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, &se.ErrorResponse); err != nil {
			se.Code = http.StatusText(resp.StatusCode)
			se.Message = strings.TrimSpace(string(raw))
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
