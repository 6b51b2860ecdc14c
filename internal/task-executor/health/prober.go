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

package health

//go:generate mockgen -destination=../mocks/mock_health.go -package=mocks github.com/isomer/incubator-aurora/internal/task-executor/health Prober

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// Prober checks liveness of a task through the port it serves health on.
type Prober interface {
	Probe(ctx context.Context, port int) (bool, error)
}

// HTTPProber expects GET /health on localhost to answer 200 "ok".
type HTTPProber struct {
	host   string
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		host:   "localhost",
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, port int) (bool, error) {
	url := fmt.Sprintf("http://%s:%d/health", p.host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w", types.ErrProbe, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", types.ErrProbe, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return false, fmt.Errorf("%w: reading %s: %w", types.ErrProbe, url, err)
	}
	return resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == "ok", nil
}
