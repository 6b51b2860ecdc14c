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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// FilePidReader parses a file holding a single decimal pid.
type FilePidReader struct{}

func (FilePidReader) ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrReadPid, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", types.ErrReadPid, path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: %s: invalid pid %d", types.ErrReadPid, path, pid)
	}
	return pid, nil
}
