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

package ports

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// HealthPortName is the reserved placeholder name of the port a task serves
// its health and shutdown endpoints on.
const HealthPortName = "health"

var placeholderPattern = regexp.MustCompile(`%port:(\w+)%`)

// Expand replaces every %port:NAME% placeholder in template with a port
// leased from leaser. Each name may appear once.
//
// The returned map always holds the ports leased by this call, including when
// an error is returned; releasing them on failure is up to the caller.
func Expand(template string, leaser Leaser) (string, map[string]int, error) {
	leased := make(map[string]int)
	matches := placeholderPattern.FindAllStringSubmatchIndex(template, -1)

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		name := template[m[2]:m[3]]
		if _, dup := leased[name]; dup {
			return "", leased, fmt.Errorf("%w: [%s]", types.ErrDuplicatePortName, name)
		}
		port, err := leaser.Lease()
		if err != nil {
			return "", leased, fmt.Errorf("failed to lease port [%s]: %w", name, err)
		}
		leased[name] = port

		sb.WriteString(template[last:m[0]])
		sb.WriteString(strconv.Itoa(port))
		last = m[1]
	}
	sb.WriteString(template[last:])

	return sb.String(), leased, nil
}

// ReleaseAll returns every port in leased to leaser.
func ReleaseAll(leaser Leaser, leased map[string]int) {
	for _, port := range leased {
		leaser.Release(port)
	}
}
