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

//go:generate mockgen -destination=../mocks/mock_ports.go -package=mocks github.com/isomer/incubator-aurora/internal/task-executor/ports Leaser

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// Leaser hands out ports shared by every task on this executor.
// Implementations must be safe for concurrent use.
type Leaser interface {
	Lease() (int, error)
	Release(port int)
}

// Pool leases ports from a fixed inclusive range.
type Pool struct {
	start, end int
	// checkBind skips ports some other process on the host already holds.
	checkBind bool

	mu     sync.Mutex
	leased sets.Set[int]
	next   int
}

func NewPool(start, end int, checkBind bool) (*Pool, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}
	return &Pool{
		start:     start,
		end:       end,
		checkBind: checkBind,
		leased:    sets.New[int](),
		next:      start,
	}, nil
}

// Lease returns a port not currently leased from this pool. Ports are handed
// out round-robin so a just-released port is not immediately reused.
func (p *Pool) Lease() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.end - p.start + 1
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.end {
			p.next = p.start
		}
		if p.leased.Has(port) {
			continue
		}
		if p.checkBind && !bindable(port) {
			klog.V(2).InfoS("port in use on host, skipping", "port", port)
			continue
		}
		p.leased.Insert(port)
		klog.V(4).InfoS("leased port", "port", port)
		return port, nil
	}
	return 0, fmt.Errorf("%w: range [%d, %d] (%d leased)", types.ErrLeaseExhausted, p.start, p.end, p.leased.Len())
}

func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.leased.Has(port) {
		klog.InfoS("ignoring release of port that is not leased", "port", port)
		return
	}
	p.leased.Delete(port)
	klog.V(4).InfoS("released port", "port", port)
}

// Leased returns the currently leased ports in ascending order.
func (p *Pool) Leased() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sets.List(p.leased)
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
