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

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/utils/clock"
)

// Poller periodically probes a task's health port. The first probe waits two
// intervals to give the task time to start. The first failed probe invokes
// onUnhealthy and ends polling.
type Poller struct {
	prober      Prober
	port        int
	interval    time.Duration
	clock       clock.WithTicker
	onUnhealthy func()
	logger      logr.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	mu        sync.Mutex
	done      chan struct{}
}

func NewPoller(prober Prober, port int, interval time.Duration, clk clock.WithTicker, logger logr.Logger, onUnhealthy func()) *Poller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Poller{
		prober:      prober,
		port:        port,
		interval:    interval,
		clock:       clk,
		onUnhealthy: onUnhealthy,
		logger:      logger.WithValues("healthPort", port),
		done:        make(chan struct{}),
	}
}

// Start launches the polling goroutine. Calling Start more than once has no
// effect.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()
		go p.run(ctx)
	})
}

// Stop asks the poller to exit and returns immediately. It is safe to call
// from within onUnhealthy.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Done is closed once the polling goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer utilruntime.HandleCrash()

	initial := p.clock.NewTimer(2 * p.interval)
	select {
	case <-ctx.Done():
		initial.Stop()
		return
	case <-initial.C():
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if !p.healthy(ctx) {
			if ctx.Err() != nil {
				return
			}
			p.logger.Info("task not healthy")
			p.onUnhealthy()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

func (p *Poller) healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	ok, err := p.prober.Probe(probeCtx, p.port)
	if err != nil {
		p.logger.Info("health check failed", "err", err.Error())
		return false
	}
	return ok
}
