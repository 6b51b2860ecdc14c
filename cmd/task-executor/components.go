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
package main

import (
	"k8s.io/utils/clock"

	"github.com/isomer/incubator-aurora/internal/task-executor/config"
	"github.com/isomer/incubator-aurora/internal/task-executor/fetch"
	"github.com/isomer/incubator-aurora/internal/task-executor/health"
	"github.com/isomer/incubator-aurora/internal/task-executor/ports"
	"github.com/isomer/incubator-aurora/internal/task-executor/runtime"
	"github.com/isomer/incubator-aurora/internal/task-executor/sandbox"
	store "github.com/isomer/incubator-aurora/internal/task-executor/storage"
)

func newDependencies(cfg *config.Config) (runtime.Dependencies, error) {
	pool, err := ports.NewPool(cfg.PortRangeStart, cfg.PortRangeEnd, cfg.CheckPortBind)
	if err != nil {
		return runtime.Dependencies{}, err
	}
	return runtime.Dependencies{
		Leaser:    pool,
		Prober:    health.NewHTTPProber(cfg.HealthCheckTimeout),
		Killer:    runtime.NewProcessKiller(cfg.KillGracePeriod),
		PidReader: runtime.FilePidReader{},
		Clock:     clock.RealClock{},
	}, nil
}

func newProvisioner(cfg *config.Config, descriptors *store.DescriptorStore) (*sandbox.Provisioner, error) {
	fetcher := fetch.NewDispatcher(fetch.Options{
		MaxRetries:   cfg.FetchMaxRetries,
		HadoopBinary: cfg.HadoopBinary,
	})
	return sandbox.NewProvisioner(cfg.ExecutorRoot, fetcher, descriptors)
}
