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
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/klog/v2"
)

const (
	meterName = "github.com/isomer/incubator-aurora/task-executor"

	MetricTasksCompleted     = "task_executor.tasks.completed"
	MetricLaunchFailures     = "task_executor.launch.failures"
	MetricHealthCheckFailure = "task_executor.health_check.failures"
)

type controllerMetrics struct {
	completed      metric.Int64Counter
	launchFailures metric.Int64Counter
	unhealthy      metric.Int64Counter
}

// instruments are registered once per provider and shared by its controllers.
var metricsByProvider sync.Map

func newControllerMetrics(provider metric.MeterProvider) *controllerMetrics {
	if m, ok := metricsByProvider.Load(provider); ok {
		return m.(*controllerMetrics)
	}

	meter := provider.Meter(meterName)
	m := &controllerMetrics{}
	var err error
	if m.completed, err = meter.Int64Counter(MetricTasksCompleted,
		metric.WithDescription("Tasks that reached a terminal state, by state.")); err != nil {
		klog.ErrorS(err, "failed to create metric", "name", MetricTasksCompleted)
	}
	if m.launchFailures, err = meter.Int64Counter(MetricLaunchFailures,
		metric.WithDescription("Launches that failed before the task was running.")); err != nil {
		klog.ErrorS(err, "failed to create metric", "name", MetricLaunchFailures)
	}
	if m.unhealthy, err = meter.Int64Counter(MetricHealthCheckFailure,
		metric.WithDescription("Tasks terminated because a health check failed.")); err != nil {
		klog.ErrorS(err, "failed to create metric", "name", MetricHealthCheckFailure)
	}
	actual, _ := metricsByProvider.LoadOrStore(provider, m)
	return actual.(*controllerMetrics)
}

func (m *controllerMetrics) taskCompleted(ctx context.Context, state string) {
	if m.completed != nil {
		m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	}
}

func (m *controllerMetrics) launchFailed(ctx context.Context) {
	if m.launchFailures != nil {
		m.launchFailures.Add(ctx, 1)
	}
}

func (m *controllerMetrics) healthCheckFailed(ctx context.Context) {
	if m.unhealthy != nil {
		m.unhealthy.Add(ctx, 1)
	}
}
