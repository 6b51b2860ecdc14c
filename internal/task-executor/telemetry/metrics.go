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

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"k8s.io/klog/v2"
)

const (
	ServiceName           = "task-executor"
	DefaultExportInterval = 30 * time.Second
)

type Options struct {
	// OTLPEndpoint is an OTLP/HTTP collector URL such as
	// http://collector:4318. Empty disables export.
	OTLPEndpoint   string
	ExportInterval time.Duration
	// Readers are attached in addition to the OTLP exporter.
	Readers []sdkmetric.Reader
}

// NewMeterProvider builds an SDK meter provider for the executor and installs
// it as the global provider.
func NewMeterProvider(ctx context.Context, opts Options) (*sdkmetric.MeterProvider, error) {
	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))
	providerOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if opts.OTLPEndpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(opts.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter for %s: %w", opts.OTLPEndpoint, err)
		}
		interval := opts.ExportInterval
		if interval <= 0 {
			interval = DefaultExportInterval
		}
		providerOpts = append(providerOpts,
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
		klog.InfoS("exporting metrics", "endpoint", opts.OTLPEndpoint, "interval", interval)
	} else {
		klog.V(2).InfoS("metrics export disabled, no OTLP endpoint configured")
	}
	for _, reader := range opts.Readers {
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(provider)
	return provider, nil
}
