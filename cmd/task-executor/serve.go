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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/manager"
	"github.com/isomer/incubator-aurora/internal/task-executor/server"
	store "github.com/isomer/incubator-aurora/internal/task-executor/storage"
	"github.com/isomer/incubator-aurora/internal/task-executor/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the executor service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	klog.InfoS("task-executor starting", "executorRoot", cfg.ExecutorRoot, "listenAddr", cfg.ListenAddr,
		"ports", fmt.Sprintf("%d-%d", cfg.PortRangeStart, cfg.PortRangeEnd))

	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.Options{
		OTLPEndpoint:   cfg.MetricsEndpoint,
		ExportInterval: cfg.MetricsExportInterval,
	})
	if err != nil {
		return err
	}

	deps, err := newDependencies(cfg)
	if err != nil {
		return fmt.Errorf("failed to create port pool: %w", err)
	}
	deps.MeterProvider = meterProvider
	descriptors := store.NewDescriptorStore()
	provisioner, err := newProvisioner(cfg, descriptors)
	if err != nil {
		return fmt.Errorf("failed to create provisioner: %w", err)
	}
	taskManager, err := manager.NewTaskManager(cfg, provisioner, descriptors, deps)
	if err != nil {
		return fmt.Errorf("failed to create task manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)

	svr := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.NewRouter(server.NewHandler(taskManager)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		klog.InfoS("HTTP server listening", "address", cfg.ListenAddr)
		if err := svr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		klog.InfoS("shutting down task-executor gracefully")
	case err := <-serveErr:
		runErr = fmt.Errorf("HTTP server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting assignments before killing running tasks.
	if err := svr.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "HTTP server shutdown error")
	} else {
		klog.InfoS("HTTP server stopped")
	}

	if err := taskManager.Stop(); err != nil {
		klog.ErrorS(err, "failed to stop some tasks")
	}

	// Flushes the counts of tasks killed during shutdown.
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "failed to flush metrics")
	}

	klog.InfoS("task-executor stopped")
	return runErr
}
