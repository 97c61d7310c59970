// Copyright 2025 Tom Barlow
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

// Package daemon wires the eight spec components (C1-C8) into a single
// long-running process: it owns their lifecycles and exposes the HTTP
// surface fixed by spec §6. This is the composition root; no package
// under pkg/ imports it.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/taskmesh/core/internal/apiserver"
	"github.com/taskmesh/core/internal/config"
	"github.com/taskmesh/core/internal/tracing"
	"github.com/taskmesh/core/pkg/eventbus"
	"github.com/taskmesh/core/pkg/httpclient"
	"github.com/taskmesh/core/pkg/monitor"
	"github.com/taskmesh/core/pkg/orchestrator"
	"github.com/taskmesh/core/pkg/registry"
	"github.com/taskmesh/core/pkg/resources"
	"github.com/taskmesh/core/pkg/router"
	"github.com/taskmesh/core/pkg/taskqueue"
	"github.com/taskmesh/core/pkg/workflow"
)

// Options carries build-time version metadata into the daemon's logging
// output, the agent client's User-Agent, and the tracing resource.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon owns every component's lifecycle and the HTTP listener.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	bus         *eventbus.Bus
	resourceMgr *resources.Manager
	reg         *registry.Registry
	rtr         *router.Router
	queue       *taskqueue.Queue
	orch        *orchestrator.Orchestrator
	engine      *workflow.Engine
	mon         *monitor.Monitor
	apiSrv      *apiserver.Server
	httpSrv     *http.Server

	tracingShutdown tracing.Shutdown
	meterShutdown   tracing.Shutdown

	mu      sync.Mutex
	started bool
}

// New builds a Daemon from cfg without starting anything.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}

	bus := eventbus.New(eventbus.DefaultBufferSize)

	limits := resources.Limits{
		MemoryMax:     cfg.Resources.MemoryMaxBytes,
		MemoryWarning: cfg.Resources.MemoryWarningBytes,
		CPUMaxUsage:   cfg.Resources.CPUMaxUsagePercent,
		CPUWarning:    cfg.Resources.CPUWarningPercent,
	}
	resourceMgr := resources.New(limits, bus, logger)

	reg := registry.New(nil)
	rtr := router.New(reg, nil)
	queue := taskqueue.New(0)

	agentClientCfg := httpclient.DefaultConfig()
	agentClientCfg.UserAgent = "taskmeshd/" + firstNonEmpty(opts.Version, "dev")
	// Retries at this layer would compound with the scheduler's own
	// RetryAttempts/RetryDelay; dispatch is single-shot here and task-level
	// retry is left entirely to the orchestrator.
	agentClientCfg.RetryAttempts = 0
	agentClient, err := httpclient.New(agentClientCfg)
	if err != nil {
		agentClient = http.DefaultClient
		logger.Warn("falling back to http.DefaultClient for agent dispatch", "error", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentTasks:     cfg.Scheduler.MaxConcurrentTasks,
		RetryAttempts:          cfg.Scheduler.RetryAttempts,
		RetryDelay:             cfg.Scheduler.RetryDelay,
		DispatchTickInterval:   cfg.Scheduler.DispatchTickInterval,
		MetricsRefreshInterval: 5 * time.Second,
	}, resourceMgr, reg, rtr, queue, bus, agentClient, logger)

	engine := workflow.NewEngine(workflow.Config{
		MaxConcurrentWorkflows: cfg.Workflow.MaxConcurrentWorkflows,
		CacheTimeout:           cfg.Workflow.CacheTimeout,
		MaintenanceInterval:    cfg.Workflow.MaintenanceInterval,
	}, resourceMgr, bus, orch, logger)

	mon := monitor.New(resourceMgr, bus, monitor.Config{
		Interval:          cfg.Monitor.Interval,
		MemoryWarningPct:  cfg.Monitor.MemoryWarningPct,
		MemoryCriticalPct: cfg.Monitor.MemoryCriticalPct,
		CPUWarningPct:     cfg.Monitor.CPUWarningPct,
		CPUCriticalPct:    cfg.Monitor.CPUCriticalPct,
	}, logger)

	apiSrv := apiserver.New(apiserver.Config{
		AuthEnabled: cfg.HTTP.AuthEnabled,
		JWTSecret:   cfg.HTTP.JWTSecret,
	}, orch, reg, logger)

	return &Daemon{
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		bus:         bus,
		resourceMgr: resourceMgr,
		reg:         reg,
		rtr:         rtr,
		queue:       queue,
		orch:        orch,
		engine:      engine,
		mon:         mon,
		apiSrv:      apiSrv,
	}
}

// Start launches every component's background loops and binds the HTTP
// listener in a background goroutine. It returns without waiting for the
// listener; a listen or serve error is only logged.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already started")
	}
	d.started = true
	d.mu.Unlock()

	shutdown, err := tracing.Bootstrap(ctx, tracing.Config{
		ServiceName:    "taskmeshd",
		ServiceVersion: d.opts.Version,
		Exporter:       tracingExporter(d.cfg.Tracing),
		OTLPEndpoint:   d.cfg.Tracing.OTLPEndpoint,
		SampleRatio:    d.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("daemon: bootstrap tracing: %w", err)
	}
	d.tracingShutdown = shutdown

	meterShutdown, err := tracing.BootstrapMeter("taskmeshd")
	if err != nil {
		return fmt.Errorf("daemon: bootstrap metrics: %w", err)
	}
	d.meterShutdown = meterShutdown

	d.resourceMgr.StartSampling(ctx)
	d.mon.Start(ctx)
	d.orch.Start(ctx)
	d.engine.Start(ctx)

	d.httpSrv = &http.Server{
		Addr:              d.cfg.HTTP.ListenAddr,
		Handler:           d.apiSrv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.logger.Info("taskmeshd starting",
		"version", d.opts.Version, "listen_addr", d.cfg.HTTP.ListenAddr)

	go func() {
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("http server exited", "error", err)
		}
	}()

	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func tracingExporter(cfg config.TracingConfig) tracing.Exporter {
	if !cfg.Enabled {
		return tracing.ExporterNone
	}
	switch cfg.Exporter {
	case "otlp-grpc":
		return tracing.ExporterOTLPGRPC
	case "otlp-http":
		return tracing.ExporterOTLPHTTP
	default:
		return tracing.ExporterStdout
	}
}

// Shutdown stops the HTTP server first, then drains every component in the
// reverse order they were started, then shuts down the meter and tracing
// providers.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.httpSrv != nil {
		if err := d.httpSrv.Shutdown(ctx); err != nil {
			d.logger.Error("http server shutdown error", "error", err)
		}
	}

	d.engine.Stop()
	d.orch.Stop()
	d.mon.Stop()
	d.resourceMgr.Stop()

	if d.meterShutdown != nil {
		if err := d.meterShutdown(ctx); err != nil {
			d.logger.Error("metrics shutdown error", "error", err)
		}
	}
	if d.tracingShutdown != nil {
		if err := d.tracingShutdown(ctx); err != nil {
			d.logger.Error("tracing shutdown error", "error", err)
		}
	}

	d.logger.Info("taskmeshd stopped")
	return nil
}

// ApplyConfig live-applies the subset of configuration that can change
// without a restart: resource limits. Scheduler and workflow tunables are
// fixed at construction time for their respective components (bounded
// worker pools and ticker intervals are not safely resizable in place) and
// are neither applied nor logged; an operator changing those must restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.resourceMgr.SetLimits(resources.Limits{
		MemoryMax:     cfg.Resources.MemoryMaxBytes,
		MemoryWarning: cfg.Resources.MemoryWarningBytes,
		CPUMaxUsage:   cfg.Resources.CPUMaxUsagePercent,
		CPUWarning:    cfg.Resources.CPUWarningPercent,
	})
	d.cfg = cfg
	d.logger.Info("resource limits reloaded",
		"memory_max_bytes", cfg.Resources.MemoryMaxBytes,
		"memory_warning_bytes", cfg.Resources.MemoryWarningBytes,
		"cpu_max_usage_percent", cfg.Resources.CPUMaxUsagePercent,
		"cpu_warning_percent", cfg.Resources.CPUWarningPercent)
}

// Registry exposes the agent registry for an optional health prober loop
// driven by cmd (kept out of Daemon to match spec §4.2's "optional"
// framing of the prober).
func (d *Daemon) Registry() *registry.Registry { return d.reg }

// Monitor exposes the health aggregator for diagnostics commands.
func (d *Daemon) Monitor() *monitor.Monitor { return d.mon }
