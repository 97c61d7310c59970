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

// Package config loads taskmeshd's configuration: resource limits,
// scheduler and workflow tunables, the HTTP bind address, and logging,
// from a YAML file overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig configures the daemon's logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// HTTPConfig configures the external HTTP surface (spec §6).
type HTTPConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	AuthEnabled bool   `yaml:"auth_enabled"`
	JWTSecret   string `yaml:"jwt_secret,omitempty"`
}

// ResourceLimitsConfig mirrors pkg/resources.Limits in YAML form.
type ResourceLimitsConfig struct {
	MemoryMaxBytes     int64   `yaml:"memory_max_bytes"`
	MemoryWarningBytes int64   `yaml:"memory_warning_bytes"`
	CPUMaxUsagePercent float64 `yaml:"cpu_max_usage_percent"`
	CPUWarningPercent  float64 `yaml:"cpu_warning_percent"`
}

// SchedulerConfig mirrors pkg/orchestrator.Config in YAML form.
type SchedulerConfig struct {
	MaxConcurrentTasks   int           `yaml:"max_concurrent_tasks"`
	RetryAttempts        int           `yaml:"retry_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	DispatchTickInterval time.Duration `yaml:"dispatch_tick_interval"`
}

// WorkflowConfig mirrors pkg/workflow.Config in YAML form.
type WorkflowConfig struct {
	MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows"`
	CacheTimeout           time.Duration `yaml:"cache_timeout"`
	MaintenanceInterval    time.Duration `yaml:"maintenance_interval"`
}

// MonitorConfig mirrors pkg/monitor.Config in YAML form.
type MonitorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MemoryWarningPct  float64       `yaml:"memory_warning_pct"`
	MemoryCriticalPct float64       `yaml:"memory_critical_pct"`
	CPUWarningPct     float64       `yaml:"cpu_warning_pct"`
	CPUCriticalPct    float64       `yaml:"cpu_critical_pct"`
}

// TracingConfig controls the OpenTelemetry bootstrap.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // stdout | otlp-grpc | otlp-http
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Config is the complete taskmeshd configuration.
type Config struct {
	Log       LogConfig            `yaml:"log"`
	HTTP      HTTPConfig           `yaml:"http"`
	Resources ResourceLimitsConfig `yaml:"resources"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Workflow  WorkflowConfig       `yaml:"workflow"`
	Monitor   MonitorConfig        `yaml:"monitor"`
	Tracing   TracingConfig        `yaml:"tracing"`
}

// Default returns a Config with the defaults named in spec §6: 2 GiB/1 GiB
// memory max/warning, 80%/60% CPU max/warning, maxConcurrentTasks=10,
// retryAttempts=3, retryDelay=1000ms, maxConcurrentWorkflows=10,
// cacheTimeout=30m.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			ListenAddr:  ":8080",
			AuthEnabled: false,
		},
		Resources: ResourceLimitsConfig{
			MemoryMaxBytes:     2 << 30,
			MemoryWarningBytes: 1 << 30,
			CPUMaxUsagePercent: 80,
			CPUWarningPercent:  60,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks:   10,
			RetryAttempts:        3,
			RetryDelay:           time.Second,
			DispatchTickInterval: 100 * time.Millisecond,
		},
		Workflow: WorkflowConfig{
			MaxConcurrentWorkflows: 10,
			CacheTimeout:           30 * time.Minute,
			MaintenanceInterval:    60 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:          10 * time.Second,
			MemoryWarningPct:  75,
			MemoryCriticalPct: 90,
			CPUWarningPct:     75,
			CPUCriticalPct:    90,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			SampleRatio: 1.0,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and then
// environment variable overrides, in that precedence order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadFromEnv overrides file/default values with TASKMESH_-prefixed
// environment variables, following internal/log.FromEnv's precedence
// idiom (LOG_LEVEL/LOG_FORMAT fall back when the prefixed variable is
// unset).
func (c *Config) loadFromEnv() {
	if v := firstNonEmpty(os.Getenv("TASKMESH_LOG_LEVEL"), os.Getenv("LOG_LEVEL")); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := firstNonEmpty(os.Getenv("TASKMESH_LOG_FORMAT"), os.Getenv("LOG_FORMAT")); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("TASKMESH_HTTP_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("TASKMESH_HTTP_AUTH_ENABLED"); v != "" {
		c.HTTP.AuthEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TASKMESH_HTTP_JWT_SECRET"); v != "" {
		c.HTTP.JWTSecret = v
	}
	if v := os.Getenv("TASKMESH_MEMORY_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Resources.MemoryMaxBytes = n
		}
	}
	if v := os.Getenv("TASKMESH_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("TASKMESH_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.MaxConcurrentWorkflows = n
		}
	}
	if v := os.Getenv("TASKMESH_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TASKMESH_TRACING_EXPORTER"); v != "" {
		c.Tracing.Exporter = v
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate rejects configurations that would make the daemon inconsistent.
func (c *Config) Validate() error {
	var errs []string
	if c.Resources.MemoryMaxBytes <= 0 {
		errs = append(errs, "resources.memory_max_bytes must be positive")
	}
	if c.Resources.MemoryWarningBytes > c.Resources.MemoryMaxBytes {
		errs = append(errs, "resources.memory_warning_bytes must not exceed memory_max_bytes")
	}
	if c.Resources.CPUWarningPercent > c.Resources.CPUMaxUsagePercent {
		errs = append(errs, "resources.cpu_warning_percent must not exceed cpu_max_usage_percent")
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		errs = append(errs, "scheduler.max_concurrent_tasks must be positive")
	}
	if c.Workflow.MaxConcurrentWorkflows <= 0 {
		errs = append(errs, "workflow.max_concurrent_workflows must be positive")
	}
	if c.HTTP.AuthEnabled && c.HTTP.JWTSecret == "" {
		errs = append(errs, "http.jwt_secret is required when http.auth_enabled is true")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
