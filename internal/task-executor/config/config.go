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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ExecutorRoot string `yaml:"executorRoot"`
	ListenAddr   string `yaml:"listenAddr"`

	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// ReconcileInterval drives pruning of completed tasks.
	ReconcileInterval      time.Duration `yaml:"reconcileInterval"`
	CompletedTaskRetention time.Duration `yaml:"completedTaskRetention"`

	PortRangeStart int  `yaml:"portRangeStart"`
	PortRangeEnd   int  `yaml:"portRangeEnd"`
	CheckPortBind  bool `yaml:"checkPortBind"`

	Shell              string        `yaml:"shell"`
	PidFileGracePeriod time.Duration `yaml:"pidFileGracePeriod"`
	KillGracePeriod    time.Duration `yaml:"killGracePeriod"`
	HealthCheckTimeout time.Duration `yaml:"healthCheckTimeout"`

	FetchMaxRetries uint   `yaml:"fetchMaxRetries"`
	HadoopBinary    string `yaml:"hadoopBinary"`

	// MetricsEndpoint is an OTLP/HTTP collector URL; empty disables export.
	MetricsEndpoint       string        `yaml:"metricsEndpoint"`
	MetricsExportInterval time.Duration `yaml:"metricsExportInterval"`

	LogFile       string `yaml:"logFile"`
	LogMaxSizeMB  int    `yaml:"logMaxSizeMB"`
	LogMaxBackups int    `yaml:"logMaxBackups"`
}

func NewConfig() *Config {
	return &Config{
		ExecutorRoot:           "/var/lib/executor/tasks",
		ListenAddr:             "0.0.0.0:5758",
		ReadTimeout:            30 * time.Second,
		WriteTimeout:           30 * time.Second,
		ReconcileInterval:      10 * time.Second,
		CompletedTaskRetention: 30 * time.Minute,
		PortRangeStart:         31000,
		PortRangeEnd:           32000,
		CheckPortBind:          true,
		Shell:                  "bash",
		PidFileGracePeriod:     time.Second,
		KillGracePeriod:        5 * time.Second,
		HealthCheckTimeout:     5 * time.Second,
		FetchMaxRetries:        3,
		HadoopBinary:           "hadoop",
		MetricsExportInterval:  30 * time.Second,
		LogMaxSizeMB:           100,
		LogMaxBackups:          5,
	}
}

// LoadFromFile overlays values from a YAML file onto c.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadFromEnv() {
	if v := os.Getenv("EXECUTOR_ROOT"); v != "" {
		c.ExecutorRoot = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("EXECUTOR_SHELL"); v != "" {
		c.Shell = v
	}
	if v := os.Getenv("HADOOP_BINARY"); v != "" {
		c.HadoopBinary = v
	}
	if v := os.Getenv("METRICS_ENDPOINT"); v != "" {
		c.MetricsEndpoint = v
	}
	if v, err := strconv.Atoi(os.Getenv("PORT_RANGE_START")); err == nil {
		c.PortRangeStart = v
	}
	if v, err := strconv.Atoi(os.Getenv("PORT_RANGE_END")); err == nil {
		c.PortRangeEnd = v
	}
	if v := os.Getenv("CHECK_PORT_BIND"); v == "false" {
		c.CheckPortBind = false
	}
}

func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ExecutorRoot, "executor-root", c.ExecutorRoot, "root directory holding task sandboxes")
	fs.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "service listen address")
	fs.DurationVar(&c.ReconcileInterval, "reconcile-interval", c.ReconcileInterval, "interval between completed task pruning passes")
	fs.DurationVar(&c.CompletedTaskRetention, "completed-task-retention", c.CompletedTaskRetention, "how long completed tasks stay queryable")
	fs.IntVar(&c.PortRangeStart, "port-range-start", c.PortRangeStart, "first port of the lease range")
	fs.IntVar(&c.PortRangeEnd, "port-range-end", c.PortRangeEnd, "last port of the lease range")
	fs.BoolVar(&c.CheckPortBind, "check-port-bind", c.CheckPortBind, "skip ports that cannot be bound on this host")
	fs.StringVar(&c.Shell, "shell", c.Shell, "shell used to launch task run scripts")
	fs.DurationVar(&c.PidFileGracePeriod, "pidfile-grace-period", c.PidFileGracePeriod, "wait after launch before reading the pid file")
	fs.DurationVar(&c.KillGracePeriod, "kill-grace-period", c.KillGracePeriod, "wait between graceful and forceful kill")
	fs.DurationVar(&c.HealthCheckTimeout, "health-check-timeout", c.HealthCheckTimeout, "timeout of a single health probe")
	fs.UintVar(&c.FetchMaxRetries, "fetch-max-retries", c.FetchMaxRetries, "attempts for remote payload downloads")
	fs.StringVar(&c.HadoopBinary, "hadoop-binary", c.HadoopBinary, "hadoop client used for hdfs:// payloads")
	fs.StringVar(&c.MetricsEndpoint, "metrics-endpoint", c.MetricsEndpoint, "OTLP/HTTP collector URL for task metrics")
	fs.DurationVar(&c.MetricsExportInterval, "metrics-export-interval", c.MetricsExportInterval, "interval between metric exports")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "write logs to this file with rotation")
}

func (c *Config) Validate() error {
	if c.ExecutorRoot == "" {
		return fmt.Errorf("executor root cannot be empty")
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range [%d, %d]", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.Shell == "" {
		return fmt.Errorf("shell cannot be empty")
	}
	if c.PidFileGracePeriod < 0 || c.KillGracePeriod < 0 {
		return fmt.Errorf("grace periods must not be negative")
	}
	return nil
}
