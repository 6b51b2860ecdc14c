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
	goflag "flag"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/config"
)

const defaultServer = "http://127.0.0.1:5758"

type rootOptions struct {
	cfg        *config.Config
	configFile string
	server     string
	klogFlags  *goflag.FlagSet
	flushLogs  func()
}

func newRootOptions() *rootOptions {
	return &rootOptions{cfg: config.NewConfig(), flushLogs: func() {}}
}

func newRootCommand() *cobra.Command {
	return buildRootCommand(newRootOptions())
}

func buildRootCommand(opts *rootOptions) *cobra.Command {

	cmd := &cobra.Command{
		Use:   "task-executor",
		Short: "Stage, launch and supervise tasks assigned by a cluster scheduler",
		Long: `task-executor runs the tasks a scheduler assigns to this host. Each task gets
a sandbox directory, leased ports substituted into its start command, optional
health checking and escalating termination.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.loadConfig(cmd.Flags()); err != nil {
				return err
			}
			flush, err := setupLogging(opts.cfg, opts.klogFlags)
			if err != nil {
				return err
			}
			opts.flushLogs = flush
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			opts.flushLogs()
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	opts.klogFlags = goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(opts.klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(opts.klogFlags)
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "address of a running executor")
	opts.cfg.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newServeCommand(opts),
		newRunCommand(opts),
		newStatusCommand(opts),
		newKillCommand(opts),
	)
	return cmd
}

// loadConfig layers the config file and environment under the flags: flags
// set on the command line are re-applied after both.
func (o *rootOptions) loadConfig(fs *pflag.FlagSet) error {
	changed := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	if o.configFile != "" {
		if err := o.cfg.LoadFromFile(o.configFile); err != nil {
			return err
		}
	}
	o.cfg.LoadFromEnv()

	for name, value := range changed {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("failed to apply flag --%s: %w", name, err)
		}
	}
	return o.cfg.Validate()
}
