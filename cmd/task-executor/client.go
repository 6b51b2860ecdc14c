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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	api "github.com/isomer/incubator-aurora/pkg/task-executor"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show the status of one or all tasks on a running executor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(opts.server)
			if len(args) == 0 {
				statuses, err := client.List(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, statuses)
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			status, err := client.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
}

func newKillCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <task-id>",
		Short: "Kill a task on a running executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			status, err := api.NewClient(opts.server).Kill(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
}

func parseTaskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
