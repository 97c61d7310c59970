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

// Package cli builds the cobra command tree for taskmeshd.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var versionInfo struct {
	version   string
	commit    string
	buildDate string
}

// SetVersion records build-time version metadata (set from main via ldflags).
func SetVersion(version, commit, buildDate string) {
	versionInfo.version = version
	versionInfo.commit = commit
	versionInfo.buildDate = buildDate
}

var configPath string

// normalizeFlagName treats an underscore-spelled flag name as an alias for
// its dash-spelled equivalent, so "--listen_addr" and "--listen-addr" both
// resolve to the same flag.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// NewRootCommand builds the root "taskmeshd" command with its subcommands.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskmeshd",
		Short: "taskmeshd - resource-aware agent orchestration core",
		Long: `taskmeshd accepts externally-submitted tasks, routes each to a
capable remote agent over JSON-RPC/HTTP under bounded concurrency and
CPU/memory budgets, and executes DAG workflows of such tasks with
retry, rollback, and live event streaming.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	// Keep flags in declaration order in --help rather than pflag's default
	// alphabetical sort, matching the teacher's CLI output.
	cmd.PersistentFlags().SortFlags = false
	cmd.PersistentFlags().SetNormalizeFunc(normalizeFlagName)

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
