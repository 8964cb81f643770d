// Copyright 2023 StreamNative, Inc.
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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/streamnative/leasekeeper/cmd/health"
	"github.com/streamnative/leasekeeper/cmd/leases"
	"github.com/streamnative/leasekeeper/cmd/standalone"
	"github.com/streamnative/leasekeeper/cmd/worker"
	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/common/logging"
	"github.com/streamnative/leasekeeper/common/process"
)

var (
	logLevelStr string
	rootCmd     = &cobra.Command{
		Use:               "leasekeeper",
		Short:             "Distributed shard lease coordination",
		Long:              `Process the partitions of a log across a fleet of workers, with leases and checkpoints kept in a shared store`,
		PersistentPreRunE: configureLogLevel,
		SilenceUsage:      true,
	}
)

type LogLevelError string

func (l LogLevelError) Error() string {
	return fmt.Sprintf("unknown log level (%s)", string(l))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevelStr, "log-level", "l", logging.DefaultLogLevel.String(), "Set logging level [debug|info|warn|error]")
	rootCmd.PersistentFlags().BoolVarP(&logging.LogJSON, "log-json", "j", false, "Print logs in JSON format")
	rootCmd.PersistentFlags().BoolVar(&process.PprofEnable, "profile", false, "Enable pprof profiler")
	rootCmd.PersistentFlags().StringVar(&process.PprofBindAddress, "profile-bind-address", "127.0.0.1:6060", "Bind address for pprof")

	rootCmd.AddCommand(worker.Cmd)
	rootCmd.AddCommand(standalone.Cmd)
	rootCmd.AddCommand(leases.Cmd)
	rootCmd.AddCommand(health.Cmd)
}

func configureLogLevel(_ *cobra.Command, _ []string) error {
	level, err := logging.ParseLogLevel(logLevelStr)
	if err != nil {
		return LogLevelError(logLevelStr)
	}
	logging.LogLevel.Set(level)
	logging.ConfigureLogger()
	return nil
}

func main() {
	common.DoWithLabels(
		context.Background(),
		map[string]string{
			"leasekeeper": "main",
		},
		func() {
			if _, err := maxprocs.Set(); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := rootCmd.Execute(); err != nil {
				os.Exit(1)
			}
		},
	)
}
