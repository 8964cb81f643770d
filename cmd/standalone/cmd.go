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

package standalone

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/streamnative/leasekeeper/cmd/flag"
	"github.com/streamnative/leasekeeper/common/process"
	"github.com/streamnative/leasekeeper/model"
	"github.com/streamnative/leasekeeper/processor"
	"github.com/streamnative/leasekeeper/worker"
)

var (
	conf = worker.NewStandaloneConfig()

	Cmd = &cobra.Command{
		Use:   "standalone",
		Short: "Start several workers over a local log",
		Long:  `Start several workers in one process, over a local partitioned log fed by a synthetic producer`,
		Args:  cobra.NoArgs,
		Run:   exec,
	}
)

func init() {
	flag.MetricsAddr(Cmd, &conf.Worker.MetricsServiceAddr)
	Cmd.Flags().IntVarP(&conf.Workers, "workers", "w", conf.Workers, "Number of workers")
	Cmd.Flags().IntVarP(&conf.Partitions, "partitions", "p", conf.Partitions, "Initial number of partitions")
	Cmd.Flags().StringVar(&conf.DataDir, "data-dir", conf.DataDir, "Directory where to store the log and the leases")
	Cmd.Flags().Float64VarP(&conf.ProduceRate, "rate", "r", conf.ProduceRate, "Records produced per second")
	Cmd.Flags().DurationVar(&conf.SplitInterval, "split-interval", conf.SplitInterval, "Interval between partition splits. Zero disables them")
	Cmd.Flags().DurationVar(&conf.Worker.LeaseTimeout, "lease-timeout", conf.Worker.LeaseTimeout, "Lease timeout")
	Cmd.Flags().DurationVar(&conf.Worker.HeartbeatInterval, "heartbeat-interval", conf.Worker.HeartbeatInterval, "Heartbeat interval")
}

func exec(*cobra.Command, []string) {
	handler := processor.HandlerFunc(func(_ context.Context, record *model.Record) error {
		slog.Debug(
			"Received record",
			slog.String("partition", record.PartitionID),
			slog.String("sequence-number", record.SequenceNumber),
		)
		return nil
	})

	process.RunProcess(func() (io.Closer, error) {
		return worker.NewStandalone(conf, handler)
	})
}
