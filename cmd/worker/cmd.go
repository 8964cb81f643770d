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

package worker

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/streamnative/leasekeeper/cmd/flag"
	"github.com/streamnative/leasekeeper/common/logging"
	"github.com/streamnative/leasekeeper/common/process"
	"github.com/streamnative/leasekeeper/model"
	"github.com/streamnative/leasekeeper/processor"
	"github.com/streamnative/leasekeeper/worker"
)

const (
	envPrefix   = "LEASEKEEPER"
	logLevelKey = "logLevel"
)

var (
	conf       = worker.NewConfig()
	configFile string

	Cmd = &cobra.Command{
		Use:   "worker",
		Short: "Start a worker",
		Long:  `Start a worker that claims a share of the partition leases and processes their records`,
		Args:  cobra.NoArgs,
		RunE:  exec,
	}

	// Configuration keys and the flags that set them
	bindings = map[string]string{
		"workerId":                "worker-id",
		"heartbeatInterval":       "heartbeat-interval",
		"leaseTimeout":            "lease-timeout",
		"rebalanceInterval":       "rebalance-interval",
		"topologyRefreshInterval": "topology-refresh-interval",
		"maxLeasesPerWorker":      "max-leases",
		"batchSize":               "batch-size",
		"checkpointBatches":       "checkpoint-batches",
		"checkpointInterval":      "checkpoint-interval",
		"handlerRetries":          "handler-retries",
		"idlePollInterval":        "idle-poll-interval",
		"metricsServiceAddr":      "metrics-addr",
		"healthServiceAddr":       "health-addr",
		"leaseStore":              "lease-store",
		"fileStorePath":           "file-store-path",
		"pebbleStoreDir":          "pebble-store-dir",
		"k8sNamespace":            "k8s-namespace",
		"k8sConfigMapName":        "k8s-configmap-name",
		"dynamoDBTable":           "dynamodb-table",
		"dynamoDBCreate":          "dynamodb-create-table",
		"adapter":                 "adapter",
		"kinesisStream":           "kinesis-stream",
		"awsRegion":               "aws-region",
		"awsEndpoint":             "aws-endpoint",
		"localLogDir":             "local-log-dir",
		"localLogPartitions":      "local-log-partitions",
	}

	// Unprefixed environment variables also accepted for some keys, with
	// a lower priority than the LEASEKEEPER_* ones
	envAliases = map[string][]string{
		"dynamoDBTable": {"APPLICATION_NAME"},
		"kinesisStream": {"STREAM_NAME"},
		"awsRegion":     {"REGION"},
	}
)

func init() {
	Cmd.Flags().SortFlags = false

	Cmd.Flags().StringVarP(&configFile, "conf", "f", "", "Worker config file, or configmap:<namespace>/<name>")
	Cmd.Flags().StringVar(&conf.WorkerID, "worker-id", conf.WorkerID, "Unique identity of the worker")
	flag.MetricsAddr(Cmd, &conf.MetricsServiceAddr)
	flag.HealthAddr(Cmd, &conf.HealthServiceAddr)

	Cmd.Flags().DurationVar(&conf.HeartbeatInterval, "heartbeat-interval", conf.HeartbeatInterval, "Interval between lease renewals")
	Cmd.Flags().DurationVar(&conf.LeaseTimeout, "lease-timeout", conf.LeaseTimeout, "Time after which a lease that was not renewed can be claimed")
	Cmd.Flags().DurationVar(&conf.RebalanceInterval, "rebalance-interval", conf.RebalanceInterval, "Interval between balancing rounds")
	Cmd.Flags().DurationVar(&conf.TopologyRefreshInterval, "topology-refresh-interval", conf.TopologyRefreshInterval, "Interval between partition listings")
	Cmd.Flags().IntVar(&conf.MaxLeasesPerWorker, "max-leases", conf.MaxLeasesPerWorker, "Max number of leases held by the worker")
	Cmd.Flags().IntVar(&conf.BatchSize, "batch-size", conf.BatchSize, "Max number of records fetched at once")
	Cmd.Flags().IntVar(&conf.CheckpointBatches, "checkpoint-batches", conf.CheckpointBatches, "Number of batches between checkpoints")
	Cmd.Flags().DurationVar(&conf.CheckpointInterval, "checkpoint-interval", conf.CheckpointInterval, "Max time between checkpoints")
	Cmd.Flags().Uint64Var(&conf.HandlerRetries, "handler-retries", conf.HandlerRetries, "Retries of a failed record before the partition is abandoned")
	Cmd.Flags().DurationVar(&conf.IdlePollInterval, "idle-poll-interval", conf.IdlePollInterval, "Wait after an empty fetch")

	flag.LeaseStore(Cmd, &conf)

	Cmd.Flags().StringVar(&conf.Adapter, "adapter", conf.Adapter, "Log source: kinesis or local")
	Cmd.Flags().StringVar(&conf.KinesisStream, "kinesis-stream", conf.KinesisStream, "Name of the Kinesis stream")
	Cmd.Flags().StringVar(&conf.LocalLogDir, "local-log-dir", conf.LocalLogDir, "Directory of the local log")
	Cmd.Flags().IntVar(&conf.LocalLogPartitions, "local-log-partitions", conf.LocalLogPartitions, "Initial number of partitions of the local log")
}

// loadConfig merges, by increasing priority, the defaults, the config
// file or config map, the environment variables and the flags.
func loadConfig(cmd *cobra.Command, v *viper.Viper) error {
	for key, flagName := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return errors.Wrapf(err, "failed to bind flag %s", flagName)
		}
		envName := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		if err := v.BindEnv(append([]string{key, envName}, envAliases[key]...)...); err != nil {
			return errors.Wrapf(err, "failed to bind environment variable %s", envName)
		}
	}

	if err := setConfigPath(v); err != nil {
		return err
	}

	if err := v.Unmarshal(&conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return errors.Wrap(err, "failed to load worker config")
	}
	return conf.Validate()
}

func setConfigPath(v *viper.Viper) error {
	if configFile == "" {
		return nil
	}
	v.SetConfigType("yaml")

	if configIsRemote() {
		if err := v.AddRemoteProvider("configmap", "endpoint", configFile); err != nil {
			return errors.Wrap(err, "failed to add remote provider")
		}
		if err := v.ReadRemoteConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config map %s", configFile)
		}
		applyLogLevel(v)
		return v.WatchRemoteConfigOnChannel()
	}

	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", configFile)
	}
	applyLogLevel(v)

	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info(
			"Config file changed",
			slog.String("file", e.Name),
			slog.String("operation", e.Op.String()),
		)
		applyLogLevel(v)
	})
	v.WatchConfig()
	return nil
}

// applyLogLevel is the only setting that can change without a restart.
func applyLogLevel(v *viper.Viper) {
	level := v.GetString(logLevelKey)
	if level == "" {
		return
	}
	if err := logging.SetLevel(level); err != nil {
		slog.Warn(
			"Invalid log level in config file",
			slog.Any("error", err),
		)
	}
}

// LogRecords is the record handler of the worker command.
var LogRecords = processor.HandlerFunc(func(_ context.Context, record *model.Record) error {
	slog.Info(
		"Received record",
		slog.String("partition", record.PartitionID),
		slog.String("sequence-number", record.SequenceNumber),
		slog.String("partition-key", record.PartitionKey),
		slog.Int("size", len(record.Data)),
	)
	return nil
})

func exec(cmd *cobra.Command, _ []string) error {
	if err := loadConfig(cmd, viper.New()); err != nil {
		return err
	}

	process.RunProcess(func() (io.Closer, error) {
		return worker.NewServer(conf, LogRecords)
	})
	return nil
}
