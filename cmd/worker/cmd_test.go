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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/leasekeeper/worker"
)

func TestWorkerCmd(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
workerId: worker-from-file
leaseTimeout: 30s
heartbeatInterval: 3s
batchSize: 50
leaseStore: dynamodb
dynamoDBTable: my-leases
`), 0o600))

	t.Setenv("LEASEKEEPER_MAX_LEASES", "12")
	t.Setenv("LEASEKEEPER_BATCH_SIZE", "60")

	Cmd.SetArgs([]string{"--conf", file, "--batch-size", "70", "--adapter", "kinesis", "--kinesis-stream", "events"})
	Cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd, viper.New())
	}
	require.NoError(t, Cmd.Execute())

	assert.Equal(t, "worker-from-file", conf.WorkerID)
	assert.Equal(t, 30*time.Second, conf.LeaseTimeout)
	assert.Equal(t, 3*time.Second, conf.HeartbeatInterval)
	assert.Equal(t, 12, conf.MaxLeasesPerWorker)
	assert.Equal(t, 70, conf.BatchSize)
	assert.Equal(t, worker.StoreDynamoDB, conf.LeaseStore)
	assert.Equal(t, "my-leases", conf.DynamoDBTable)
	assert.Equal(t, worker.AdapterKinesis, conf.Adapter)
	assert.Equal(t, "events", conf.KinesisStream)

	// Untouched defaults
	assert.Equal(t, worker.DefaultRebalanceInterval, conf.RebalanceInterval)
	assert.Equal(t, 10, conf.CheckpointBatches)
}

func TestWorkerCmd_EnvAliases(t *testing.T) {
	configFile = ""
	Cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
	})

	t.Setenv("APPLICATION_NAME", "billing")
	t.Setenv("STREAM_NAME", "orders")
	t.Setenv("REGION", "eu-west-1")
	// The prefixed variable wins over the alias
	t.Setenv("LEASEKEEPER_KINESIS_STREAM", "payments")

	Cmd.SetArgs([]string{})
	Cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd, viper.New())
	}
	require.NoError(t, Cmd.Execute())

	assert.Equal(t, "billing", conf.DynamoDBTable)
	assert.Equal(t, "payments", conf.KinesisStream)
	assert.Equal(t, "eu-west-1", conf.AWSRegion)
}
