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
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/lease"
	"github.com/streamnative/leasekeeper/processor"
	"github.com/streamnative/leasekeeper/topology"
)

const (
	DefaultHeartbeatInterval  = 2 * time.Second
	DefaultRebalanceInterval  = 5 * time.Second
	DefaultMaxLeasesPerWorker = 1024

	DefaultMetricsPort = 8080
	DefaultHealthPort  = 6650

	// The lease timeout must allow for this many missed heartbeats
	minHeartbeatsPerTimeout = 3
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrStoreUnreachable = errors.New("lease store unreachable")
)

const (
	StoreMemory    = "memory"
	StoreFile      = "file"
	StorePebble    = "pebble"
	StoreConfigMap = "configmap"
	StoreDynamoDB  = "dynamodb"

	AdapterKinesis = "kinesis"
	AdapterLocal   = "local"
)

type Config struct {
	WorkerID string `mapstructure:"workerId" json:"workerId"`

	HeartbeatInterval       time.Duration `mapstructure:"heartbeatInterval" json:"heartbeatInterval"`
	LeaseTimeout            time.Duration `mapstructure:"leaseTimeout" json:"leaseTimeout"`
	RebalanceInterval       time.Duration `mapstructure:"rebalanceInterval" json:"rebalanceInterval"`
	TopologyRefreshInterval time.Duration `mapstructure:"topologyRefreshInterval" json:"topologyRefreshInterval"`
	MaxLeasesPerWorker      int           `mapstructure:"maxLeasesPerWorker" json:"maxLeasesPerWorker"`

	BatchSize          int           `mapstructure:"batchSize" json:"batchSize"`
	CheckpointBatches  int           `mapstructure:"checkpointBatches" json:"checkpointBatches"`
	CheckpointInterval time.Duration `mapstructure:"checkpointInterval" json:"checkpointInterval"`
	HandlerRetries     uint64        `mapstructure:"handlerRetries" json:"handlerRetries"`
	IdlePollInterval   time.Duration `mapstructure:"idlePollInterval" json:"idlePollInterval"`

	MetricsServiceAddr string `mapstructure:"metricsServiceAddr" json:"metricsServiceAddr"`
	HealthServiceAddr  string `mapstructure:"healthServiceAddr" json:"healthServiceAddr"`

	LeaseStore       string `mapstructure:"leaseStore" json:"leaseStore"`
	FileStorePath    string `mapstructure:"fileStorePath" json:"fileStorePath"`
	PebbleStoreDir   string `mapstructure:"pebbleStoreDir" json:"pebbleStoreDir"`
	K8SNamespace     string `mapstructure:"k8sNamespace" json:"k8sNamespace"`
	K8SConfigMapName string `mapstructure:"k8sConfigMapName" json:"k8sConfigMapName"`
	DynamoDBTable    string `mapstructure:"dynamoDBTable" json:"dynamoDBTable"`
	DynamoDBCreate   bool   `mapstructure:"dynamoDBCreate" json:"dynamoDBCreate"`

	Adapter            string `mapstructure:"adapter" json:"adapter"`
	KinesisStream      string `mapstructure:"kinesisStream" json:"kinesisStream"`
	AWSRegion          string `mapstructure:"awsRegion" json:"awsRegion"`
	AWSEndpoint        string `mapstructure:"awsEndpoint" json:"awsEndpoint"`
	LocalLogDir        string `mapstructure:"localLogDir" json:"localLogDir"`
	LocalLogPartitions int    `mapstructure:"localLogPartitions" json:"localLogPartitions"`

	Clock common.Clock `mapstructure:"-" json:"-"`
}

func NewConfig() Config {
	return Config{
		WorkerID:                DefaultWorkerID(),
		HeartbeatInterval:       DefaultHeartbeatInterval,
		LeaseTimeout:            lease.DefaultLeaseTimeout,
		RebalanceInterval:       DefaultRebalanceInterval,
		TopologyRefreshInterval: topology.DefaultRefreshInterval,
		MaxLeasesPerWorker:      DefaultMaxLeasesPerWorker,
		BatchSize:               processor.DefaultBatchSize,
		CheckpointBatches:       processor.DefaultCheckpointBatches,
		CheckpointInterval:      processor.DefaultCheckpointInterval,
		HandlerRetries:          processor.DefaultHandlerRetries,
		IdlePollInterval:        processor.DefaultIdlePollInterval,
		MetricsServiceAddr:      fmt.Sprintf("localhost:%d", DefaultMetricsPort),
		HealthServiceAddr:       fmt.Sprintf("localhost:%d", DefaultHealthPort),
		LeaseStore:              StoreFile,
		FileStorePath:           "data/leases.json",
		PebbleStoreDir:          "data/leases",
		K8SConfigMapName:        "leasekeeper-leases",
		DynamoDBTable:           "leasekeeper-leases",
		Adapter:                 AdapterLocal,
		LocalLogDir:             "data/log",
		LocalLogPartitions:      4,
	}
}

// DefaultWorkerID combines the host name with a random suffix, so that
// restarted processes never reuse an identity.
func DefaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString())
}

func (c *Config) Validate() error {
	switch {
	case c.WorkerID == "":
		return errors.Wrap(ErrInvalidConfig, "worker id must be set")
	case c.HeartbeatInterval <= 0:
		return errors.Wrap(ErrInvalidConfig, "heartbeat interval must be positive")
	case c.LeaseTimeout < minHeartbeatsPerTimeout*c.HeartbeatInterval:
		return errors.Wrapf(ErrInvalidConfig, "lease timeout %v must be at least %d times the heartbeat interval %v",
			c.LeaseTimeout, minHeartbeatsPerTimeout, c.HeartbeatInterval)
	case c.RebalanceInterval <= 0:
		return errors.Wrap(ErrInvalidConfig, "rebalance interval must be positive")
	case c.MaxLeasesPerWorker <= 0:
		return errors.Wrapf(ErrInvalidConfig, "max leases per worker must be positive, got %d", c.MaxLeasesPerWorker)
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

func (c *Config) processorOptions() processor.Options {
	return processor.Options{
		WorkerID:           c.WorkerID,
		BatchSize:          c.BatchSize,
		CheckpointBatches:  c.CheckpointBatches,
		CheckpointInterval: c.CheckpointInterval,
		HandlerRetries:     c.HandlerRetries,
		IdlePollInterval:   c.IdlePollInterval,
	}
}
