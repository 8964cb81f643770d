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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/kubernetes"
	"github.com/streamnative/leasekeeper/kv"
	"github.com/streamnative/leasekeeper/leasestore"
	"github.com/streamnative/leasekeeper/logsource"
)

func loadAWSConfig(ctx context.Context, config Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(config.AWSRegion))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to load aws configuration")
	}
	return cfg, nil
}

func endpoint(config Config) *string {
	if config.AWSEndpoint == "" {
		return nil
	}
	return aws.String(config.AWSEndpoint)
}

// NewLeaseStore creates the lease store selected in the configuration.
func NewLeaseStore(ctx context.Context, config Config) (leasestore.Store, error) {
	slog.Info(
		"Creating lease store",
		slog.String("lease-store", config.LeaseStore),
	)

	switch config.LeaseStore {
	case StoreMemory:
		return leasestore.NewMemoryStore(), nil

	case StoreFile:
		return leasestore.NewFileStore(config.FileStorePath)

	case StorePebble:
		return leasestore.NewPebbleStore(kv.Options{
			DataDir:     config.PebbleStoreDir,
			CacheSizeMB: kv.DefaultOptions.CacheSizeMB,
			Name:        "leases",
		})

	case StoreConfigMap:
		if config.K8SNamespace == "" || config.K8SConfigMapName == "" {
			return nil, errors.Wrap(ErrInvalidConfig, "k8s namespace and configmap name must be set with the configmap store")
		}
		restConfig, err := kubernetes.NewClientConfig()
		if err != nil {
			return nil, err
		}
		kc, err := kubernetes.NewKubernetesClientset(restConfig)
		if err != nil {
			return nil, err
		}
		return leasestore.NewConfigMapStore(kc, config.K8SNamespace, config.K8SConfigMapName), nil

	case StoreDynamoDB:
		cfg, err := loadAWSConfig(ctx, config)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = endpoint(config)
		})
		if config.DynamoDBCreate {
			if err := leasestore.EnsureTable(ctx, client, config.DynamoDBTable); err != nil {
				return nil, err
			}
		}
		return leasestore.NewDynamoDBStore(client, config.DynamoDBTable), nil
	}

	return nil, errors.Wrapf(ErrInvalidConfig, "unknown lease store '%s', must be one of %q",
		config.LeaseStore, []string{StoreMemory, StoreFile, StorePebble, StoreConfigMap, StoreDynamoDB})
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}

// NewAdapter creates the log source selected in the configuration. The
// returned closer releases its resources.
func NewAdapter(ctx context.Context, config Config) (logsource.Adapter, io.Closer, error) {
	slog.Info(
		"Creating log source adapter",
		slog.String("adapter", config.Adapter),
	)

	switch config.Adapter {
	case AdapterKinesis:
		if config.KinesisStream == "" {
			return nil, nil, errors.Wrap(ErrInvalidConfig, "kinesis stream must be set with the kinesis adapter")
		}
		cfg, err := loadAWSConfig(ctx, config)
		if err != nil {
			return nil, nil, err
		}
		client := kinesis.NewFromConfig(cfg, func(o *kinesis.Options) {
			o.BaseEndpoint = endpoint(config)
		})
		return logsource.NewKinesis(client, config.KinesisStream), nopCloser{}, nil

	case AdapterLocal:
		db, err := kv.NewPebbleKV(kv.Options{
			DataDir:     config.LocalLogDir,
			CacheSizeMB: kv.DefaultOptions.CacheSizeMB,
			Name:        "log",
		})
		if err != nil {
			return nil, nil, err
		}
		l, err := logsource.NewLocal(db, config.LocalLogPartitions, config.Clock)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return l, db, nil
	}

	return nil, nil, errors.Wrapf(ErrInvalidConfig, "unknown adapter '%s', must be one of %q",
		config.Adapter, []string{AdapterKinesis, AdapterLocal})
}
