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

package flag

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streamnative/leasekeeper/worker"
)

func MetricsAddr(cmd *cobra.Command, conf *string) {
	cmd.Flags().StringVarP(conf, "metrics-addr", "m", fmt.Sprintf("0.0.0.0:%d", worker.DefaultMetricsPort), "Metrics service bind address")
}

func HealthAddr(cmd *cobra.Command, conf *string) {
	cmd.Flags().StringVar(conf, "health-addr", fmt.Sprintf("0.0.0.0:%d", worker.DefaultHealthPort), "Health service bind address")
}

// LeaseStore registers the flags selecting the lease store and its location.
func LeaseStore(cmd *cobra.Command, conf *worker.Config) {
	cmd.Flags().StringVar(&conf.LeaseStore, "lease-store", conf.LeaseStore,
		"Lease store implementation: memory, file, pebble, configmap or dynamodb")
	cmd.Flags().StringVar(&conf.FileStorePath, "file-store-path", conf.FileStorePath, "The path of the leases file with the 'file' store")
	cmd.Flags().StringVar(&conf.PebbleStoreDir, "pebble-store-dir", conf.PebbleStoreDir, "The directory of the leases database with the 'pebble' store")
	cmd.Flags().StringVar(&conf.K8SNamespace, "k8s-namespace", conf.K8SNamespace, "Kubernetes namespace of the leases config map")
	cmd.Flags().StringVar(&conf.K8SConfigMapName, "k8s-configmap-name", conf.K8SConfigMapName, "Name of the leases config map")
	cmd.Flags().StringVar(&conf.DynamoDBTable, "dynamodb-table", conf.DynamoDBTable, "DynamoDB table holding the leases")
	cmd.Flags().BoolVar(&conf.DynamoDBCreate, "dynamodb-create-table", conf.DynamoDBCreate, "Create the DynamoDB table if missing")
	cmd.Flags().StringVar(&conf.AWSRegion, "aws-region", conf.AWSRegion, "AWS region")
	cmd.Flags().StringVar(&conf.AWSEndpoint, "aws-endpoint", conf.AWSEndpoint, "Override of the AWS services endpoint")
}
