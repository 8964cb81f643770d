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

package processor

import (
	"context"

	"github.com/streamnative/leasekeeper/model"
)

// RecordHandler is invoked once per record, synchronously and in the order
// of the partition.
type RecordHandler interface {
	ProcessRecord(ctx context.Context, record *model.Record) error
}

type HandlerFunc func(ctx context.Context, record *model.Record) error

func (f HandlerFunc) ProcessRecord(ctx context.Context, record *model.Record) error {
	return f(ctx, record)
}

// PartitionLifecycle can be implemented by a RecordHandler that keeps state
// per partition. The callbacks of a partition are never invoked concurrently
// with its records.
type PartitionLifecycle interface {
	// Initialize is invoked before the first fetch, with the position the
	// processing resumes from. An error makes the worker abandon the
	// partition.
	Initialize(ctx context.Context, partitionID string, checkpoint string) error

	// PartitionEnded is invoked once every record of a closed partition
	// was handed and the partition was marked as drained.
	PartitionEnded(ctx context.Context, partitionID string)

	// LeaseLost is invoked when the partition is no longer processed by
	// this worker, either because another worker took it over or because
	// it was abandoned. Nothing more can be checkpointed.
	LeaseLost(ctx context.Context, partitionID string, err error)

	// ShutdownRequested is invoked on a graceful stop, before the final
	// checkpoint is written.
	ShutdownRequested(ctx context.Context, partitionID string)
}
