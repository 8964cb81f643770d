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

package logsource

import (
	"context"

	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/model"
)

var (
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrStreamNotFound is returned when the whole log is missing. Unlike
	// ErrPartitionNotFound it doesn't mean the partition ended.
	ErrStreamNotFound = errors.New("stream not found")
	ErrIteratorExpired   = errors.New("iterator expired")
	ErrThrottled         = errors.New("read throttled")
)

// RecordBatch is the result of a fetch. When Ended is set the partition is
// closed and every record was returned, so there is no next iterator.
type RecordBatch struct {
	Records      []model.Record
	NextIterator string
	Ended        bool
}

// Adapter gives access to a partitioned, append-only log.
type Adapter interface {
	ListPartitions(ctx context.Context) ([]model.Partition, error)

	// GetIterator returns an iterator positioned after the given sequence
	// number, or at the beginning of the partition for TRIM_HORIZON.
	GetIterator(ctx context.Context, partitionID string, position string) (string, error)

	GetRecords(ctx context.Context, iterator string, maxCount int) (RecordBatch, error)
}

// IsRetryable reports whether a failed read can be attempted again as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled)
}
