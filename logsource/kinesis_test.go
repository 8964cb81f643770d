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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/leasekeeper/model"
)

type fakeKinesis struct {
	sync.Mutex
	shards  []types.Shard
	records map[string][]types.Record
	closed  map[string]bool
	expired bool
	deleted bool
	calls   int
}

func (f *fakeKinesis) checkStream() error {
	if f.deleted {
		return &types.ResourceNotFoundException{Message: aws.String("Stream stream under account 123 not found.")}
	}
	return nil
}

func (f *fakeKinesis) ListShards(_ context.Context, params *kinesis.ListShardsInput, _ ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	f.Lock()
	defer f.Unlock()
	if err := f.checkStream(); err != nil {
		return nil, err
	}

	// One shard per page
	start := 0
	if params.NextToken != nil {
		if params.StreamName != nil {
			return nil, fmt.Errorf("stream name set with next token")
		}
		start, _ = strconv.Atoi(*params.NextToken)
	}
	out := &kinesis.ListShardsOutput{Shards: f.shards[start : start+1]}
	if start+1 < len(f.shards) {
		out.NextToken = aws.String(strconv.Itoa(start + 1))
	}
	return out, nil
}

func (f *fakeKinesis) GetShardIterator(_ context.Context, params *kinesis.GetShardIteratorInput, _ ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	f.Lock()
	defer f.Unlock()
	if err := f.checkStream(); err != nil {
		return nil, err
	}

	if _, ok := f.records[*params.ShardId]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no shard")}
	}

	offset := 0
	if params.ShardIteratorType == types.ShardIteratorTypeAfterSequenceNumber {
		for i, r := range f.records[*params.ShardId] {
			if *r.SequenceNumber == *params.StartingSequenceNumber {
				offset = i + 1
			}
		}
	}
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String(fmt.Sprintf("%s:%d", *params.ShardId, offset))}, nil
}

func (f *fakeKinesis) GetRecords(_ context.Context, params *kinesis.GetRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	f.Lock()
	defer f.Unlock()
	f.calls++
	if err := f.checkStream(); err != nil {
		return nil, err
	}

	if f.expired {
		f.expired = false
		return nil, &types.ExpiredIteratorException{Message: aws.String("expired")}
	}

	shard, offsetStr, _ := strings.Cut(*params.ShardIterator, ":")
	offset, err := strconv.Atoi(offsetStr)
	if err != nil {
		return nil, err
	}

	records := f.records[shard]
	end := min(offset+int(*params.Limit), len(records))
	out := &kinesis.GetRecordsOutput{Records: records[offset:end]}
	if !(f.closed[shard] && end == len(records)) {
		out.NextShardIterator = aws.String(fmt.Sprintf("%s:%d", shard, end))
	}
	return out, nil
}

func newFakeKinesis() *fakeKinesis {
	f := &fakeKinesis{
		records: map[string][]types.Record{},
		closed:  map[string]bool{"shardId-000000000000": true},
		shards: []types.Shard{{
			ShardId: aws.String("shardId-000000000000"),
			HashKeyRange: &types.HashKeyRange{
				StartingHashKey: aws.String("0"),
				EndingHashKey:   aws.String("340282366920938463463374607431768211455"),
			},
			SequenceNumberRange: &types.SequenceNumberRange{
				StartingSequenceNumber: aws.String("1"),
				EndingSequenceNumber:   aws.String("3"),
			},
		}, {
			ShardId:       aws.String("shardId-000000000001"),
			ParentShardId: aws.String("shardId-000000000000"),
			HashKeyRange: &types.HashKeyRange{
				StartingHashKey: aws.String("0"),
				EndingHashKey:   aws.String("170141183460469231731687303715884105727"),
			},
			SequenceNumberRange: &types.SequenceNumberRange{
				StartingSequenceNumber: aws.String("4"),
			},
		}},
	}
	for i := 1; i <= 3; i++ {
		f.records["shardId-000000000000"] = append(f.records["shardId-000000000000"], types.Record{
			SequenceNumber: aws.String(strconv.Itoa(i)),
			PartitionKey:   aws.String(fmt.Sprintf("key-%d", i)),
			Data:           []byte("data"),
		})
	}
	f.records["shardId-000000000001"] = nil
	return f
}

func TestKinesis_ListPartitions(t *testing.T) {
	k := NewKinesis(newFakeKinesis(), "stream")

	partitions, err := k.ListPartitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Partition{{
		ID:        "shardId-000000000000",
		HashRange: model.HashRange{Min: 0, Max: ^uint64(0)},
		State:     model.PartitionClosed,
	}, {
		ID:        "shardId-000000000001",
		HashRange: model.HashRange{Min: 0, Max: ^uint64(0) >> 1},
		Parents:   []string{"shardId-000000000000"},
		State:     model.PartitionOpen,
	}}, partitions)
}

func TestKinesis_GetRecords(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKinesis()
	k := NewKinesis(fake, "stream")

	it, err := k.GetIterator(ctx, "shardId-000000000000", model.SequenceTrimHorizon)
	require.NoError(t, err)

	batch, err := k.GetRecords(ctx, it, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 2)
	assert.False(t, batch.Ended)
	assert.Equal(t, "1", batch.Records[0].SequenceNumber)
	assert.Equal(t, "shardId-000000000000", batch.Records[0].PartitionID)

	batch, err = k.GetRecords(ctx, batch.NextIterator, 2)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
	assert.True(t, batch.Ended)

	// Resume after a checkpoint
	it, err = k.GetIterator(ctx, "shardId-000000000000", "2")
	require.NoError(t, err)
	batch, err = k.GetRecords(ctx, it, 10)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
	assert.Equal(t, "3", batch.Records[0].SequenceNumber)

	fake.expired = true
	_, err = k.GetRecords(ctx, it, 10)
	assert.ErrorIs(t, err, ErrIteratorExpired)

	_, err = k.GetIterator(ctx, "shardId-000000000009", model.SequenceTrimHorizon)
	assert.ErrorIs(t, err, ErrPartitionNotFound)

	it, err = k.GetIterator(ctx, "shardId-000000000000", model.SequenceShardEnd)
	require.NoError(t, err)
	batch, err = k.GetRecords(ctx, it, 10)
	require.NoError(t, err)
	assert.True(t, batch.Ended)
}

func TestKinesis_StreamNotFound(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKinesis()
	k := NewKinesis(fake, "stream")

	it, err := k.GetIterator(ctx, "shardId-000000000001", model.SequenceTrimHorizon)
	require.NoError(t, err)

	fake.Lock()
	fake.deleted = true
	fake.Unlock()

	// A missing stream doesn't end its shards
	_, err = k.GetIterator(ctx, "shardId-000000000001", model.SequenceTrimHorizon)
	assert.ErrorIs(t, err, ErrStreamNotFound)
	assert.NotErrorIs(t, err, ErrPartitionNotFound)

	_, err = k.GetRecords(ctx, it, 10)
	assert.ErrorIs(t, err, ErrStreamNotFound)
	assert.NotErrorIs(t, err, ErrPartitionNotFound)

	_, err = k.ListPartitions(ctx)
	assert.ErrorIs(t, err, ErrStreamNotFound)

	// Once the stream is back, an unlisted shard is gone for good
	fake.Lock()
	fake.deleted = false
	fake.Unlock()
	_, err = k.GetIterator(ctx, "shardId-000000000009", model.SequenceTrimHorizon)
	assert.ErrorIs(t, err, ErrPartitionNotFound)
}
