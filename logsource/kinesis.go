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
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/streamnative/leasekeeper/model"
)

const (
	// Kinesis allows 5 GetRecords calls per second on each shard
	kinesisReadsPerSecond = 5
	kinesisMaxRecords     = 10_000

	kinesisIteratorSeparator = "|"
)

// KinesisAPI is the subset of the Kinesis client used by the adapter.
type KinesisAPI interface {
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

type Kinesis struct {
	sync.Mutex
	client   KinesisAPI
	stream   string
	limiters map[string]*rate.Limiter
	log      *slog.Logger
}

func NewKinesis(client KinesisAPI, stream string) *Kinesis {
	return &Kinesis{
		client:   client,
		stream:   stream,
		limiters: map[string]*rate.Limiter{},
		log: slog.With(
			slog.String("component", "kinesis-adapter"),
			slog.String("stream", stream),
		),
	}
}

func (k *Kinesis) limiter(shardID string) *rate.Limiter {
	k.Lock()
	defer k.Unlock()

	l, ok := k.limiters[shardID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(kinesisReadsPerSecond), 1)
		k.limiters[shardID] = l
	}
	return l
}

// hashKeyTop64 keeps the most significant 64 bits of a 128 bits hash key.
func hashKeyTop64(key *string) (uint64, error) {
	if key == nil {
		return 0, nil
	}
	n, ok := new(big.Int).SetString(*key, 10)
	if !ok {
		return 0, errors.Errorf("invalid hash key '%s'", *key)
	}
	return n.Rsh(n, 64).Uint64(), nil
}

func shardToPartition(s types.Shard) (model.Partition, error) {
	p := model.Partition{
		ID:    aws.ToString(s.ShardId),
		State: model.PartitionOpen,
	}
	if s.ParentShardId != nil {
		p.Parents = append(p.Parents, *s.ParentShardId)
	}
	if s.AdjacentParentShardId != nil {
		p.Parents = append(p.Parents, *s.AdjacentParentShardId)
	}
	if s.SequenceNumberRange != nil && s.SequenceNumberRange.EndingSequenceNumber != nil {
		p.State = model.PartitionClosed
	}

	if s.HashKeyRange != nil {
		var err error
		if p.HashRange.Min, err = hashKeyTop64(s.HashKeyRange.StartingHashKey); err != nil {
			return p, err
		}
		if p.HashRange.Max, err = hashKeyTop64(s.HashKeyRange.EndingHashKey); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (k *Kinesis) ListPartitions(ctx context.Context) ([]model.Partition, error) {
	var res []model.Partition
	input := &kinesis.ListShardsInput{StreamName: aws.String(k.stream)}
	for {
		out, err := k.client.ListShards(ctx, input)
		if err != nil {
			return nil, mapKinesisError(err)
		}

		for _, s := range out.Shards {
			p, err := shardToPartition(s)
			if err != nil {
				return nil, err
			}
			res = append(res, p)
		}

		if out.NextToken == nil {
			return res, nil
		}
		// The stream name must not be set along with the token
		input = &kinesis.ListShardsInput{NextToken: out.NextToken}
	}
}

func (k *Kinesis) GetIterator(ctx context.Context, partitionID string, position string) (string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(k.stream),
		ShardId:    aws.String(partitionID),
	}

	switch position {
	case model.SequenceShardEnd:
		return "", nil
	case model.SequenceTrimHorizon, "":
		input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	default:
		if err := model.ValidatePosition(position); err != nil {
			return "", err
		}
		input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = aws.String(position)
	}

	out, err := k.client.GetShardIterator(ctx, input)
	if err != nil {
		return "", k.resolveNotFound(ctx, partitionID, mapKinesisError(err))
	}
	if out.ShardIterator == nil {
		return "", nil
	}
	return partitionID + kinesisIteratorSeparator + *out.ShardIterator, nil
}

func (k *Kinesis) GetRecords(ctx context.Context, iterator string, maxCount int) (RecordBatch, error) {
	if iterator == "" {
		return RecordBatch{Ended: true}, nil
	}

	shardID, shardIterator, ok := strings.Cut(iterator, kinesisIteratorSeparator)
	if !ok {
		return RecordBatch{}, errors.Errorf("invalid iterator '%s'", iterator)
	}

	if err := k.limiter(shardID).Wait(ctx); err != nil {
		return RecordBatch{}, err
	}

	out, err := k.client.GetRecords(ctx, &kinesis.GetRecordsInput{
		ShardIterator: aws.String(shardIterator),
		Limit:         aws.Int32(int32(min(maxCount, kinesisMaxRecords))),
	})
	if err != nil {
		err = k.resolveNotFound(ctx, shardID, mapKinesisError(err))
		if errors.Is(err, ErrThrottled) {
			k.log.Debug(
				"Reads throttled",
				slog.String("shard", shardID),
				slog.Any("error", err),
			)
		}
		return RecordBatch{}, err
	}

	res := RecordBatch{}
	for _, r := range out.Records {
		rec := model.Record{
			PartitionID:    shardID,
			SequenceNumber: aws.ToString(r.SequenceNumber),
			PartitionKey:   aws.ToString(r.PartitionKey),
			Data:           r.Data,
		}
		if r.ApproximateArrivalTimestamp != nil {
			rec.ArrivalTime = *r.ApproximateArrivalTimestamp
		}
		res.Records = append(res.Records, rec)
	}

	if out.NextShardIterator == nil {
		res.Ended = true
	} else {
		res.NextIterator = shardID + kinesisIteratorSeparator + *out.NextShardIterator
	}
	return res, nil
}

// resolveNotFound tells a missing shard from a missing stream, since Kinesis
// reports both as ResourceNotFoundException. Only a shard that is no longer
// listed in an existing stream is reported as ErrPartitionNotFound.
func (k *Kinesis) resolveNotFound(ctx context.Context, shardID string, err error) error {
	if !errors.Is(err, ErrStreamNotFound) {
		return err
	}

	partitions, listErr := k.ListPartitions(ctx)
	if listErr != nil {
		k.log.Warn(
			"Failed to check whether the shard still exists",
			slog.String("shard", shardID),
			slog.Any("error", listErr),
		)
		return listErr
	}
	for _, p := range partitions {
		if p.ID == shardID {
			return errors.Errorf("shard %s is listed but was not found: %v", shardID, err)
		}
	}
	return errors.Wrapf(ErrPartitionNotFound, "shard %s: %v", shardID, err)
}

// mapKinesisError translates the client errors. A ResourceNotFoundException
// is reported as ErrStreamNotFound until resolveNotFound proves otherwise.
func mapKinesisError(err error) error {
	var expired *types.ExpiredIteratorException
	var throughput *types.ProvisionedThroughputExceededException
	var kmsThrottling *types.KMSThrottlingException
	var notFound *types.ResourceNotFoundException

	switch {
	case errors.As(err, &expired):
		return errors.Wrap(ErrIteratorExpired, err.Error())
	case errors.As(err, &throughput), errors.As(err, &kmsThrottling):
		return errors.Wrap(ErrThrottled, err.Error())
	case errors.As(err, &notFound):
		return errors.Wrap(ErrStreamNotFound, err.Error())
	}
	return err
}
