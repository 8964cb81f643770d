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
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.uber.org/multierr"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/common/metrics"
	"github.com/streamnative/leasekeeper/kv"
	"github.com/streamnative/leasekeeper/model"
)

const (
	localMetaKey      = "meta/state"
	localRecordPrefix = "rec/"

	// Sequence numbers are zero padded in the keys so that they sort numerically
	sequenceKeyFormat = "%020d"

	iteratorSeparator = "@"
)

var ErrPartitionClosed = errors.New("partition is closed")

type localState struct {
	Partitions      []model.Partition `json:"partitions"`
	NextSequence    uint64            `json:"nextSequence"`
	NextPartitionID int64             `json:"nextPartitionId"`
}

type localRecord struct {
	PartitionKey string    `json:"partitionKey"`
	Data         []byte    `json:"data"`
	ArrivalTime  time.Time `json:"arrivalTime"`
}

// Local is a durable partitioned log stored in Pebble. Records are routed to
// the open partition whose hash range contains the hash of their key.
// Partitions can be split and merged, which closes them and opens children.
type Local struct {
	sync.RWMutex
	db    kv.KV
	clock common.Clock
	state localState
	log   *slog.Logger

	appendedRecords metrics.Counter
	reshards        metrics.Counter
}

// NewLocal opens the log stored in the database, creating it with the given
// number of partitions when it's empty.
func NewLocal(db kv.KV, initialPartitions int, clock common.Clock) (*Local, error) {
	if clock == nil {
		clock = common.SystemClock
	}
	l := &Local{
		db:    db,
		clock: clock,
		log: slog.With(
			slog.String("component", "local-log"),
		),
		appendedRecords: metrics.NewCounter("leasekeeper_local_log_appended_records",
			"The number of records appended to the local log", metrics.Dimensionless, nil),
		reshards: metrics.NewCounter("leasekeeper_local_log_reshards",
			"The number of split and merge operations on the local log", metrics.Dimensionless, nil),
	}

	value, err := db.Get(localMetaKey)
	switch {
	case err == nil:
		if err := json.Unmarshal(value, &l.state); err != nil {
			return nil, errors.Wrap(err, "failed to parse local log state")
		}
		return l, nil
	case !errors.Is(err, kv.ErrKeyNotFound):
		return nil, err
	}

	if initialPartitions <= 0 {
		return nil, errors.Errorf("invalid number of partitions: %d", initialPartitions)
	}

	step := math.MaxUint64 / uint64(initialPartitions)
	for i := 0; i < initialPartitions; i++ {
		r := model.HashRange{Min: uint64(i) * step, Max: uint64(i+1)*step - 1}
		if i == initialPartitions-1 {
			r.Max = math.MaxUint64
		}
		l.state.Partitions = append(l.state.Partitions, model.Partition{
			ID:        l.newPartitionID(),
			HashRange: r,
			State:     model.PartitionOpen,
		})
	}

	if err := l.persistState(nil); err != nil {
		return nil, err
	}
	l.log.Info(
		"Created local log",
		slog.Int("partitions", initialPartitions),
	)
	return l, nil
}

func (l *Local) newPartitionID() string {
	id := fmt.Sprintf("shard-%06d", l.state.NextPartitionID)
	l.state.NextPartitionID++
	return id
}

func (l *Local) persistState(wb kv.WriteBatch) error {
	value, err := json.Marshal(&l.state)
	if err != nil {
		return err
	}

	if wb != nil {
		return wb.Put(localMetaKey, value)
	}

	wb = l.db.NewWriteBatch()
	return multierr.Combine(
		wb.Put(localMetaKey, value),
		wb.Commit(),
		wb.Close(),
	)
}

func (l *Local) findPartition(id string) (int, error) {
	idx := slices.IndexFunc(l.state.Partitions, func(p model.Partition) bool {
		return p.ID == id
	})
	if idx < 0 {
		return -1, errors.Wrapf(ErrPartitionNotFound, "partition %s", id)
	}
	return idx, nil
}

func recordKey(partitionID string, seq uint64) string {
	return localRecordPrefix + partitionID + "/" + fmt.Sprintf(sequenceKeyFormat, seq)
}

func recordPrefix(partitionID string) (lower, upper string) {
	// '0' is the character following '/'
	return localRecordPrefix + partitionID + "/", localRecordPrefix + partitionID + "0"
}

// Append writes a record into the open partition owning the hash of the key.
func (l *Local) Append(_ context.Context, partitionKey string, data []byte) (model.Record, error) {
	l.Lock()
	defer l.Unlock()

	h := xxh3.HashString(partitionKey)
	idx := slices.IndexFunc(l.state.Partitions, func(p model.Partition) bool {
		return !p.IsClosed() && p.HashRange.Contains(h)
	})
	if idx < 0 {
		return model.Record{}, errors.Errorf("no open partition for hash %d", h)
	}

	p := l.state.Partitions[idx]
	seq := l.state.NextSequence
	l.state.NextSequence++

	rec := localRecord{
		PartitionKey: partitionKey,
		Data:         data,
		ArrivalTime:  l.clock.Now(),
	}
	value, err := json.Marshal(&rec)
	if err != nil {
		return model.Record{}, err
	}

	wb := l.db.NewWriteBatch()
	if err := multierr.Combine(
		wb.Put(recordKey(p.ID, seq), value),
		l.persistState(wb),
		wb.Commit(),
		wb.Close(),
	); err != nil {
		l.state.NextSequence--
		return model.Record{}, errors.Wrap(err, "failed to append record")
	}

	l.appendedRecords.Inc()
	return model.Record{
		PartitionID:    p.ID,
		SequenceNumber: strconv.FormatUint(seq, 10),
		PartitionKey:   partitionKey,
		Data:           data,
		ArrivalTime:    rec.ArrivalTime,
	}, nil
}

// Split closes an open partition and creates two children covering the two
// halves of its hash range.
func (l *Local) Split(_ context.Context, partitionID string) ([]model.Partition, error) {
	l.Lock()
	defer l.Unlock()

	idx, err := l.findPartition(partitionID)
	if err != nil {
		return nil, err
	}
	parent := l.state.Partitions[idx]
	if parent.IsClosed() {
		return nil, errors.Wrapf(ErrPartitionClosed, "partition %s", partitionID)
	}

	left, right, ok := parent.HashRange.Split()
	if !ok {
		return nil, errors.Errorf("partition %s can't be split further", partitionID)
	}

	children := []model.Partition{
		{ID: l.newPartitionID(), HashRange: left, Parents: []string{parent.ID}, State: model.PartitionOpen},
		{ID: l.newPartitionID(), HashRange: right, Parents: []string{parent.ID}, State: model.PartitionOpen},
	}
	l.state.Partitions[idx].State = model.PartitionClosed
	l.state.Partitions = append(l.state.Partitions, children...)

	if err := l.persistState(nil); err != nil {
		return nil, err
	}

	l.reshards.Inc()
	l.log.Info(
		"Split partition",
		slog.String("partition", partitionID),
		slog.String("left", children[0].ID),
		slog.String("right", children[1].ID),
	)
	return children, nil
}

// Merge closes two open partitions with adjacent hash ranges and creates a
// child covering both.
func (l *Local) Merge(_ context.Context, partitionA, partitionB string) (model.Partition, error) {
	l.Lock()
	defer l.Unlock()

	idxA, err := l.findPartition(partitionA)
	if err != nil {
		return model.Partition{}, err
	}
	idxB, err := l.findPartition(partitionB)
	if err != nil {
		return model.Partition{}, err
	}

	a, b := l.state.Partitions[idxA], l.state.Partitions[idxB]
	if a.IsClosed() || b.IsClosed() {
		return model.Partition{}, errors.Wrapf(ErrPartitionClosed, "partitions %s, %s", partitionA, partitionB)
	}
	if !a.HashRange.Adjacent(b.HashRange) {
		return model.Partition{}, errors.Errorf("partitions %s and %s are not adjacent", partitionA, partitionB)
	}

	child := model.Partition{
		ID:        l.newPartitionID(),
		HashRange: a.HashRange.Union(b.HashRange),
		Parents:   []string{a.ID, b.ID},
		State:     model.PartitionOpen,
	}
	l.state.Partitions[idxA].State = model.PartitionClosed
	l.state.Partitions[idxB].State = model.PartitionClosed
	l.state.Partitions = append(l.state.Partitions, child)

	if err := l.persistState(nil); err != nil {
		return model.Partition{}, err
	}

	l.reshards.Inc()
	l.log.Info(
		"Merged partitions",
		slog.String("left", partitionA),
		slog.String("right", partitionB),
		slog.String("child", child.ID),
	)
	return child, nil
}

// Expire drops a closed partition and its records, like retention would.
func (l *Local) Expire(_ context.Context, partitionID string) error {
	l.Lock()
	defer l.Unlock()

	idx, err := l.findPartition(partitionID)
	if err != nil {
		return err
	}
	if !l.state.Partitions[idx].IsClosed() {
		return errors.Errorf("partition %s is still open", partitionID)
	}

	lower, upper := recordPrefix(partitionID)
	wb := l.db.NewWriteBatch()
	if err := wb.DeleteRange(lower, upper); err != nil {
		return multierr.Append(err, wb.Close())
	}

	l.state.Partitions = slices.Delete(l.state.Partitions, idx, idx+1)
	return multierr.Combine(
		l.persistState(wb),
		wb.Commit(),
		wb.Close(),
	)
}

func (l *Local) ListPartitions(_ context.Context) ([]model.Partition, error) {
	l.RLock()
	defer l.RUnlock()

	res := make([]model.Partition, 0, len(l.state.Partitions))
	for _, p := range l.state.Partitions {
		res = append(res, p.Clone())
	}
	return res, nil
}

// Iterators have the form "<partition>@<last sequence read>". The sequence
// is omitted when the partition is read from the start.
func (l *Local) GetIterator(_ context.Context, partitionID string, position string) (string, error) {
	l.RLock()
	defer l.RUnlock()

	if _, err := l.findPartition(partitionID); err != nil {
		return "", err
	}

	switch position {
	case model.SequenceTrimHorizon, "":
		return partitionID + iteratorSeparator, nil
	case model.SequenceShardEnd:
		return "", nil
	}

	if _, err := strconv.ParseUint(position, 10, 64); err != nil {
		return "", errors.Wrapf(model.ErrInvalidPosition, "'%s'", position)
	}
	return partitionID + iteratorSeparator + position, nil
}

func parseIterator(iterator string) (partitionID string, after *uint64, err error) {
	idx := strings.LastIndex(iterator, iteratorSeparator)
	if idx < 0 {
		return "", nil, errors.Errorf("invalid iterator '%s'", iterator)
	}
	partitionID = iterator[:idx]
	if seq := iterator[idx+1:]; seq != "" {
		s, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			return "", nil, errors.Errorf("invalid iterator '%s'", iterator)
		}
		after = &s
	}
	return partitionID, after, nil
}

func (l *Local) GetRecords(_ context.Context, iterator string, maxCount int) (res RecordBatch, err error) {
	if iterator == "" {
		return RecordBatch{Ended: true}, nil
	}

	partitionID, after, err := parseIterator(iterator)
	if err != nil {
		return RecordBatch{}, err
	}

	l.RLock()
	defer l.RUnlock()

	idx, err := l.findPartition(partitionID)
	if err != nil {
		return RecordBatch{}, err
	}
	closed := l.state.Partitions[idx].IsClosed()

	lower, upper := recordPrefix(partitionID)
	if after != nil {
		lower = recordKey(partitionID, *after+1)
	}
	it, err := l.db.RangeScan(lower, upper)
	if err != nil {
		return RecordBatch{}, err
	}
	defer func() {
		err = multierr.Append(err, it.Close())
	}()

	last := after
	exhausted := true
	for ; it.Valid(); it.Next() {
		if len(res.Records) == maxCount {
			exhausted = false
			break
		}

		key := it.Key()
		seq, err := strconv.ParseUint(key[strings.LastIndex(key, "/")+1:], 10, 64)
		if err != nil {
			return RecordBatch{}, errors.Wrapf(err, "invalid record key %s", key)
		}
		value, err := it.Value()
		if err != nil {
			return RecordBatch{}, err
		}

		var rec localRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return RecordBatch{}, errors.Wrapf(err, "failed to parse record %s", key)
		}

		res.Records = append(res.Records, model.Record{
			PartitionID:    partitionID,
			SequenceNumber: strconv.FormatUint(seq, 10),
			PartitionKey:   rec.PartitionKey,
			Data:           rec.Data,
			ArrivalTime:    rec.ArrivalTime,
		})
		last = &seq
	}

	if closed && exhausted {
		res.Ended = true
		return res, nil
	}

	res.NextIterator = partitionID + iteratorSeparator
	if last != nil {
		res.NextIterator += strconv.FormatUint(*last, 10)
	}
	return res, nil
}
