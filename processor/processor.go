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
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/common/metrics"
	"github.com/streamnative/leasekeeper/lease"
	"github.com/streamnative/leasekeeper/logsource"
	"github.com/streamnative/leasekeeper/model"
)

const (
	DefaultBatchSize           = 100
	DefaultCheckpointBatches   = 10
	DefaultCheckpointInterval  = 5 * time.Second
	DefaultHandlerRetries      = 3
	DefaultIdlePollInterval    = time.Second
	DefaultFinalWriteTimeout   = 5 * time.Second
	defaultHandlerRetryBackoff = 100 * time.Millisecond
)

var (
	// ErrShutdown is the cancellation cause of a graceful stop.
	ErrShutdown = errors.New("processor shut down")
	// ErrHandlerFailed is returned when the handler kept failing on a record
	// after all the retries.
	ErrHandlerFailed = errors.New("record handler failed")
)

// Checkpointer persists the progress of the partitions held by a worker.
type Checkpointer interface {
	Checkpoint(ctx context.Context, partitionID string, position string) (model.Lease, error)
	Release(ctx context.Context, partitionID string) error
}

type Options struct {
	WorkerID string

	// Max number of records fetched at once
	BatchSize int

	// A checkpoint is written after this many batches or after the
	// interval, whichever comes first
	CheckpointBatches  int
	CheckpointInterval time.Duration

	HandlerRetries      uint64
	HandlerRetryBackoff time.Duration

	// Wait after an empty fetch on an open partition
	IdlePollInterval time.Duration

	// Bound of the writes done after the processing stopped
	FinalWriteTimeout time.Duration

	// OnAbandoned is invoked when the processing gives up on the partition,
	// before its lease is released.
	OnAbandoned func(partitionID string, err error)
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.CheckpointBatches <= 0 {
		o.CheckpointBatches = DefaultCheckpointBatches
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.HandlerRetryBackoff <= 0 {
		o.HandlerRetryBackoff = defaultHandlerRetryBackoff
	}
	if o.IdlePollInterval <= 0 {
		o.IdlePollInterval = DefaultIdlePollInterval
	}
	if o.FinalWriteTimeout <= 0 {
		o.FinalWriteTimeout = DefaultFinalWriteTimeout
	}
}

// Processor reads one partition from its checkpoint and hands every record
// to the handler, while it holds the partition lease.
type Processor struct {
	partitionID  string
	checkpoint   string
	adapter      logsource.Adapter
	checkpointer Checkpointer
	handler      RecordHandler
	lifecycle    PartitionLifecycle
	options      Options

	state atomic.Int32

	// Sequence number of the last record handed successfully
	lastHanded       string
	lastCheckpointed string

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error

	log *slog.Logger

	recordsProcessed metrics.Counter
	handlerFailures  metrics.Counter
	batchSize        metrics.Histogram
	transitions      map[State]metrics.Counter
}

func New(l model.Lease, adapter logsource.Adapter, checkpointer Checkpointer, handler RecordHandler, options Options) *Processor {
	options.withDefaults()

	labels := metrics.LabelsForPartition(options.WorkerID, l.PartitionID)
	p := &Processor{
		partitionID:  l.PartitionID,
		checkpoint:   l.Checkpoint,
		adapter:      adapter,
		checkpointer: checkpointer,
		handler:      handler,
		options:      options,
		done:         make(chan struct{}),
		log: slog.With(
			slog.String("component", "shard-processor"),
			slog.String("worker", options.WorkerID),
			slog.String("partition", l.PartitionID),
		),

		recordsProcessed: metrics.NewCounter("leasekeeper_processor_records",
			"The number of records handed successfully", metrics.Dimensionless, labels),
		handlerFailures: metrics.NewCounter("leasekeeper_processor_handler_failures",
			"The number of failed handler invocations", metrics.Dimensionless, labels),
		batchSize: metrics.NewCountHistogram("leasekeeper_processor_batch_size",
			"The number of records in the fetched batches", labels),
		transitions: map[State]metrics.Counter{},
	}
	p.lastCheckpointed = l.Checkpoint
	p.lifecycle, _ = handler.(PartitionLifecycle)

	for _, s := range allStates {
		p.transitions[s] = metrics.NewCounter("leasekeeper_processor_state_transitions",
			"The number of transitions into each state", metrics.Dimensionless, labels.With("state", s.String()))
	}

	p.ctx, p.cancel = context.WithCancelCause(context.Background())
	p.state.Store(int32(StateAssigned))
	p.transitions[StateAssigned].Inc()
	return p
}

func (p *Processor) PartitionID() string {
	return p.partitionID
}

func (p *Processor) State() State {
	return State(p.state.Load())
}

func (p *Processor) setState(s State) {
	if State(p.state.Swap(int32(s))) != s {
		p.transitions[s].Inc()
	}
}

// Start launches the processing go-routine.
func (p *Processor) Start() {
	go common.DoWithLabels(p.ctx, map[string]string{
		"leasekeeper": "shard-processor",
		"partition":   p.partitionID,
	}, p.run)
}

// Cancel interrupts the processing without waiting for it to finish.
func (p *Processor) Cancel(cause error) {
	p.cancel(cause)
}

// Stop interrupts the processing and waits for the final writes.
func (p *Processor) Stop(cause error) error {
	p.cancel(cause)
	<-p.done
	return p.err
}

func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Err returns the reason why the processor exited. It's nil if the
// partition was drained.
func (p *Processor) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Processor) run() {
	defer close(p.done)

	err := p.process()
	p.finish(err)
}

// interrupted returns the cancellation cause, if the processor was cancelled.
func (p *Processor) interrupted() error {
	if p.ctx.Err() != nil {
		return context.Cause(p.ctx)
	}
	return nil
}

func (p *Processor) process() error {
	p.log.Info(
		"Starting to process partition",
		slog.String("checkpoint", p.checkpoint),
	)

	if p.lifecycle != nil {
		if err := p.lifecycle.Initialize(p.ctx, p.partitionID, p.checkpoint); err != nil {
			if cause := p.interrupted(); cause != nil {
				return cause
			}
			return errors.Wrapf(ErrHandlerFailed, "initialize: %v", err)
		}
	}

	iterator, err := p.openIterator(p.checkpoint)
	if err != nil {
		return err
	}

	batches := 0
	lastCheckpoint := time.Now()
	readBackoff := common.NewBackOff(p.ctx)

	for {
		if err := p.interrupted(); err != nil {
			return err
		}

		p.setState(StateIterating)
		batch, err := p.adapter.GetRecords(p.ctx, iterator, p.options.BatchSize)
		if err != nil {
			if cause := p.interrupted(); cause != nil {
				return cause
			}

			switch {
			case errors.Is(err, logsource.ErrIteratorExpired):
				p.log.Info("Iterator expired, reopening it")
				if iterator, err = p.openIterator(p.position()); err != nil {
					return err
				}
				continue
			case errors.Is(err, logsource.ErrPartitionNotFound):
				return p.drain()
			}

			if err := p.waitRetry(readBackoff, err); err != nil {
				return err
			}
			continue
		}
		readBackoff.Reset()

		if len(batch.Records) > 0 {
			p.setState(StateProcessing)
			p.batchSize.Record(len(batch.Records))
			for i := range batch.Records {
				if err := p.interrupted(); err != nil {
					return err
				}
				if err := p.handle(&batch.Records[i]); err != nil {
					return err
				}
			}
			batches++
		}

		if batch.Ended {
			return p.drain()
		}
		iterator = batch.NextIterator

		if batches >= p.options.CheckpointBatches ||
			(batches > 0 && time.Since(lastCheckpoint) >= p.options.CheckpointInterval) {
			p.setState(StateCheckpointing)
			if err := p.writeCheckpoint(p.ctx, p.lastHanded); err != nil {
				return err
			}
			batches = 0
			lastCheckpoint = time.Now()
		}

		if len(batch.Records) == 0 {
			select {
			case <-p.ctx.Done():
				return context.Cause(p.ctx)
			case <-time.After(p.options.IdlePollInterval):
			}
		}
	}
}

// position is where the processing should resume from.
func (p *Processor) position() string {
	if p.lastHanded != "" {
		return p.lastHanded
	}
	return p.checkpoint
}

func (p *Processor) waitRetry(b backoff.BackOff, err error) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		if cause := p.interrupted(); cause != nil {
			return cause
		}
		return err
	}

	level := slog.LevelWarn
	if logsource.IsRetryable(err) {
		level = slog.LevelDebug
	}
	p.log.Log(p.ctx, level,
		"Failed to read partition, retrying",
		slog.Any("error", err),
		slog.Duration("retry-after", d),
	)

	select {
	case <-p.ctx.Done():
		return context.Cause(p.ctx)
	case <-time.After(d):
		return nil
	}
}

func (p *Processor) openIterator(position string) (string, error) {
	var iterator string
	err := backoff.RetryNotify(func() (err error) {
		iterator, err = p.adapter.GetIterator(p.ctx, p.partitionID, position)
		if errors.Is(err, logsource.ErrPartitionNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, common.NewBackOff(p.ctx), func(err error, duration time.Duration) {
		p.log.Warn(
			"Failed to open iterator, retrying",
			slog.String("position", position),
			slog.Any("error", err),
			slog.Duration("retry-after", duration),
		)
	})

	if cause := p.interrupted(); cause != nil {
		return "", cause
	}
	if errors.Is(err, logsource.ErrPartitionNotFound) {
		// Fetching from an empty iterator reports the end of the partition
		p.log.Warn("Partition is no longer in the log")
		return "", nil
	}
	return iterator, err
}

func (p *Processor) handle(record *model.Record) error {
	bo := common.NewBoundedBackOff(p.ctx, p.options.HandlerRetryBackoff, p.options.HandlerRetries)
	err := backoff.RetryNotify(func() error {
		return p.handler.ProcessRecord(p.ctx, record)
	}, bo, func(err error, duration time.Duration) {
		p.handlerFailures.Inc()
		p.log.Warn(
			"Record handler failed, retrying",
			slog.String("sequence-number", record.SequenceNumber),
			slog.Any("error", err),
			slog.Duration("retry-after", duration),
		)
	})

	if err != nil {
		if cause := p.interrupted(); cause != nil {
			return cause
		}
		p.handlerFailures.Inc()
		return errors.Wrapf(ErrHandlerFailed, "record %s: %v", record.SequenceNumber, err)
	}

	p.lastHanded = record.SequenceNumber
	p.recordsProcessed.Inc()
	return nil
}

func (p *Processor) writeCheckpoint(ctx context.Context, position string) error {
	if position == "" || position == p.lastCheckpointed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	_, err := p.checkpointer.Checkpoint(ctx, p.partitionID, position)
	switch {
	case err == nil:
		p.lastCheckpointed = position
		p.log.Debug(
			"Checkpoint written",
			slog.String("position", position),
		)
		return nil
	case errors.Is(err, lease.ErrOwnershipLost), errors.Is(err, lease.ErrCheckpointRegression):
		return err
	case ctx.Err() != nil:
		return context.Cause(ctx)
	}

	// The progress is written again at the next checkpoint
	p.log.Warn(
		"Failed to write checkpoint",
		slog.String("position", position),
		slog.Any("error", err),
	)
	return nil
}

// drain marks the end of the partition, letting its children be processed.
func (p *Processor) drain() error {
	if err := p.interrupted(); err != nil {
		return err
	}

	p.setState(StateCheckpointing)
	_, err := p.checkpointer.Checkpoint(p.ctx, p.partitionID, model.SequenceShardEnd)
	if err != nil {
		if cause := p.interrupted(); cause != nil {
			return cause
		}
		return errors.Wrap(err, "failed to mark partition as drained")
	}
	p.lastCheckpointed = model.SequenceShardEnd
	return nil
}

func (p *Processor) finish(err error) {
	p.err = err

	switch {
	case err == nil:
		p.setState(StateDrained)
		p.notify(func(ctx context.Context, l PartitionLifecycle) {
			l.PartitionEnded(ctx, p.partitionID)
		})
		p.log.Info(
			"Partition drained",
			slog.String("last-sequence-number", p.lastHanded),
		)

	case errors.Is(err, ErrShutdown):
		p.setState(StateStopped)
		p.notify(func(ctx context.Context, l PartitionLifecycle) {
			l.ShutdownRequested(ctx, p.partitionID)
		})
		p.checkpointAndRelease()
		p.log.Info(
			"Processor stopped",
			slog.String("checkpoint", p.lastCheckpointed),
		)

	case errors.Is(err, lease.ErrOwnershipLost), errors.Is(err, lease.ErrLeaseExpired):
		p.setState(StateLost)
		p.notify(func(ctx context.Context, l PartitionLifecycle) {
			l.LeaseLost(ctx, p.partitionID, err)
		})
		p.log.Warn(
			"Lease lost, processing stopped",
			slog.Any("error", err),
		)

	default:
		// The partition is abandoned, saving the progress made so far
		p.setState(StateLost)
		if p.options.OnAbandoned != nil {
			p.options.OnAbandoned(p.partitionID, err)
		}
		p.notify(func(ctx context.Context, l PartitionLifecycle) {
			l.LeaseLost(ctx, p.partitionID, err)
		})
		p.checkpointAndRelease()
		p.log.Error(
			"Processing abandoned",
			slog.Any("error", err),
			slog.String("checkpoint", p.lastCheckpointed),
		)
	}
}

// notify invokes a lifecycle callback of the handler, if it has any, with
// a context bounded like the final writes.
func (p *Processor) notify(f func(ctx context.Context, l PartitionLifecycle)) {
	if p.lifecycle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.options.FinalWriteTimeout)
	defer cancel()
	f(ctx, p.lifecycle)
}

func (p *Processor) checkpointAndRelease() {
	ctx, cancel := context.WithTimeout(context.Background(), p.options.FinalWriteTimeout)
	defer cancel()

	if err := p.writeCheckpoint(ctx, p.lastHanded); err != nil {
		p.log.Warn(
			"Failed to write final checkpoint",
			slog.Any("error", err),
		)
		if errors.Is(err, lease.ErrOwnershipLost) {
			return
		}
	}

	if err := p.checkpointer.Release(ctx, p.partitionID); err != nil && !errors.Is(err, lease.ErrNotHeld) {
		p.log.Warn(
			"Failed to release lease",
			slog.Any("error", err),
		)
	}
}
