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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/common/metrics"
	"github.com/streamnative/leasekeeper/lease"
	"github.com/streamnative/leasekeeper/leasestore"
	"github.com/streamnative/leasekeeper/logsource"
	"github.com/streamnative/leasekeeper/model"
	"github.com/streamnative/leasekeeper/processor"
	"github.com/streamnative/leasekeeper/topology"
)

const (
	storeCheckTimeout = 10 * time.Second
	storeCheckRetries = 3
)

// Worker owns a share of the partition leases and runs one processor for
// each of them.
type Worker struct {
	sync.Mutex
	config      Config
	adapter     logsource.Adapter
	store       leasestore.Store
	handler     processor.RecordHandler
	coordinator *lease.Coordinator
	tracker     *topology.Tracker

	processors map[string]*processor.Processor
	storeErr   error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger

	processorsGauge metrics.Gauge
	abandoned       metrics.Counter
	balanceLatency  metrics.LatencyHistogram
}

// New creates a worker. It fails if the configuration is invalid or if the
// lease store can't be reached.
func New(config Config, adapter logsource.Adapter, store leasestore.Store, handler processor.RecordHandler) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = common.SystemClock
	}

	w := &Worker{
		config:     config,
		adapter:    adapter,
		store:      store,
		handler:    handler,
		processors: map[string]*processor.Processor{},
		log: slog.With(
			slog.String("component", "worker"),
			slog.String("worker", config.WorkerID),
		),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	if err := w.checkStore(); err != nil {
		w.cancel()
		return nil, err
	}

	labels := metrics.LabelsForWorker(config.WorkerID)
	w.abandoned = metrics.NewCounter("leasekeeper_worker_abandoned_partitions",
		"The number of partitions abandoned after handler failures", metrics.Dimensionless, labels)
	w.balanceLatency = metrics.NewLatencyHistogram("leasekeeper_worker_balance_latency",
		"Latency of the balancing rounds", labels)
	w.processorsGauge = metrics.NewGauge("leasekeeper_worker_processors",
		"The number of running partition processors", metrics.Dimensionless, labels, func() int64 {
			w.Lock()
			defer w.Unlock()
			return int64(len(w.processors))
		})

	w.coordinator = lease.NewCoordinator(store, lease.Options{
		WorkerID:     config.WorkerID,
		LeaseTimeout: config.LeaseTimeout,
		Clock:        config.Clock,
		OnRelease:    w.onRelease,
		OnLost:       w.onLost,
	})

	w.tracker = topology.NewTracker(adapter, store, topology.Options{
		WorkerID:        config.WorkerID,
		RefreshInterval: config.TopologyRefreshInterval,
		OnRefresh:       w.onTopologyRefresh,
	})

	w.log.Info(
		"Created worker",
		slog.Any("config", config),
	)
	return w, nil
}

func (w *Worker) checkStore() error {
	bo := common.NewBoundedBackOff(w.ctx, common.DefaultInitialInterval, storeCheckRetries)
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(w.ctx, storeCheckTimeout)
		defer cancel()
		_, err := w.store.Scan(ctx)
		return err
	}, bo)
	if err != nil {
		return errors.Wrap(ErrStoreUnreachable, err.Error())
	}
	return nil
}

// Start launches the topology tracking, the heartbeat and the balancing.
func (w *Worker) Start() {
	w.tracker.Start()

	w.wg.Add(2)
	go common.DoWithLabels(w.ctx, map[string]string{
		"leasekeeper": "worker-heartbeat",
		"worker":      w.config.WorkerID,
	}, w.heartbeatLoop)
	go common.DoWithLabels(w.ctx, map[string]string{
		"leasekeeper": "worker-balance",
		"worker":      w.config.WorkerID,
	}, w.balanceLoop)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		w.heartbeat()

		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// heartbeat renews the presence row and every held lease. The processors
// of the leases that could not be renewed are cancelled by onLost.
func (w *Worker) heartbeat() {
	if err := w.coordinator.PublishPresence(w.ctx); err != nil && w.ctx.Err() == nil {
		w.log.Warn(
			"Failed to publish presence",
			slog.Any("error", err),
		)
	}

	lost, err := w.coordinator.RenewAll(w.ctx)
	if err != nil && w.ctx.Err() == nil {
		w.log.Warn(
			"Failed to renew leases",
			slog.Any("error", err),
		)
	}
	if len(lost) > 0 {
		w.log.Warn(
			"Leases expired",
			slog.Any("partitions", lost),
		)
	}
}

func (w *Worker) balanceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.RebalanceInterval)
	defer ticker.Stop()

	for {
		w.balance()

		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) balance() {
	timer := w.balanceLatency.Timer()
	defer timer.Done()

	held, err := w.coordinator.AcquireAssignments(w.ctx, w.config.MaxLeasesPerWorker)

	w.Lock()
	w.storeErr = err
	w.Unlock()

	if err != nil {
		if w.ctx.Err() == nil {
			w.log.Warn(
				"Failed to acquire assignments",
				slog.Any("error", err),
			)
		}
		// Keep processing the leases that are still held
	}

	for _, l := range held {
		w.ensureProcessor(l)
	}
}

func (w *Worker) ensureProcessor(l model.Lease) {
	w.Lock()
	defer w.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if _, ok := w.processors[l.PartitionID]; ok {
		return
	}
	// The lease can be lost between the balancing scan and this point. A lost
	// lease is forgotten before the loss is notified, and notification waits
	// for this lock.
	if !w.coordinator.IsHeld(l.PartitionID) {
		return
	}

	options := w.config.processorOptions()
	options.OnAbandoned = w.onAbandoned
	p := processor.New(l, w.adapter, w.coordinator, w.handler, options)
	w.processors[l.PartitionID] = p
	p.Start()

	w.wg.Add(1)
	go w.supervise(p)
}

// supervise waits for a processor to exit.
func (w *Worker) supervise(p *processor.Processor) {
	defer w.wg.Done()

	<-p.Done()

	w.Lock()
	if w.processors[p.PartitionID()] == p {
		delete(w.processors, p.PartitionID())
	}
	w.Unlock()
}

// onAbandoned keeps this worker from claiming back a partition it failed
// to process, for one lease timeout.
func (w *Worker) onAbandoned(partitionID string, err error) {
	w.abandoned.Inc()
	w.coordinator.Quarantine(partitionID, w.config.LeaseTimeout)
	w.log.Warn(
		"Partition abandoned",
		slog.String("partition", partitionID),
		slog.Duration("quarantine", w.config.LeaseTimeout),
		slog.Any("error", err),
	)
}

func (w *Worker) getProcessor(partitionID string) *processor.Processor {
	w.Lock()
	defer w.Unlock()
	return w.processors[partitionID]
}

// onRelease stops the processing before the lease is given up. The final
// checkpoint is written by the processor.
func (w *Worker) onRelease(_ context.Context, partitionID string) {
	if p := w.getProcessor(partitionID); p != nil {
		_ = p.Stop(processor.ErrShutdown)
	}
}

func (w *Worker) onLost(partitionID string, err error) {
	if p := w.getProcessor(partitionID); p != nil {
		p.Cancel(errors.Wrap(lease.ErrOwnershipLost, err.Error()))
	}
}

func (w *Worker) onTopologyRefresh(ctx context.Context, partitions []model.Partition) {
	if _, err := w.coordinator.RetireDrained(ctx, partitions); err != nil && ctx.Err() == nil {
		w.log.Warn(
			"Failed to retire drained leases",
			slog.Any("error", err),
		)
	}
}

func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Assignments returns the state of the processor of each held partition.
func (w *Worker) Assignments() map[string]processor.State {
	w.Lock()
	defer w.Unlock()

	res := make(map[string]processor.State, len(w.processors))
	for id, p := range w.processors {
		res[id] = p.State()
	}
	return res
}

func (w *Worker) Held() []model.Lease {
	return w.coordinator.Held()
}

// TopologyHealth reports a persistent failure to refresh the partitions.
func (w *Worker) TopologyHealth() error {
	return w.tracker.Health()
}

// StoreHealth reports whether the last balancing round could reach the
// lease store.
func (w *Worker) StoreHealth() error {
	w.Lock()
	defer w.Unlock()
	return w.storeErr
}

var _ io.Closer = (*Worker)(nil)

// Close stops every processor, writing their final checkpoint and
// releasing their lease, then removes the worker presence.
func (w *Worker) Close() error {
	w.log.Info("Closing worker")

	// No processor can be started once the context is cancelled
	w.cancel()

	w.Lock()
	processors := make([]*processor.Processor, 0, len(w.processors))
	for _, p := range w.processors {
		processors = append(processors, p)
	}
	w.Unlock()

	stopWg := sync.WaitGroup{}
	for _, p := range processors {
		stopWg.Add(1)
		go func(p *processor.Processor) {
			defer stopWg.Done()
			_ = p.Stop(processor.ErrShutdown)
		}(p)
	}
	stopWg.Wait()
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), storeCheckTimeout)
	defer cancel()

	// Leases claimed while closing have no processor
	var releaseErr error
	for _, l := range w.coordinator.Held() {
		if err := w.coordinator.Release(ctx, l.PartitionID); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			releaseErr = multierr.Append(releaseErr, err)
		}
	}

	err := multierr.Combine(
		releaseErr,
		w.tracker.Close(),
		w.coordinator.Leave(ctx),
		w.coordinator.Close(),
	)
	w.processorsGauge.Unregister()
	return err
}
