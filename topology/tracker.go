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

package topology

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/common/metrics"
	"github.com/streamnative/leasekeeper/leasestore"
	"github.com/streamnative/leasekeeper/logsource"
	"github.com/streamnative/leasekeeper/model"
)

const (
	DefaultRefreshInterval = 30 * time.Second

	// Number of retries for a single refresh before it's considered failed
	refreshRetries = 3
)

var ErrNoSuccessfulRefresh = errors.New("topology was never refreshed successfully")

type Options struct {
	WorkerID        string
	RefreshInterval time.Duration

	// Delay before the first retry of a failed refresh
	InitialRetryBackoff time.Duration

	// OnRefresh is invoked after every successful refresh, from the tracker
	// go-routine, with the listed partitions.
	OnRefresh func(ctx context.Context, partitions []model.Partition)
}

// Tracker keeps the partition graph in sync with the log and creates the
// leases of the partitions that became eligible for processing.
type Tracker struct {
	sync.RWMutex
	adapter logsource.Adapter
	store   leasestore.Store
	options Options

	graph     *treemap.Map
	lastErr   error
	refreshed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger

	partitionsGauge metrics.Gauge
	leasesCreated   metrics.Counter
	refreshFailures metrics.Counter
}

func NewTracker(adapter logsource.Adapter, store leasestore.Store, options Options) *Tracker {
	if options.RefreshInterval <= 0 {
		options.RefreshInterval = DefaultRefreshInterval
	}
	if options.InitialRetryBackoff <= 0 {
		options.InitialRetryBackoff = common.DefaultInitialInterval
	}

	labels := metrics.LabelsForWorker(options.WorkerID)
	t := &Tracker{
		adapter: adapter,
		store:   store,
		options: options,
		graph:   treemap.NewWithStringComparator(),
		log: slog.With(
			slog.String("component", "topology-tracker"),
			slog.String("worker", options.WorkerID),
		),

		leasesCreated: metrics.NewCounter("leasekeeper_topology_leases_created",
			"The number of leases created for newly eligible partitions", metrics.Dimensionless, labels),
		refreshFailures: metrics.NewCounter("leasekeeper_topology_refresh_failures",
			"The number of topology refreshes that failed after retries", metrics.Dimensionless, labels),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.partitionsGauge = metrics.NewGauge("leasekeeper_topology_partitions",
		"The number of partitions listed in the log", metrics.Dimensionless, labels, func() int64 {
			t.RLock()
			defer t.RUnlock()
			return int64(t.graph.Size())
		})
	return t
}

// Start launches the periodic refresh.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go common.DoWithLabels(t.ctx, map[string]string{
		"leasekeeper": "topology-tracker",
		"worker":      t.options.WorkerID,
	}, t.run)
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.options.RefreshInterval)
	defer ticker.Stop()

	for {
		t.refreshWithRetries()

		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) refreshWithRetries() {
	bo := common.NewBoundedBackOff(t.ctx, t.options.InitialRetryBackoff, refreshRetries)
	var partitions []model.Partition
	err := backoff.RetryNotify(func() (err error) {
		partitions, err = t.Refresh(t.ctx)
		return err
	}, bo, func(err error, duration time.Duration) {
		t.log.Warn(
			"Failed to refresh the topology",
			slog.Any("error", err),
			slog.Duration("retry-after", duration),
		)
	})

	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.refreshFailures.Inc()
		t.setError(err)
		t.log.Error(
			"Topology refresh failed, keeping the last known graph",
			slog.Any("error", err),
		)
		return
	}

	if t.options.OnRefresh != nil {
		t.options.OnRefresh(t.ctx, partitions)
	}
}

// isDrained tells whether a parent no longer blocks its children. A parent
// that is neither listed nor has a lease is gone from the retention.
func isDrained(parentID string, listed map[string]bool, leases map[string]model.Lease) bool {
	if l, ok := leases[parentID]; ok {
		return l.IsDrained()
	}
	return !listed[parentID]
}

// IsEligible reports whether a lease can be created for the partition.
func IsEligible(p model.Partition, listed map[string]bool, leases map[string]model.Lease) bool {
	for _, parent := range p.Parents {
		if !isDrained(parent, listed, leases) {
			return false
		}
	}
	return true
}

// Refresh lists the partitions and creates the missing leases of the
// eligible ones. Existing leases are never modified.
func (t *Tracker) Refresh(ctx context.Context) ([]model.Partition, error) {
	partitions, err := t.adapter.ListPartitions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list partitions")
	}

	existing, err := t.store.Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan leases")
	}

	leases := make(map[string]model.Lease, len(existing))
	for _, l := range existing {
		leases[l.PartitionID] = l
	}

	listed := make(map[string]bool, len(partitions))
	graph := treemap.NewWithStringComparator()
	for _, p := range partitions {
		listed[p.ID] = true
		graph.Put(p.ID, p.Clone())
	}

	it := graph.Iterator()
	for it.Next() {
		p := it.Value().(model.Partition)
		if _, ok := leases[p.ID]; ok {
			continue
		}

		if !IsEligible(p, listed, leases) {
			t.log.Debug(
				"Partition is not eligible yet, parents are not drained",
				slog.String("partition", p.ID),
				slog.Any("parents", p.Parents),
			)
			continue
		}

		err := t.store.CreateIfAbsent(ctx, model.NewLease(p.ID, p.Parents))
		switch {
		case errors.Is(err, leasestore.ErrLeaseExists):
			// Created concurrently by another worker
		case err != nil:
			return nil, errors.Wrapf(err, "failed to create lease for %s", p.ID)
		default:
			t.leasesCreated.Inc()
			t.log.Info(
				"Created lease for partition",
				slog.String("partition", p.ID),
				slog.Any("parents", p.Parents),
			)
		}
	}

	t.Lock()
	t.graph = graph
	t.lastErr = nil
	t.refreshed = true
	t.Unlock()

	return partitions, nil
}

func (t *Tracker) setError(err error) {
	t.Lock()
	defer t.Unlock()
	t.lastErr = err
}

// Health returns the error of the last refresh, if it failed after all
// the retries.
func (t *Tracker) Health() error {
	t.RLock()
	defer t.RUnlock()
	if t.lastErr != nil {
		return t.lastErr
	}
	if !t.refreshed {
		return ErrNoSuccessfulRefresh
	}
	return nil
}

// Snapshot returns the partitions of the last successful refresh, ordered by id.
func (t *Tracker) Snapshot() []model.Partition {
	t.RLock()
	defer t.RUnlock()

	res := make([]model.Partition, 0, t.graph.Size())
	for _, v := range t.graph.Values() {
		res = append(res, v.(model.Partition).Clone())
	}
	return res
}

// Children returns the ids of the partitions created by resharding the given one.
func (t *Tracker) Children(partitionID string) []string {
	t.RLock()
	defer t.RUnlock()

	var res []string
	it := t.graph.Iterator()
	for it.Next() {
		p := it.Value().(model.Partition)
		for _, parent := range p.Parents {
			if parent == partitionID {
				res = append(res, p.ID)
				break
			}
		}
	}
	return res
}

var _ io.Closer = (*Tracker)(nil)

func (t *Tracker) Close() error {
	t.cancel()
	t.wg.Wait()
	t.partitionsGauge.Unregister()
	return nil
}
