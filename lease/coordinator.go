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

package lease

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/common/metrics"
	"github.com/streamnative/leasekeeper/leasestore"
	"github.com/streamnative/leasekeeper/model"
)

const (
	DefaultLeaseTimeout = 10 * time.Second
	DefaultStoreRetries = 3

	// Presence rows that were not renewed for this many lease timeouts
	// are deleted
	presenceRetentionFactor = 10
)

type Options struct {
	WorkerID     string
	LeaseTimeout time.Duration
	Clock        common.Clock

	// Retries of a store operation that failed with a transient error
	StoreRetries        uint64
	InitialRetryBackoff time.Duration

	// OnRelease is invoked before a lease is given up to rebalance the
	// assignments, so that its processing can be stopped first.
	OnRelease func(ctx context.Context, partitionID string)

	// OnLost is invoked when a lease is found to be owned by another worker
	// or could not be renewed. It's called with the lease lock held and it
	// must not block on the processing of the partition.
	OnLost func(partitionID string, err error)
}

type heldLease struct {
	sync.Mutex
	lease   model.Lease
	current atomic.Pointer[model.Lease]
}

func newHeldLease(l model.Lease) *heldLease {
	h := &heldLease{}
	h.set(l)
	return h
}

// set must be called with the lock held.
func (h *heldLease) set(l model.Lease) {
	h.lease = l
	c := l.Clone()
	h.current.Store(&c)
}

// Coordinator claims, renews, checkpoints and releases the leases on
// behalf of a single worker.
type Coordinator struct {
	sync.RWMutex
	store   leasestore.Store
	options Options

	held        map[string]*heldLease
	quarantined map[string]time.Time
	lastScan    []model.Lease

	presenceLock sync.Mutex
	presence     *model.Lease

	log *slog.Logger

	heldGauge      metrics.Gauge
	claims         metrics.Counter
	claimConflicts metrics.Counter
	releases       metrics.Counter
	losses         metrics.Counter
	checkpoints    metrics.LatencyHistogram
}

func NewCoordinator(store leasestore.Store, options Options) *Coordinator {
	if options.LeaseTimeout <= 0 {
		options.LeaseTimeout = DefaultLeaseTimeout
	}
	if options.Clock == nil {
		options.Clock = common.SystemClock
	}
	if options.StoreRetries == 0 {
		options.StoreRetries = DefaultStoreRetries
	}
	if options.InitialRetryBackoff <= 0 {
		options.InitialRetryBackoff = common.DefaultInitialInterval
	}

	labels := metrics.LabelsForWorker(options.WorkerID)
	c := &Coordinator{
		store:       store,
		options:     options,
		held:        map[string]*heldLease{},
		quarantined: map[string]time.Time{},
		log: slog.With(
			slog.String("component", "lease-coordinator"),
			slog.String("worker", options.WorkerID),
		),

		claims: metrics.NewCounter("leasekeeper_lease_claims",
			"The number of leases successfully claimed", metrics.Dimensionless, labels),
		claimConflicts: metrics.NewCounter("leasekeeper_lease_claim_conflicts",
			"The number of claims lost to another worker", metrics.Dimensionless, labels),
		releases: metrics.NewCounter("leasekeeper_lease_releases",
			"The number of leases given up", metrics.Dimensionless, labels),
		losses: metrics.NewCounter("leasekeeper_lease_losses",
			"The number of leases taken over by another worker or expired", metrics.Dimensionless, labels),
		checkpoints: metrics.NewLatencyHistogram("leasekeeper_lease_checkpoint_latency",
			"Latency of the checkpoint writes", labels),
	}
	c.heldGauge = metrics.NewGauge("leasekeeper_lease_held",
		"The number of leases held by the worker", metrics.Dimensionless, labels, func() int64 {
			c.RLock()
			defer c.RUnlock()
			return int64(len(c.held))
		})
	return c
}

func (c *Coordinator) WorkerID() string {
	return c.options.WorkerID
}

func (c *Coordinator) LeaseTimeout() time.Duration {
	return c.options.LeaseTimeout
}

// retry runs a store operation, retrying it on transient errors. The
// errors that carry a definitive answer from the store are never retried.
func (c *Coordinator) retry(ctx context.Context, op string, f func() error) error {
	bo := common.NewBoundedBackOff(ctx, c.options.InitialRetryBackoff, c.options.StoreRetries)
	return backoff.RetryNotify(func() error {
		err := f()
		if errors.Is(err, leasestore.ErrConditionFailed) ||
			errors.Is(err, leasestore.ErrLeaseNotFound) ||
			errors.Is(err, leasestore.ErrLeaseExists) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, duration time.Duration) {
		c.log.Warn(
			"Lease store operation failed, retrying",
			slog.String("operation", op),
			slog.Any("error", err),
			slog.Duration("retry-after", duration),
		)
	})
}

func (c *Coordinator) scan(ctx context.Context) (leases []model.Lease, err error) {
	err = c.retry(ctx, "scan", func() error {
		leases, err = c.store.Scan(ctx)
		return err
	})
	return leases, err
}

func (c *Coordinator) get(ctx context.Context, partitionID string) (l model.Lease, err error) {
	err = c.retry(ctx, "get", func() error {
		l, err = c.store.Get(ctx, partitionID)
		return err
	})
	return l, err
}

func (c *Coordinator) update(ctx context.Context, partitionID string, expected int64, fields leasestore.Fields) (l model.Lease, err error) {
	err = c.retry(ctx, "conditional-update", func() error {
		l, err = c.store.ConditionalUpdate(ctx, partitionID, expected, fields)
		return err
	})
	return l, err
}

func (c *Coordinator) getHeld(partitionID string) (*heldLease, bool) {
	c.RLock()
	defer c.RUnlock()
	h, ok := c.held[partitionID]
	return h, ok
}

// drop forgets about a lease. When the lease was lost, the OnLost
// callback is notified.
func (c *Coordinator) drop(partitionID string, lostErr error) {
	c.Lock()
	_, ok := c.held[partitionID]
	delete(c.held, partitionID)
	c.Unlock()

	if !ok || lostErr == nil {
		return
	}

	c.losses.Inc()
	c.log.Warn(
		"Lease lost",
		slog.String("partition", partitionID),
		slog.Any("error", lostErr),
	)
	if c.options.OnLost != nil {
		c.options.OnLost(partitionID, lostErr)
	}
}

// write applies a conditional update to a held lease. When the fencing
// counter doesn't match, the stored copy is read again: if it's still ours
// it is adopted and the write is retried once, otherwise the lease is
// dropped and lostErr is returned.
// Must be called with the lease lock held.
func (c *Coordinator) write(ctx context.Context, h *heldLease, fields leasestore.Fields, lostErr error) (model.Lease, error) {
	id := h.lease.PartitionID
	for attempt := 0; attempt < 2; attempt++ {
		updated, err := c.update(ctx, id, h.lease.FencingCounter, fields)
		switch {
		case err == nil:
			h.set(updated)
			return updated, nil
		case errors.Is(err, leasestore.ErrLeaseNotFound):
			c.drop(id, lostErr)
			return model.Lease{}, errors.Wrap(lostErr, err.Error())
		case !errors.Is(err, leasestore.ErrConditionFailed):
			return model.Lease{}, err
		}

		stored, err := c.get(ctx, id)
		switch {
		case errors.Is(err, leasestore.ErrLeaseNotFound):
			c.drop(id, lostErr)
			return model.Lease{}, errors.Wrap(lostErr, err.Error())
		case err != nil:
			return model.Lease{}, err
		}

		if stored.Owner != c.options.WorkerID {
			c.drop(id, lostErr)
			return model.Lease{}, errors.Wrapf(lostErr, "partition %s is now owned by '%s'", id, stored.Owner)
		}

		c.log.Debug(
			"Adopting the stored copy of the lease",
			slog.String("partition", id),
			slog.Int64("fencing-counter", stored.FencingCounter),
		)
		h.set(stored)
	}

	c.drop(id, lostErr)
	return model.Lease{}, errors.Wrapf(lostErr, "partition %s keeps changing concurrently", id)
}

// AcquireAssignments runs one balancing round: it gives up the leases above
// this worker's fair share and claims unowned or expired leases until the
// share is reached, never exceeding maxLeases. It returns the leases held
// at the end of the round.
func (c *Coordinator) AcquireAssignments(ctx context.Context, maxLeases int) ([]model.Lease, error) {
	leases, err := c.scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan leases")
	}

	c.Lock()
	c.lastScan = leases
	c.Unlock()

	c.detectLost(leases)

	now := c.options.Clock.Now()
	p := computePlan(planInput{
		workerID:     c.options.WorkerID,
		leases:       leases,
		held:         c.heldSet(),
		excluded:     c.quarantinedSet(now),
		now:          now,
		leaseTimeout: c.options.LeaseTimeout,
		maxLeases:    maxLeases,
	})

	c.log.Debug(
		"Computed assignment plan",
		slog.Int("assignable", p.assignable),
		slog.Int("live-workers", p.liveWorkers),
		slog.Int("claims", p.claims),
		slog.Any("release", p.release),
	)

	for _, id := range p.release {
		if c.options.OnRelease != nil {
			c.options.OnRelease(ctx, id)
		}
		if err := c.Release(ctx, id); err != nil && !errors.Is(err, ErrNotHeld) {
			c.log.Warn(
				"Failed to release lease",
				slog.String("partition", id),
				slog.Any("error", err),
			)
		}
	}

	claimed := 0
	for _, candidate := range p.candidates {
		if claimed == p.claims {
			break
		}

		ok, err := c.claim(ctx, candidate)
		if err != nil {
			return c.Held(), err
		}
		if ok {
			claimed++
		}
	}

	return c.Held(), nil
}

// detectLost drops the held leases that the store shows as owned by
// someone else or removed.
func (c *Coordinator) detectLost(leases []model.Lease) {
	stored := make(map[string]model.Lease, len(leases))
	for _, l := range leases {
		stored[l.PartitionID] = l
	}

	for _, id := range c.heldIDs() {
		l, ok := stored[id]
		switch {
		case !ok:
			c.drop(id, errors.Wrapf(ErrOwnershipLost, "lease of partition %s was removed", id))
		case l.Owner != c.options.WorkerID:
			c.drop(id, errors.Wrapf(ErrOwnershipLost, "partition %s is now owned by '%s'", id, l.Owner))
		}
	}
}

func (c *Coordinator) claim(ctx context.Context, candidate model.Lease) (bool, error) {
	updated, err := c.update(ctx, candidate.PartitionID, candidate.FencingCounter,
		leasestore.Fields{}.
			WithOwner(c.options.WorkerID).
			WithLastRenewed(c.options.Clock.Now()))
	switch {
	case errors.Is(err, leasestore.ErrConditionFailed), errors.Is(err, leasestore.ErrLeaseNotFound):
		c.claimConflicts.Inc()
		c.log.Debug(
			"Lost the race to claim lease",
			slog.String("partition", candidate.PartitionID),
			slog.Any("error", err),
		)
		return false, nil
	case err != nil:
		return false, errors.Wrapf(err, "failed to claim lease of %s", candidate.PartitionID)
	}

	c.Lock()
	c.held[updated.PartitionID] = newHeldLease(updated)
	c.Unlock()

	c.claims.Inc()
	c.log.Info(
		"Claimed lease",
		slog.String("partition", updated.PartitionID),
		slog.String("previous-owner", candidate.Owner),
		slog.String("checkpoint", updated.Checkpoint),
		slog.Int64("fencing-counter", updated.FencingCounter),
	)
	return true, nil
}

// Renew extends the validity of a held lease. If another worker took it
// over, ErrLeaseExpired is returned and the lease is dropped.
func (c *Coordinator) Renew(ctx context.Context, partitionID string) (model.Lease, error) {
	h, ok := c.getHeld(partitionID)
	if !ok {
		return model.Lease{}, errors.Wrapf(ErrNotHeld, "partition %s", partitionID)
	}

	h.Lock()
	defer h.Unlock()

	// The lease may have been dropped while waiting for the lock
	if current, ok := c.getHeld(partitionID); !ok || current != h {
		return model.Lease{}, errors.Wrapf(ErrNotHeld, "partition %s", partitionID)
	}

	now := c.options.Clock.Now()
	updated, err := c.write(ctx, h, leasestore.Fields{}.WithLastRenewed(now), ErrLeaseExpired)
	if err != nil && !errors.Is(err, ErrLeaseExpired) && !h.lease.IsFresh(now, c.options.LeaseTimeout) {
		// The store is unreachable and the lease can be claimed by others
		c.drop(partitionID, errors.Wrap(ErrLeaseExpired, err.Error()))
		return model.Lease{}, errors.Wrapf(ErrLeaseExpired, "partition %s: %v", partitionID, err)
	}
	return updated, err
}

// RenewAll renews every held lease, returning the ids of the ones that
// were lost in the process.
func (c *Coordinator) RenewAll(ctx context.Context) (lost []string, err error) {
	for _, id := range c.heldIDs() {
		if _, e := c.Renew(ctx, id); e != nil {
			switch {
			case errors.Is(e, ErrLeaseExpired):
				lost = append(lost, id)
			case errors.Is(e, ErrNotHeld):
			default:
				err = e
			}
		}
	}
	return lost, err
}

// Checkpoint records the position of the last processed record. Positions
// must not move backwards. Checkpointing SHARD_END marks the partition as
// drained and gives up its ownership.
func (c *Coordinator) Checkpoint(ctx context.Context, partitionID string, position string) (model.Lease, error) {
	if err := model.ValidatePosition(position); err != nil {
		return model.Lease{}, err
	}

	h, ok := c.getHeld(partitionID)
	if !ok {
		return model.Lease{}, errors.Wrapf(ErrOwnershipLost, "partition %s is not held", partitionID)
	}

	h.Lock()
	defer h.Unlock()

	// The lease may have been dropped while waiting for the lock
	if _, ok := c.getHeld(partitionID); !ok {
		return model.Lease{}, errors.Wrapf(ErrOwnershipLost, "partition %s is not held", partitionID)
	}

	cmp := model.ComparePositions(position, h.lease.Checkpoint)
	if cmp < 0 {
		return model.Lease{}, errors.Wrapf(ErrCheckpointRegression, "partition %s: %s is behind %s",
			partitionID, position, h.lease.Checkpoint)
	}
	if cmp == 0 && position != model.SequenceShardEnd {
		return h.lease.Clone(), nil
	}

	timer := c.checkpoints.Timer()
	defer timer.Done()

	fields := leasestore.Fields{}.
		WithCheckpoint(position).
		WithLastRenewed(c.options.Clock.Now())
	drained := position == model.SequenceShardEnd
	if drained {
		fields = fields.WithOwner("")
	}

	updated, err := c.write(ctx, h, fields, ErrOwnershipLost)
	if err != nil {
		return model.Lease{}, err
	}

	if drained {
		c.drop(partitionID, nil)
		c.log.Info(
			"Partition drained, lease given up",
			slog.String("partition", partitionID),
		)
	}
	return updated, nil
}

// Release gives up the ownership of a held lease, keeping its checkpoint.
func (c *Coordinator) Release(ctx context.Context, partitionID string) error {
	h, ok := c.getHeld(partitionID)
	if !ok {
		return errors.Wrapf(ErrNotHeld, "partition %s", partitionID)
	}

	h.Lock()
	defer h.Unlock()

	if _, ok := c.getHeld(partitionID); !ok {
		return nil
	}

	_, err := c.write(ctx, h, leasestore.Fields{}.WithOwner(""), ErrOwnershipLost)
	switch {
	case errors.Is(err, ErrOwnershipLost):
		return nil
	case err != nil:
		return err
	}

	c.drop(partitionID, nil)
	c.releases.Inc()
	c.log.Info(
		"Released lease",
		slog.String("partition", partitionID),
		slog.String("checkpoint", h.lease.Checkpoint),
	)
	return nil
}

// Quarantine prevents this worker from claiming the partition back for
// the given duration.
func (c *Coordinator) Quarantine(partitionID string, d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.quarantined[partitionID] = c.options.Clock.Now().Add(d)
}

// Held returns the copies of the leases currently held, ordered by id.
func (c *Coordinator) Held() []model.Lease {
	c.RLock()
	defer c.RUnlock()

	res := make([]model.Lease, 0, len(c.held))
	for _, h := range c.held {
		res = append(res, h.current.Load().Clone())
	}
	slices.SortFunc(res, func(a, b model.Lease) int {
		return strings.Compare(a.PartitionID, b.PartitionID)
	})
	return res
}

func (c *Coordinator) IsHeld(partitionID string) bool {
	_, ok := c.getHeld(partitionID)
	return ok
}

func (c *Coordinator) heldIDs() []string {
	c.RLock()
	defer c.RUnlock()
	ids := make([]string, 0, len(c.held))
	for id := range c.held {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) heldSet() map[string]bool {
	c.RLock()
	defer c.RUnlock()
	res := make(map[string]bool, len(c.held))
	for id := range c.held {
		res[id] = true
	}
	return res
}

func (c *Coordinator) quarantinedSet(now time.Time) map[string]bool {
	c.Lock()
	defer c.Unlock()
	res := map[string]bool{}
	for id, until := range c.quarantined {
		if now.Before(until) {
			res[id] = true
		} else {
			delete(c.quarantined, id)
		}
	}
	return res
}

// PublishPresence creates or renews the row through which the other
// workers know this one is alive, and deletes the rows of the workers
// that have been gone for a long time.
func (c *Coordinator) PublishPresence(ctx context.Context) error {
	if err := c.renewPresence(ctx); err != nil {
		return errors.Wrap(err, "failed to publish worker presence")
	}
	c.pruneStalePresence(ctx)
	return nil
}

func (c *Coordinator) renewPresence(ctx context.Context) error {
	key := model.PresenceKey(c.options.WorkerID)
	now := c.options.Clock.Now()

	c.presenceLock.Lock()
	defer c.presenceLock.Unlock()

	if c.presence == nil {
		row := model.Lease{
			PartitionID: key,
			Owner:       c.options.WorkerID,
			Checkpoint:  model.SequenceTrimHorizon,
			LastRenewed: now,
		}
		err := c.retry(ctx, "create-presence", func() error {
			return c.store.CreateIfAbsent(ctx, row)
		})
		switch {
		case err == nil:
			c.presence = &row
			return nil
		case !errors.Is(err, leasestore.ErrLeaseExists):
			return err
		}

		existing, err := c.get(ctx, key)
		if err != nil {
			return err
		}
		c.presence = &existing
	}

	fields := leasestore.Fields{}.WithOwner(c.options.WorkerID).WithLastRenewed(now)
	updated, err := c.update(ctx, key, c.presence.FencingCounter, fields)
	if errors.Is(err, leasestore.ErrConditionFailed) {
		var existing model.Lease
		if existing, err = c.get(ctx, key); err == nil {
			updated, err = c.update(ctx, key, existing.FencingCounter, fields)
		}
	}

	switch {
	case errors.Is(err, leasestore.ErrLeaseNotFound):
		// Pruned by a peer, it will be created again on the next round
		c.presence = nil
		return err
	case err != nil:
		return err
	}
	c.presence = &updated
	return nil
}

// pruneStalePresence relies on the leases seen by the last balancing round.
// Each scan is only used once.
func (c *Coordinator) pruneStalePresence(ctx context.Context) {
	c.Lock()
	leases := c.lastScan
	c.lastScan = nil
	c.Unlock()

	now := c.options.Clock.Now()
	retention := presenceRetentionFactor * c.options.LeaseTimeout
	for _, l := range leases {
		if !l.IsPresence() || l.Owner == c.options.WorkerID || l.IsFresh(now, retention) {
			continue
		}

		err := c.store.Delete(ctx, l.PartitionID)
		if errors.Is(err, leasestore.ErrLeaseNotFound) {
			continue
		}
		if err != nil {
			c.log.Warn(
				"Failed to delete stale worker presence",
				slog.String("presence", l.PartitionID),
				slog.Any("error", err),
			)
			continue
		}
		c.log.Info(
			"Deleted stale worker presence",
			slog.String("presence", l.PartitionID),
			slog.Time("last-renewed", l.LastRenewed),
		)
	}
}

// Leave removes the presence row of this worker.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.presenceLock.Lock()
	defer c.presenceLock.Unlock()

	c.presence = nil
	err := c.store.Delete(ctx, model.PresenceKey(c.options.WorkerID))
	if err != nil && !errors.Is(err, leasestore.ErrLeaseNotFound) {
		return err
	}
	return nil
}

// RetireDrained deletes the leases of drained partitions that are no
// longer listed by the log. It returns the number of deleted leases.
func (c *Coordinator) RetireDrained(ctx context.Context, listed []model.Partition) (int, error) {
	leases, err := c.scan(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to scan leases")
	}

	present := make(map[string]bool, len(listed))
	for _, p := range listed {
		present[p.ID] = true
	}

	retired := 0
	for _, l := range leases {
		if l.IsPresence() || !l.IsDrained() || present[l.PartitionID] {
			continue
		}

		err := c.retry(ctx, "delete", func() error {
			return c.store.Delete(ctx, l.PartitionID)
		})
		switch {
		case errors.Is(err, leasestore.ErrLeaseNotFound):
		case err != nil:
			return retired, errors.Wrapf(err, "failed to retire lease of %s", l.PartitionID)
		default:
			retired++
			c.log.Info(
				"Retired lease of expired partition",
				slog.String("partition", l.PartitionID),
			)
		}
	}
	return retired, nil
}

var _ io.Closer = (*Coordinator)(nil)

func (c *Coordinator) Close() error {
	c.heldGauge.Unregister()
	return nil
}
