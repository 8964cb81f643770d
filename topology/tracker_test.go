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
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/leasekeeper/kv"
	"github.com/streamnative/leasekeeper/leasestore"
	"github.com/streamnative/leasekeeper/logsource"
	"github.com/streamnative/leasekeeper/model"
)

type flakyAdapter struct {
	logsource.Adapter
	sync.Mutex
	failures int
}

func (f *flakyAdapter) ListPartitions(ctx context.Context) ([]model.Partition, error) {
	f.Lock()
	if f.failures > 0 {
		f.failures--
		f.Unlock()
		return nil, errors.New("transient failure")
	}
	f.Unlock()
	return f.Adapter.ListPartitions(ctx)
}

func newLocalLog(t *testing.T, partitions int) *logsource.Local {
	t.Helper()
	db, err := kv.NewPebbleKV(kv.Options{InMemory: true, Name: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	l, err := logsource.NewLocal(db, partitions, nil)
	require.NoError(t, err)
	return l
}

func leaseIDs(t *testing.T, store leasestore.Store) []string {
	t.Helper()
	leases, err := store.Scan(context.Background())
	require.NoError(t, err)
	var res []string
	for _, l := range leases {
		res = append(res, l.PartitionID)
	}
	return res
}

func TestTracker_CreatesRootLeases(t *testing.T) {
	ctx := context.Background()
	log := newLocalLog(t, 3)
	store := leasestore.NewMemoryStore()
	tracker := NewTracker(log, store, Options{WorkerID: "w-1"})
	defer tracker.Close()

	assert.ErrorIs(t, tracker.Health(), ErrNoSuccessfulRefresh)

	partitions, err := tracker.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, partitions, 3)
	assert.NoError(t, tracker.Health())

	assert.Equal(t, []string{"shard-000000", "shard-000001", "shard-000002"}, leaseIDs(t, store))

	// Refresh is idempotent and never touches existing leases
	_, err = store.ConditionalUpdate(ctx, "shard-000000", 0, leasestore.Fields{}.WithOwner("w-1"))
	require.NoError(t, err)
	_, err = tracker.Refresh(ctx)
	require.NoError(t, err)
	l, err := store.Get(ctx, "shard-000000")
	require.NoError(t, err)
	assert.Equal(t, "w-1", l.Owner)
	assert.EqualValues(t, 1, l.FencingCounter)
}

func TestTracker_ChildrenGatedOnParents(t *testing.T) {
	ctx := context.Background()
	log := newLocalLog(t, 1)
	store := leasestore.NewMemoryStore()
	tracker := NewTracker(log, store, Options{WorkerID: "w-1"})
	defer tracker.Close()

	_, err := tracker.Refresh(ctx)
	require.NoError(t, err)

	children, err := log.Split(ctx, "shard-000000")
	require.NoError(t, err)

	_, err = tracker.Refresh(ctx)
	require.NoError(t, err)

	// The parent is closed but not drained yet
	assert.Equal(t, []string{"shard-000000"}, leaseIDs(t, store))
	assert.Equal(t, []string{children[0].ID, children[1].ID}, tracker.Children("shard-000000"))

	parent, err := store.Get(ctx, "shard-000000")
	require.NoError(t, err)
	_, err = store.ConditionalUpdate(ctx, "shard-000000", parent.FencingCounter,
		leasestore.Fields{}.WithCheckpoint(model.SequenceShardEnd))
	require.NoError(t, err)

	_, err = tracker.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-000000", children[0].ID, children[1].ID}, leaseIDs(t, store))

	l, err := store.Get(ctx, children[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-000000"}, l.Parents)
	assert.Equal(t, model.SequenceTrimHorizon, l.Checkpoint)
}

func TestTracker_MergeWaitsForBothParents(t *testing.T) {
	ctx := context.Background()
	log := newLocalLog(t, 2)
	store := leasestore.NewMemoryStore()
	tracker := NewTracker(log, store, Options{WorkerID: "w-1"})
	defer tracker.Close()

	_, err := tracker.Refresh(ctx)
	require.NoError(t, err)

	child, err := log.Merge(ctx, "shard-000000", "shard-000001")
	require.NoError(t, err)

	_, err = store.ConditionalUpdate(ctx, "shard-000000", 0, leasestore.Fields{}.WithCheckpoint(model.SequenceShardEnd))
	require.NoError(t, err)

	_, err = tracker.Refresh(ctx)
	require.NoError(t, err)
	assert.NotContains(t, leaseIDs(t, store), child.ID)

	_, err = store.ConditionalUpdate(ctx, "shard-000001", 0, leasestore.Fields{}.WithCheckpoint(model.SequenceShardEnd))
	require.NoError(t, err)

	_, err = tracker.Refresh(ctx)
	require.NoError(t, err)
	assert.Contains(t, leaseIDs(t, store), child.ID)
}

func TestTracker_RetiredParentCountsAsDrained(t *testing.T) {
	listed := map[string]bool{"child": true}
	p := model.Partition{ID: "child", Parents: []string{"gone"}}
	assert.True(t, IsEligible(p, listed, map[string]model.Lease{}))

	listed["gone"] = true
	assert.False(t, IsEligible(p, listed, map[string]model.Lease{}))

	drained := model.NewLease("gone", nil)
	drained.Checkpoint = model.SequenceShardEnd
	assert.True(t, IsEligible(p, listed, map[string]model.Lease{"gone": drained}))
}

func TestTracker_RetriesAndRunLoop(t *testing.T) {
	adapter := &flakyAdapter{Adapter: newLocalLog(t, 2), failures: 2}
	store := leasestore.NewMemoryStore()

	refreshed := make(chan []model.Partition, 10)
	tracker := NewTracker(adapter, store, Options{
		WorkerID:            "w-1",
		RefreshInterval:     50 * time.Millisecond,
		InitialRetryBackoff: time.Millisecond,
		OnRefresh: func(_ context.Context, partitions []model.Partition) {
			refreshed <- partitions
		},
	})
	tracker.Start()

	select {
	case partitions := <-refreshed:
		assert.Len(t, partitions, 2)
	case <-time.After(10 * time.Second):
		assert.Fail(t, "tracker did not refresh")
	}

	assert.NoError(t, tracker.Health())
	assert.Len(t, tracker.Snapshot(), 2)
	assert.NoError(t, tracker.Close())
}

func TestTracker_PersistentFailureReportedInHealth(t *testing.T) {
	adapter := &flakyAdapter{Adapter: newLocalLog(t, 1), failures: 1000}
	tracker := NewTracker(adapter, leasestore.NewMemoryStore(), Options{
		WorkerID:            "w-1",
		RefreshInterval:     10 * time.Millisecond,
		InitialRetryBackoff: time.Millisecond,
	})
	tracker.Start()

	assert.Eventually(t, func() bool {
		err := tracker.Health()
		return err != nil && !errors.Is(err, ErrNoSuccessfulRefresh)
	}, 10*time.Second, 10*time.Millisecond)
	assert.Empty(t, tracker.Snapshot())
	assert.NoError(t, tracker.Close())
}
