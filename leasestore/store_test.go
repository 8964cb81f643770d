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

package leasestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	k8sTesting "github.com/streamnative/leasekeeper/kubernetes/testing"
	"github.com/streamnative/leasekeeper/kv"
	"github.com/streamnative/leasekeeper/model"
)

var storeProviders = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore()
	},
	"file": func(t *testing.T) Store {
		s, err := NewFileStore(filepath.Join(t.TempDir(), "leases.json"))
		require.NoError(t, err)
		return s
	},
	"pebble": func(t *testing.T) Store {
		s, err := NewPebbleStore(kv.Options{InMemory: true, Name: t.Name()})
		require.NoError(t, err)
		return s
	},
	"configmap": func(t *testing.T) Store {
		return NewConfigMapStore(k8sTesting.NewFakeClientset(), "ns", "leases")
	},
	"dynamodb": func(t *testing.T) Store {
		return NewDynamoDBStore(newFakeDynamoDB(), "leases")
	},
}

func assertLeaseEqual(t *testing.T, expected, actual model.Lease) {
	t.Helper()
	assert.Equal(t, expected.PartitionID, actual.PartitionID)
	assert.Equal(t, expected.Owner, actual.Owner)
	assert.Equal(t, expected.FencingCounter, actual.FencingCounter)
	assert.Equal(t, expected.Checkpoint, actual.Checkpoint)
	assert.Equal(t, expected.Parents, actual.Parents)
	assert.True(t, expected.LastRenewed.Equal(actual.LastRenewed),
		"expected %v, got %v", expected.LastRenewed, actual.LastRenewed)
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 123_000).UTC()

	for name, provider := range storeProviders {
		t.Run(name, func(t *testing.T) {
			s := provider(t)

			_, err := s.Get(ctx, "shard-1")
			assert.ErrorIs(t, err, ErrLeaseNotFound)

			leases, err := s.Scan(ctx)
			assert.NoError(t, err)
			assert.Empty(t, leases)

			initial := model.NewLease("shard-1", []string{"shard-0"})
			assert.NoError(t, s.CreateIfAbsent(ctx, initial))
			assert.ErrorIs(t, s.CreateIfAbsent(ctx, model.NewLease("shard-1", nil)), ErrLeaseExists)

			l, err := s.Get(ctx, "shard-1")
			assert.NoError(t, err)
			assertLeaseEqual(t, initial, l)

			// Stale fencing counter
			_, err = s.ConditionalUpdate(ctx, "shard-1", 5, Fields{}.WithOwner("w-1"))
			assert.ErrorIs(t, err, ErrConditionFailed)

			_, err = s.ConditionalUpdate(ctx, "shard-9", 0, Fields{}.WithOwner("w-1"))
			assert.ErrorIs(t, err, ErrLeaseNotFound)

			l, err = s.ConditionalUpdate(ctx, "shard-1", 0, Fields{}.WithOwner("w-1").WithLastRenewed(now))
			assert.NoError(t, err)
			expected := initial.Clone()
			expected.Owner = "w-1"
			expected.FencingCounter = 1
			expected.LastRenewed = now
			assertLeaseEqual(t, expected, l)

			// Fields left untouched are preserved
			l, err = s.ConditionalUpdate(ctx, "shard-1", 1, Fields{}.WithCheckpoint("42"))
			assert.NoError(t, err)
			expected.FencingCounter = 2
			expected.Checkpoint = "42"
			assertLeaseEqual(t, expected, l)

			l, err = s.Get(ctx, "shard-1")
			assert.NoError(t, err)
			assertLeaseEqual(t, expected, l)

			// The old counter is no longer valid
			_, err = s.ConditionalUpdate(ctx, "shard-1", 1, Fields{}.WithOwner("w-2"))
			assert.ErrorIs(t, err, ErrConditionFailed)

			// Release
			l, err = s.ConditionalUpdate(ctx, "shard-1", 2, Fields{}.WithOwner(""))
			assert.NoError(t, err)
			assert.False(t, l.IsOwned())
			assert.EqualValues(t, 3, l.FencingCounter)

			for i := 5; i >= 2; i-- {
				assert.NoError(t, s.CreateIfAbsent(ctx, model.NewLease(fmt.Sprintf("shard-%d", i), nil)))
			}

			leases, err = s.Scan(ctx)
			assert.NoError(t, err)
			var ids []string
			for _, l := range leases {
				ids = append(ids, l.PartitionID)
			}
			assert.Equal(t, []string{"shard-1", "shard-2", "shard-3", "shard-4", "shard-5"}, ids)

			assert.NoError(t, s.Delete(ctx, "shard-3"))
			assert.ErrorIs(t, s.Delete(ctx, "shard-3"), ErrLeaseNotFound)
			_, err = s.Get(ctx, "shard-3")
			assert.ErrorIs(t, err, ErrLeaseNotFound)

			leases, err = s.Scan(ctx)
			assert.NoError(t, err)
			assert.Len(t, leases, 4)

			assert.NoError(t, s.Close())
		})
	}
}

func TestStore_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()

	for name, provider := range storeProviders {
		t.Run(name, func(t *testing.T) {
			s := provider(t)
			require.NoError(t, s.CreateIfAbsent(ctx, model.NewLease("shard-1", nil)))

			wg := sync.WaitGroup{}
			successes := atomic.Int32{}
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(worker int) {
					defer wg.Done()
					_, err := s.ConditionalUpdate(ctx, "shard-1", 0, Fields{}.WithOwner(fmt.Sprintf("w-%d", worker)))
					if err == nil {
						successes.Add(1)
					} else {
						assert.ErrorIs(t, err, ErrConditionFailed)
					}
				}(i)
			}
			wg.Wait()

			assert.EqualValues(t, 1, successes.Load())
			l, err := s.Get(ctx, "shard-1")
			assert.NoError(t, err)
			assert.EqualValues(t, 1, l.FencingCounter)
			assert.True(t, l.IsOwned())

			assert.NoError(t, s.Close())
		})
	}
}

func TestFileStore_SharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases.json")

	s1, err := NewFileStore(path)
	require.NoError(t, err)
	s2, err := NewFileStore(path)
	require.NoError(t, err)

	assert.NoError(t, s1.CreateIfAbsent(ctx, model.NewLease("shard-1", nil)))
	_, err = s2.ConditionalUpdate(ctx, "shard-1", 0, Fields{}.WithOwner("w-2"))
	assert.NoError(t, err)
	_, err = s1.ConditionalUpdate(ctx, "shard-1", 0, Fields{}.WithOwner("w-1"))
	assert.ErrorIs(t, err, ErrConditionFailed)

	l, err := s1.Get(ctx, "shard-1")
	assert.NoError(t, err)
	assert.Equal(t, "w-2", l.Owner)
}

func TestConfigMapStore_ConflictingWriters(t *testing.T) {
	ctx := context.Background()
	kc := k8sTesting.NewFakeClientset()

	// Two stores do not share the in-process lock, they only rely on the
	// resource version of the config map
	s1 := NewConfigMapStore(kc, "ns", "leases")
	s2 := NewConfigMapStore(kc, "ns", "leases")

	assert.NoError(t, s1.CreateIfAbsent(ctx, model.NewLease("shard-1", nil)))
	assert.NoError(t, s2.CreateIfAbsent(ctx, model.NewLease("shard-2", nil)))

	leases, err := s1.Scan(ctx)
	assert.NoError(t, err)
	assert.Len(t, leases, 2)

	_, err = s2.ConditionalUpdate(ctx, "shard-1", 0, Fields{}.WithOwner("w-2"))
	assert.NoError(t, err)
	_, err = s1.ConditionalUpdate(ctx, "shard-1", 0, Fields{}.WithOwner("w-1"))
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestDynamoDBStore_EnsureTable(t *testing.T) {
	ctx := context.Background()
	client := newFakeDynamoDB()

	assert.NoError(t, EnsureTable(ctx, client, "leases"))
	// Already existing
	assert.NoError(t, EnsureTable(ctx, client, "leases"))
}
