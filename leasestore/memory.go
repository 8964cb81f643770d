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
	"sync"

	"github.com/streamnative/leasekeeper/model"
)

type memoryStore struct {
	sync.RWMutex
	leases map[string]model.Lease
}

// NewMemoryStore creates a store that is shared only by the workers
// living in the same process.
func NewMemoryStore() Store {
	return &memoryStore{
		leases: map[string]model.Lease{},
	}
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) CreateIfAbsent(_ context.Context, lease model.Lease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	if _, ok := m.leases[lease.PartitionID]; ok {
		return exists(lease.PartitionID)
	}
	m.leases[lease.PartitionID] = lease.Clone()
	return nil
}

func (m *memoryStore) Get(_ context.Context, partitionID string) (model.Lease, error) {
	m.RLock()
	defer m.RUnlock()

	l, ok := m.leases[partitionID]
	if !ok {
		return model.Lease{}, notFound(partitionID)
	}
	return l.Clone(), nil
}

func (m *memoryStore) ConditionalUpdate(_ context.Context, partitionID string, expectedFencingCounter int64, fields Fields) (model.Lease, error) {
	m.Lock()
	defer m.Unlock()

	existing, ok := m.leases[partitionID]
	if !ok {
		return model.Lease{}, notFound(partitionID)
	}

	updated, err := applyUpdate(existing, expectedFencingCounter, fields)
	if err != nil {
		return model.Lease{}, err
	}
	m.leases[partitionID] = updated
	return updated.Clone(), nil
}

func (m *memoryStore) Scan(_ context.Context) ([]model.Lease, error) {
	m.RLock()
	defer m.RUnlock()

	res := make([]model.Lease, 0, len(m.leases))
	for _, l := range m.leases {
		res = append(res, l.Clone())
	}
	return sortLeases(res), nil
}

func (m *memoryStore) Delete(_ context.Context, partitionID string) error {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.leases[partitionID]; !ok {
		return notFound(partitionID)
	}
	delete(m.leases, partitionID)
	return nil
}
