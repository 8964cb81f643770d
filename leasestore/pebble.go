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
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/streamnative/leasekeeper/kv"
	"github.com/streamnative/leasekeeper/model"
)

const (
	pebbleLeasePrefix = "lease/"
	pebbleLeaseEnd    = "lease0"
)

type pebbleStore struct {
	sync.Mutex
	db     kv.KV
	ownsDB bool
}

// NewPebbleStore keeps the leases in a dedicated Pebble database.
func NewPebbleStore(options kv.Options) (Store, error) {
	db, err := kv.NewPebbleKV(options)
	if err != nil {
		return nil, err
	}
	return &pebbleStore{db: db, ownsDB: true}, nil
}

// NewPebbleStoreWithKV keeps the leases in an existing database, which is
// not closed with the store.
func NewPebbleStoreWithKV(db kv.KV) Store {
	return &pebbleStore{db: db}
}

func (p *pebbleStore) Close() error {
	if p.ownsDB {
		return p.db.Close()
	}
	return nil
}

func pebbleLeaseKey(partitionID string) string {
	return pebbleLeasePrefix + partitionID
}

func (p *pebbleStore) get(partitionID string) (model.Lease, error) {
	value, err := p.db.Get(pebbleLeaseKey(partitionID))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return model.Lease{}, notFound(partitionID)
	} else if err != nil {
		return model.Lease{}, err
	}

	var l model.Lease
	if err := json.Unmarshal(value, &l); err != nil {
		return model.Lease{}, errors.Wrapf(err, "failed to parse lease %s", partitionID)
	}
	return l, nil
}

func (p *pebbleStore) put(lease model.Lease) error {
	value, err := json.Marshal(lease)
	if err != nil {
		return err
	}

	wb := p.db.NewWriteBatch()
	return multierr.Combine(
		wb.Put(pebbleLeaseKey(lease.PartitionID), value),
		wb.Commit(),
		wb.Close(),
	)
}

func (p *pebbleStore) CreateIfAbsent(_ context.Context, lease model.Lease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()

	_, err := p.get(lease.PartitionID)
	switch {
	case err == nil:
		return exists(lease.PartitionID)
	case !errors.Is(err, ErrLeaseNotFound):
		return err
	}
	return p.put(lease)
}

func (p *pebbleStore) Get(_ context.Context, partitionID string) (model.Lease, error) {
	p.Lock()
	defer p.Unlock()
	return p.get(partitionID)
}

func (p *pebbleStore) ConditionalUpdate(_ context.Context, partitionID string, expectedFencingCounter int64, fields Fields) (model.Lease, error) {
	p.Lock()
	defer p.Unlock()

	existing, err := p.get(partitionID)
	if err != nil {
		return model.Lease{}, err
	}

	updated, err := applyUpdate(existing, expectedFencingCounter, fields)
	if err != nil {
		return model.Lease{}, err
	}
	return updated, p.put(updated)
}

func (p *pebbleStore) Scan(_ context.Context) (res []model.Lease, err error) {
	p.Lock()
	defer p.Unlock()

	it, err := p.db.RangeScan(pebbleLeasePrefix, pebbleLeaseEnd)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, it.Close())
	}()

	for ; it.Valid(); it.Next() {
		value, err := it.Value()
		if err != nil {
			return nil, err
		}
		var l model.Lease
		if err := json.Unmarshal(value, &l); err != nil {
			return nil, errors.Wrapf(err, "failed to parse lease at %s", it.Key())
		}
		res = append(res, l)
	}
	return sortLeases(res), nil
}

func (p *pebbleStore) Delete(_ context.Context, partitionID string) error {
	p.Lock()
	defer p.Unlock()

	if _, err := p.get(partitionID); err != nil {
		return err
	}

	wb := p.db.NewWriteBatch()
	return multierr.Combine(
		wb.Delete(pebbleLeaseKey(partitionID)),
		wb.Commit(),
		wb.Close(),
	)
}
