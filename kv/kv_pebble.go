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

package kv

import (
	"path/filepath"
	"slices"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/common/metrics"
)

type Pebble struct {
	name  string
	db    *pebble.DB
	cache *pebble.Cache

	dbMetrics          func() *pebble.Metrics
	gauges             []metrics.Gauge
	batchCommitLatency metrics.LatencyHistogram

	writeCount  metrics.Counter
	writeErrors metrics.Counter
	readErrors  metrics.Counter
}

func NewPebbleKV(options Options) (*Pebble, error) {
	if options.CacheSizeMB == 0 {
		options.CacheSizeMB = DefaultOptions.CacheSizeMB
	}
	if options.DataDir == "" {
		options.DataDir = DefaultOptions.DataDir
	}
	if options.Name == "" {
		options.Name = DefaultOptions.Name
	}

	labels := metrics.Labels{"db": options.Name}
	pb := &Pebble{
		name:  options.Name,
		cache: pebble.NewCache(options.CacheSizeMB * 1024 * 1024),

		batchCommitLatency: metrics.NewLatencyHistogram("leasekeeper_kv_batch_commit_latency",
			"The latency for committing a batch into the database", labels),
		writeCount: metrics.NewCounter("leasekeeper_kv_write_ops",
			"The amount of write operations", metrics.Dimensionless, labels),
		writeErrors: metrics.NewCounter("leasekeeper_kv_write_errors",
			"The count of write operations errors", metrics.Dimensionless, labels),
		readErrors: metrics.NewCounter("leasekeeper_kv_read_errors",
			"The count of read operations errors", metrics.Dimensionless, labels),
	}

	pbOptions := &pebble.Options{
		Cache:        pb.cache,
		MemTableSize: 16 * 1024 * 1024,
		Levels: []pebble.LevelOptions{
			{
				BlockSize:      32 * 1024,
				Compression:    pebble.NoCompression,
				TargetFileSize: 16 * 1024 * 1024,
			}, {
				BlockSize:      32 * 1024,
				Compression:    pebble.ZstdCompression,
				TargetFileSize: 32 * 1024 * 1024,
			},
		},
		FS: vfs.Default,
		Logger: newPebbleLogger(options.Name),

		FormatMajorVersion: pebble.FormatNewest,
	}

	if options.InMemory {
		pbOptions.FS = vfs.NewMem()
	}

	dbPath := filepath.Join(options.DataDir, options.Name)
	db, err := pebble.Open(dbPath, pbOptions)
	if err != nil {
		pb.cache.Unref()
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	pb.db = db

	// Cache the calls to db.Metrics() which are common to all the gauges
	pb.dbMetrics = common.Memoize(func() *pebble.Metrics {
		return pb.db.Metrics()
	}, 5*time.Second, common.SystemClock)

	pb.gauges = []metrics.Gauge{
		metrics.NewGauge("leasekeeper_kv_pebble_block_cache_used",
			"The size of the block cache used by the db",
			metrics.Bytes, labels, func() int64 {
				return pb.dbMetrics().BlockCache.Size
			}),
		metrics.NewGauge("leasekeeper_kv_pebble_disk_space",
			"The total size of all the db files",
			metrics.Bytes, labels, func() int64 {
				return int64(pb.dbMetrics().DiskSpaceUsage())
			}),
		metrics.NewGauge("leasekeeper_kv_pebble_memtable_size",
			"The size of the memtable",
			metrics.Bytes, labels, func() int64 {
				return int64(pb.dbMetrics().MemTable.Size)
			}),
	}

	return pb, nil
}

func (p *Pebble) Close() error {
	for _, g := range p.gauges {
		g.Unregister()
	}

	err := multierr.Combine(
		p.db.Flush(),
		p.db.Close(),
	)
	p.cache.Unref()
	return err
}

func (p *Pebble) Flush() error {
	return p.db.Flush()
}

func (p *Pebble) NewWriteBatch() WriteBatch {
	return &PebbleBatch{p: p, b: p.db.NewIndexedBatch()}
}

func (p *Pebble) Get(key string) ([]byte, error) {
	value, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	} else if err != nil {
		p.readErrors.Inc()
		return nil, err
	}

	res := slices.Clone(value)
	return res, closer.Close()
}

func (p *Pebble) RangeScan(lowerBound, upperBound string) (KeyValueIterator, error) {
	opts := &pebble.IterOptions{}
	if lowerBound != "" {
		opts.LowerBound = []byte(lowerBound)
	}
	if upperBound != "" {
		opts.UpperBound = []byte(upperBound)
	}
	pbit, err := p.db.NewIter(opts)
	if err != nil {
		p.readErrors.Inc()
		return nil, err
	}

	pbit.First()
	return &PebbleIterator{p, pbit}, nil
}

// Batch wrapper methods

type PebbleBatch struct {
	p *Pebble
	b *pebble.Batch
}

func (b *PebbleBatch) Count() int {
	return int(b.b.Count())
}

func (b *PebbleBatch) Size() int {
	return b.b.Len()
}

func (b *PebbleBatch) Close() error {
	return b.b.Close()
}

func (b *PebbleBatch) Put(key string, value []byte) error {
	err := b.b.Set([]byte(key), value, pebble.NoSync)
	if err != nil {
		b.p.writeErrors.Inc()
	}
	return err
}

func (b *PebbleBatch) Delete(key string) error {
	err := b.b.Delete([]byte(key), pebble.NoSync)
	if err != nil {
		b.p.writeErrors.Inc()
	}
	return err
}

func (b *PebbleBatch) DeleteRange(lowerBound, upperBound string) error {
	err := b.b.DeleteRange([]byte(lowerBound), []byte(upperBound), pebble.NoSync)
	if err != nil {
		b.p.writeErrors.Inc()
	}
	return err
}

func (b *PebbleBatch) Get(key string) ([]byte, error) {
	value, closer, err := b.b.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	} else if err != nil {
		b.p.readErrors.Inc()
		return nil, err
	}
	res := slices.Clone(value)
	return res, closer.Close()
}

func (b *PebbleBatch) Commit() error {
	b.p.writeCount.Add(b.Count())

	timer := b.p.batchCommitLatency.Timer()
	defer timer.Done()

	err := b.b.Commit(pebble.Sync)
	if err != nil {
		b.p.writeErrors.Inc()
	}
	return err
}

// Iterator wrapper methods

type PebbleIterator struct {
	p  *Pebble
	pi *pebble.Iterator
}

func (p *PebbleIterator) Close() error {
	return p.pi.Close()
}

func (p *PebbleIterator) Valid() bool {
	return p.pi.Valid()
}

func (p *PebbleIterator) Key() string {
	return string(p.pi.Key())
}

func (p *PebbleIterator) Next() bool {
	return p.pi.Next()
}

func (p *PebbleIterator) Value() ([]byte, error) {
	res, err := p.pi.ValueAndErr()
	if err != nil {
		p.p.readErrors.Inc()
		return nil, err
	}
	return slices.Clone(res), nil
}
