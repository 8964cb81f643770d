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
	"io"

	"github.com/pkg/errors"
)

var ErrKeyNotFound = errors.New("leasekeeper: key not found")

type WriteBatch interface {
	io.Closer

	Put(key string, value []byte) error
	Delete(key string) error
	// DeleteRange removes the keys in [lowerBound, upperBound)
	DeleteRange(lowerBound, upperBound string) error

	// Get reads through the batch, so pending writes are visible
	Get(key string) ([]byte, error)

	// Count is the number of operations that are currently in the batch
	Count() int

	// Size of all the operations that are currently in the batch
	Size() int

	Commit() error
}

type KeyValueIterator interface {
	io.Closer

	Valid() bool
	Key() string
	Next() bool
	Value() ([]byte, error)
}

type KV interface {
	io.Closer

	NewWriteBatch() WriteBatch

	// Get returns a copy of the value stored for the key
	Get(key string) ([]byte, error)

	// RangeScan iterates over [lowerBound, upperBound). Empty bounds are open.
	RangeScan(lowerBound, upperBound string) (KeyValueIterator, error)

	Flush() error
}

type Options struct {
	DataDir     string
	CacheSizeMB int64

	// Name identifies the database in logs and metrics
	Name string

	// Create a pure in-memory database. Used for unit-tests
	InMemory bool
}

var DefaultOptions = Options{
	DataDir:     "data",
	CacheSizeMB: 64,
	Name:        "default",
}
