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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) KV {
	t.Helper()
	db, err := NewPebbleKV(Options{InMemory: true, Name: t.Name()})
	require.NoError(t, err)
	return db
}

func TestPebbleSimple(t *testing.T) {
	db := newTestKV(t)

	wb := db.NewWriteBatch()
	assert.NoError(t, wb.Put("a", []byte("0")))
	assert.NoError(t, wb.Put("b", []byte("1")))
	assert.NoError(t, wb.Put("c", []byte("2")))
	assert.Equal(t, 3, wb.Count())

	// Reads see the pending writes of the batch
	res, err := wb.Get("b")
	assert.NoError(t, err)
	assert.Equal(t, "1", string(res))

	_, err = db.Get("b")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.NoError(t, wb.Commit())
	assert.NoError(t, wb.Close())

	res, err = db.Get("a")
	assert.NoError(t, err)
	assert.Equal(t, "0", string(res))

	wb = db.NewWriteBatch()
	assert.NoError(t, wb.Delete("a"))
	_, err = wb.Get("a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, wb.Commit())
	assert.NoError(t, wb.Close())

	_, err = db.Get("a")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.NoError(t, db.Close())
}

func TestPebbleRangeScan(t *testing.T) {
	db := newTestKV(t)

	wb := db.NewWriteBatch()
	for _, k := range []string{"/a/1", "/a/2", "/a/3", "/b/1", "/c"} {
		assert.NoError(t, wb.Put(k, []byte(k)))
	}
	assert.NoError(t, wb.Commit())
	assert.NoError(t, wb.Close())

	it, err := db.RangeScan("/a/", "/b/")
	require.NoError(t, err)

	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, it.Key())
		v, err := it.Value()
		assert.NoError(t, err)
		assert.Equal(t, it.Key(), string(v))
	}
	assert.NoError(t, it.Close())
	assert.Equal(t, []string{"/a/1", "/a/2", "/a/3"}, keys)

	it, err = db.RangeScan("", "")
	require.NoError(t, err)
	count := 0
	for ; it.Valid(); it.Next() {
		count++
	}
	assert.NoError(t, it.Close())
	assert.Equal(t, 5, count)

	assert.NoError(t, db.Close())
}

func TestPebbleDeleteRange(t *testing.T) {
	db := newTestKV(t)
	defer db.Close()

	wb := db.NewWriteBatch()
	for _, k := range []string{"rec/a/1", "rec/a/2", "rec/b/1"} {
		assert.NoError(t, wb.Put(k, []byte(k)))
	}
	assert.NoError(t, wb.Commit())
	assert.NoError(t, wb.Close())

	wb = db.NewWriteBatch()
	assert.NoError(t, wb.DeleteRange("rec/a/", "rec/a0"))
	_, err := wb.Get("rec/a/1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, wb.Commit())
	assert.NoError(t, wb.Close())

	_, err = db.Get("rec/a/2")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	res, err := db.Get("rec/b/1")
	assert.NoError(t, err)
	assert.Equal(t, "rec/b/1", string(res))
}
