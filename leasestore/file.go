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
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/fslock"
	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/model"
)

type fileContainer struct {
	Leases map[string]model.Lease `json:"leases"`
}

type fileStore struct {
	sync.Mutex
	path     string
	fileLock *fslock.Lock
}

// NewFileStore keeps the lease table in a JSON file. The file is guarded by
// a lock file, so that processes on the same host can share it.
func NewFileStore(path string) (Store, error) {
	parentDir := filepath.Dir(path)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %s", parentDir)
	}

	return &fileStore{
		path:     path,
		fileLock: fslock.New(path + ".lock"),
	}, nil
}

func (f *fileStore) Close() error {
	return nil
}

// withLock runs fn while holding both the in-process and the file lock.
// When fn returns a modified container, it gets written back.
func (f *fileStore) withLock(fn func(c *fileContainer) (bool, error)) error {
	f.Lock()
	defer f.Unlock()

	if err := f.fileLock.Lock(); err != nil {
		return errors.Wrap(err, "failed to acquire file lock")
	}
	defer func() {
		if err := f.fileLock.Unlock(); err != nil {
			slog.Warn(
				"Failed to release file lock on lease table",
				slog.String("path", f.path),
				slog.Any("error", err),
			)
		}
	}()

	c, err := f.read()
	if err != nil {
		return err
	}

	modified, err := fn(c)
	if err != nil || !modified {
		return err
	}

	return f.write(c)
}

func (f *fileStore) read() (*fileContainer, error) {
	c := &fileContainer{Leases: map[string]model.Lease{}}
	content, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", f.path)
	}

	if len(content) == 0 {
		return c, nil
	}

	if err = json.Unmarshal(content, c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", f.path)
	}
	if c.Leases == nil {
		c.Leases = map[string]model.Lease{}
	}
	return c, nil
}

func (f *fileStore) write(c *fileContainer) error {
	content, err := json.Marshal(c)
	if err != nil {
		return err
	}

	// Replace the file atomically, so that a crash never leaves a partial table
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0640); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, f.path), "failed to replace %s", f.path)
}

func (f *fileStore) CreateIfAbsent(_ context.Context, lease model.Lease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	return f.withLock(func(c *fileContainer) (bool, error) {
		if _, ok := c.Leases[lease.PartitionID]; ok {
			return false, exists(lease.PartitionID)
		}
		c.Leases[lease.PartitionID] = lease
		return true, nil
	})
}

func (f *fileStore) Get(_ context.Context, partitionID string) (res model.Lease, err error) {
	err = f.withLock(func(c *fileContainer) (bool, error) {
		l, ok := c.Leases[partitionID]
		if !ok {
			return false, notFound(partitionID)
		}
		res = l
		return false, nil
	})
	return res, err
}

func (f *fileStore) ConditionalUpdate(_ context.Context, partitionID string, expectedFencingCounter int64, fields Fields) (res model.Lease, err error) {
	err = f.withLock(func(c *fileContainer) (bool, error) {
		existing, ok := c.Leases[partitionID]
		if !ok {
			return false, notFound(partitionID)
		}

		updated, err := applyUpdate(existing, expectedFencingCounter, fields)
		if err != nil {
			return false, err
		}
		c.Leases[partitionID] = updated
		res = updated
		return true, nil
	})
	return res, err
}

func (f *fileStore) Scan(_ context.Context) (res []model.Lease, err error) {
	err = f.withLock(func(c *fileContainer) (bool, error) {
		res = make([]model.Lease, 0, len(c.Leases))
		for _, l := range c.Leases {
			res = append(res, l)
		}
		return false, nil
	})
	return sortLeases(res), err
}

func (f *fileStore) Delete(_ context.Context, partitionID string) error {
	return f.withLock(func(c *fileContainer) (bool, error) {
		if _, ok := c.Leases[partitionID]; !ok {
			return false, notFound(partitionID)
		}
		delete(c.Leases, partitionID)
		return true, nil
	})
}
