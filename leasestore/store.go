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
	"io"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/streamnative/leasekeeper/model"
)

var (
	ErrLeaseNotFound   = errors.New("lease not found")
	ErrConditionFailed = errors.New("lease fencing counter mismatch")
	ErrLeaseExists     = errors.New("lease already exists")
)

// Fields are the mutable attributes of a lease. Nil fields are left untouched.
type Fields struct {
	Owner       *string
	Checkpoint  *string
	LastRenewed *time.Time
}

func (f Fields) WithOwner(owner string) Fields {
	f.Owner = &owner
	return f
}

func (f Fields) WithCheckpoint(checkpoint string) Fields {
	f.Checkpoint = &checkpoint
	return f
}

func (f Fields) WithLastRenewed(t time.Time) Fields {
	f.LastRenewed = &t
	return f
}

// Store is the strongly consistent table holding the leases. Every
// successful conditional update increments the fencing counter by one.
type Store interface {
	io.Closer

	// CreateIfAbsent stores the lease unless one already exists for the
	// partition, in which case ErrLeaseExists is returned.
	CreateIfAbsent(ctx context.Context, lease model.Lease) error

	Get(ctx context.Context, partitionID string) (model.Lease, error)

	// ConditionalUpdate applies the fields only if the stored fencing
	// counter matches the expected one. It returns the lease as stored.
	ConditionalUpdate(ctx context.Context, partitionID string, expectedFencingCounter int64, fields Fields) (model.Lease, error)

	// Scan returns all the leases ordered by partition id.
	Scan(ctx context.Context) ([]model.Lease, error)

	Delete(ctx context.Context, partitionID string) error
}

// applyUpdate validates the fencing counter and returns the updated lease.
func applyUpdate(existing model.Lease, expectedFencingCounter int64, fields Fields) (model.Lease, error) {
	if existing.FencingCounter != expectedFencingCounter {
		return model.Lease{}, errors.Wrapf(ErrConditionFailed, "partition %s: expected %d, found %d",
			existing.PartitionID, expectedFencingCounter, existing.FencingCounter)
	}

	updated := existing.Clone()
	if fields.Owner != nil {
		updated.Owner = *fields.Owner
	}
	if fields.Checkpoint != nil {
		updated.Checkpoint = *fields.Checkpoint
	}
	if fields.LastRenewed != nil {
		updated.LastRenewed = *fields.LastRenewed
	}
	updated.FencingCounter = expectedFencingCounter + 1
	return updated, nil
}

func notFound(partitionID string) error {
	return errors.Wrapf(ErrLeaseNotFound, "partition %s", partitionID)
}

func exists(partitionID string) error {
	return errors.Wrapf(ErrLeaseExists, "partition %s", partitionID)
}

func validateLease(lease model.Lease) error {
	if lease.PartitionID == "" {
		return errors.New("lease without partition id")
	}
	return nil
}

func sortLeases(leases []model.Lease) []model.Lease {
	slices.SortFunc(leases, func(a, b model.Lease) int {
		return strings.Compare(a.PartitionID, b.PartitionID)
	})
	return leases
}
