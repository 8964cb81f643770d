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

package model

import (
	"slices"
	"strings"
	"time"
)

// WorkerPresencePrefix is the key prefix of the rows through which workers
// publish their liveness. These rows are never assigned.
const WorkerPresencePrefix = "__worker__/"

func PresenceKey(workerID string) string {
	return WorkerPresencePrefix + workerID
}

func IsPresenceKey(partitionID string) bool {
	return strings.HasPrefix(partitionID, WorkerPresencePrefix)
}

type Lease struct {
	PartitionID    string    `json:"partitionId" yaml:"partitionId"`
	Owner          string    `json:"owner,omitempty" yaml:"owner,omitempty"`
	FencingCounter int64     `json:"fencingCounter" yaml:"fencingCounter"`
	Checkpoint     string    `json:"checkpoint" yaml:"checkpoint"`
	LastRenewed    time.Time `json:"lastRenewed" yaml:"lastRenewed"`
	Parents        []string  `json:"parents,omitempty" yaml:"parents,omitempty"`
}

// NewLease creates the initial, unowned lease for a partition.
func NewLease(partitionID string, parents []string) Lease {
	return Lease{
		PartitionID: partitionID,
		Checkpoint:  SequenceTrimHorizon,
		Parents:     slices.Clone(parents),
	}
}

func (l Lease) IsOwned() bool {
	return l.Owner != ""
}

func (l Lease) IsPresence() bool {
	return IsPresenceKey(l.PartitionID)
}

// IsFresh reports whether the lease was renewed within the timeout.
func (l Lease) IsFresh(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.LastRenewed) < timeout
}

// IsHeldBy reports whether the worker owns a lease that didn't expire yet.
func (l Lease) IsHeldBy(workerID string, now time.Time, timeout time.Duration) bool {
	return l.Owner == workerID && l.IsFresh(now, timeout)
}

func (l Lease) IsDrained() bool {
	return l.Checkpoint == SequenceShardEnd
}

func (l Lease) Clone() Lease {
	l.Parents = slices.Clone(l.Parents)
	return l
}
