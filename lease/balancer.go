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

package lease

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/streamnative/leasekeeper/model"
)

type planInput struct {
	workerID     string
	leases       []model.Lease
	held         map[string]bool
	excluded     map[string]bool
	now          time.Time
	leaseTimeout time.Duration
	maxLeases    int
}

type plan struct {
	// Candidates to claim, in the order they should be attempted
	candidates []model.Lease
	// Number of successful claims to make
	claims int
	// Partitions to give up, in the order they should be released
	release []string

	liveWorkers int
	assignable  int
}

// computePlan decides which leases this worker should claim and which it
// should give up, so that every live worker converges to holding either
// floor(N/W) or ceil(N/W) of the N assignable leases.
//
// Leases held by a live peer are never taken. A worker above its fair share
// gives some leases up only when a peer is below it.
func computePlan(in planInput) plan {
	counts := map[string]int{in.workerID: 0}
	var candidates []model.Lease
	assignable := 0

	for _, l := range in.leases {
		fresh := l.IsOwned() && l.IsFresh(in.now, in.leaseTimeout)
		if l.IsPresence() {
			if fresh {
				if _, ok := counts[l.Owner]; !ok {
					counts[l.Owner] = 0
				}
			}
			continue
		}
		if l.IsDrained() {
			continue
		}

		assignable++
		switch {
		case in.held[l.PartitionID]:
			counts[in.workerID]++
		case fresh && l.Owner != in.workerID:
			counts[l.Owner]++
		case !in.excluded[l.PartitionID]:
			candidates = append(candidates, l)
		}
	}

	slices.SortFunc(candidates, func(a, b model.Lease) int {
		return strings.Compare(a.PartitionID, b.PartitionID)
	})

	workers := len(counts)
	floor := assignable / workers
	ceil := (assignable + workers - 1) / workers

	minPeer := math.MaxInt
	for w, c := range counts {
		if w != in.workerID {
			minPeer = min(minPeer, c)
		}
	}

	held := counts[in.workerID]
	p := plan{
		candidates:  candidates,
		liveWorkers: workers,
		assignable:  assignable,
	}

	target := min(ceil, in.maxLeases)
	for h := held; h < target && (h < floor || minPeer >= h); h++ {
		p.claims++
	}
	p.claims = min(p.claims, len(candidates))

	var surplus int
	switch {
	case held > in.maxLeases:
		surplus = held - in.maxLeases
	case held > ceil && minPeer < ceil:
		surplus = held - ceil
	case held == ceil && ceil > floor && minPeer < floor:
		surplus = 1
	}

	if surplus > 0 {
		var mine []string
		for id := range in.held {
			if !model.IsPresenceKey(id) {
				mine = append(mine, id)
			}
		}
		slices.SortFunc(mine, func(a, b string) int {
			return strings.Compare(b, a)
		})
		p.release = mine[:min(surplus, len(mine))]
	}

	return p
}
