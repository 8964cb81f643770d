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
	"fmt"
	"slices"
)

type PartitionState string

const (
	PartitionOpen   PartitionState = "OPEN"
	PartitionClosed PartitionState = "CLOSED"
)

// HashRange is the inclusive range of hash keys routed to a partition.
type HashRange struct {
	Min uint64 `json:"min" yaml:"min"`
	Max uint64 `json:"max" yaml:"max"`
}

func (r HashRange) Contains(h uint64) bool {
	return h >= r.Min && h <= r.Max
}

// Split divides the range in two halves. A range of a single key can't be split.
func (r HashRange) Split() (HashRange, HashRange, bool) {
	if r.Min == r.Max {
		return r, r, false
	}
	mid := r.Min + (r.Max-r.Min)/2
	return HashRange{Min: r.Min, Max: mid}, HashRange{Min: mid + 1, Max: r.Max}, true
}

// Adjacent reports whether the two ranges can be merged into one.
func (r HashRange) Adjacent(o HashRange) bool {
	return (r.Max != ^uint64(0) && r.Max+1 == o.Min) || (o.Max != ^uint64(0) && o.Max+1 == r.Min)
}

func (r HashRange) Union(o HashRange) HashRange {
	return HashRange{Min: min(r.Min, o.Min), Max: max(r.Max, o.Max)}
}

func (r HashRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

type Partition struct {
	ID        string         `json:"id" yaml:"id"`
	HashRange HashRange      `json:"hashRange" yaml:"hashRange"`
	Parents   []string       `json:"parents,omitempty" yaml:"parents,omitempty"`
	State     PartitionState `json:"state" yaml:"state"`
}

func (p Partition) IsRoot() bool {
	return len(p.Parents) == 0
}

func (p Partition) IsClosed() bool {
	return p.State == PartitionClosed
}

func (p Partition) Clone() Partition {
	p.Parents = slices.Clone(p.Parents)
	return p
}
