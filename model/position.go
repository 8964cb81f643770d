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
	"strings"

	"github.com/pkg/errors"
)

const (
	// SequenceTrimHorizon marks a partition that was never processed.
	SequenceTrimHorizon = "TRIM_HORIZON"

	// SequenceShardEnd marks a partition that was fully drained.
	SequenceShardEnd = "SHARD_END"
)

var ErrInvalidPosition = errors.New("invalid position")

// ValidatePosition accepts the sentinels and decimal sequence numbers.
func ValidatePosition(position string) error {
	if position == SequenceTrimHorizon || position == SequenceShardEnd {
		return nil
	}
	if position == "" {
		return errors.Wrap(ErrInvalidPosition, "empty position")
	}
	for _, c := range position {
		if c < '0' || c > '9' {
			return errors.Wrapf(ErrInvalidPosition, "'%s' is not a sequence number", position)
		}
	}
	return nil
}

func positionRank(p string) int {
	switch p {
	case SequenceTrimHorizon, "":
		return 0
	case SequenceShardEnd:
		return 2
	default:
		return 1
	}
}

// ComparePositions orders TRIM_HORIZON before every sequence number and
// SHARD_END after all of them. Sequence numbers are compared numerically
// regardless of their size.
func ComparePositions(a, b string) int {
	ra, rb := positionRank(a), positionRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if ra != 1 {
		return 0
	}

	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
