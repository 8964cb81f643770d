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

package processor

type State int32

const (
	StateAssigned State = iota
	StateIterating
	StateProcessing
	StateCheckpointing
	StateDrained
	StateLost
	StateStopped
)

var allStates = []State{
	StateAssigned, StateIterating, StateProcessing, StateCheckpointing,
	StateDrained, StateLost, StateStopped,
}

func (s State) String() string {
	switch s {
	case StateAssigned:
		return "assigned"
	case StateIterating:
		return "iterating"
	case StateProcessing:
		return "processing"
	case StateCheckpointing:
		return "checkpointing"
	case StateDrained:
		return "drained"
	case StateLost:
		return "lost"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// IsTerminal reports whether the processor has exited.
func (s State) IsTerminal() bool {
	return s == StateDrained || s == StateLost || s == StateStopped
}
