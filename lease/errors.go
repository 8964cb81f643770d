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

import "github.com/pkg/errors"

var (
	// ErrOwnershipLost is returned when another worker took over the lease.
	ErrOwnershipLost = errors.New("lease ownership lost")
	// ErrLeaseExpired is returned when a lease could not be renewed in time.
	ErrLeaseExpired         = errors.New("lease expired")
	ErrNotHeld              = errors.New("lease not held by this worker")
	ErrCheckpointRegression = errors.New("checkpoint is behind the stored one")
)
