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

package common

import (
	"sync"
	"time"
)

type memoized[T any] struct {
	sync.Mutex
	clock    Clock
	provider func() T
	ttl      time.Duration

	value     T
	refreshed time.Time
	valid     bool
}

// Memoize caches the result of provider for ttl. Concurrent callers of an
// expired value wait for a single refresh.
func Memoize[T any](provider func() T, ttl time.Duration, clock Clock) func() T {
	if clock == nil {
		clock = SystemClock
	}
	m := &memoized[T]{
		clock:    clock,
		provider: provider,
		ttl:      ttl,
	}
	return m.get
}

func (m *memoized[T]) get() T {
	m.Lock()
	defer m.Unlock()

	now := m.clock.Now()
	if !m.valid || now.Sub(m.refreshed) >= m.ttl {
		m.value = m.provider()
		m.refreshed = now
		m.valid = true
	}
	return m.value
}
