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

package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/leasekeeper/model"
	"github.com/streamnative/leasekeeper/processor"
)

func TestStandalone(t *testing.T) {
	var handled atomic.Int64
	handler := processor.HandlerFunc(func(context.Context, *model.Record) error {
		handled.Add(1)
		return nil
	})

	config := NewStandaloneConfig()
	config.Worker = testConfig("unused")
	config.Worker.MetricsServiceAddr = ""
	config.Workers = 2
	config.DataDir = t.TempDir()
	config.Partitions = 2
	config.ProduceRate = 500
	config.SplitInterval = 100 * time.Millisecond

	s, err := NewStandalone(config, handler)
	require.NoError(t, err)
	assert.Len(t, s.Workers(), 2)

	assert.Eventually(t, func() bool {
		return handled.Load() >= 50
	}, 10*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		partitions, err := s.Log().ListPartitions(context.Background())
		return err == nil && len(partitions) > 2
	}, 10*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(s.Workers()[0].Held()) > 0 && len(s.Workers()[1].Held()) > 0
	}, 10*time.Second, 10*time.Millisecond)

	assert.NoError(t, s.Close())
}

func TestStandalone_InvalidConfig(t *testing.T) {
	config := NewStandaloneConfig()
	config.Workers = 0
	_, err := NewStandalone(config, processor.HandlerFunc(func(context.Context, *model.Record) error {
		return nil
	}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
