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

package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer(t *testing.T) {
	metrics, err := Start("localhost:0")
	require.NoError(t, err)

	c := NewCounter("leasekeeper_test_counter", "A test counter", Dimensionless, LabelsForWorker("w-1"))
	c.Inc()
	c.Add(2)

	g := NewGauge("leasekeeper_test_gauge", "A test gauge", Dimensionless, LabelsForPartition("w-1", "p-1"),
		func() int64 { return 7 })
	defer g.Unregister()

	NewLatencyHistogram("leasekeeper_test_latency", "A test latency", nil).Timer().Done()
	NewCountHistogram("leasekeeper_test_size", "A test size", nil).Record(12)

	url := fmt.Sprintf("http://localhost:%d/metrics", metrics.Port())
	response, err := http.Get(url)
	require.NoError(t, err)

	assert.Equal(t, 200, response.StatusCode)

	body, err := io.ReadAll(response.Body)
	assert.NoError(t, err)
	_ = response.Body.Close()

	// Looks like exposition format
	assert.Equal(t, "# HELP ", string(body[0:7]))
	text := string(body)
	assert.True(t, strings.Contains(text, "leasekeeper_test_counter"))
	assert.True(t, strings.Contains(text, "leasekeeper_test_gauge"))
	assert.True(t, strings.Contains(text, `partition="p-1"`))

	err = metrics.Close()
	assert.NoError(t, err)

	response, err = http.Get(url)
	assert.ErrorContains(t, err, "connection refused")
	assert.Nil(t, response)
}

func TestLabels_With(t *testing.T) {
	base := LabelsForPartition("w-1", "p-1")
	withState := base.With("state", "processing")

	assert.Len(t, base, 2)
	assert.Equal(t, Labels{"worker": "w-1", "partition": "p-1", "state": "processing"}, withState)

	var empty Labels
	assert.Equal(t, Labels{"a": 1}, empty.With("a", 1))
}
