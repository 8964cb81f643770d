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
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Labels are the attributes attached to every measurement of an instrument.
type Labels map[string]any

func LabelsForWorker(workerID string) Labels {
	return Labels{"worker": workerID}
}

func LabelsForPartition(workerID string, partitionID string) Labels {
	return Labels{
		"worker":    workerID,
		"partition": partitionID,
	}
}

// With returns a copy of the labels with one more entry.
func (l Labels) With(key string, value any) Labels {
	res := maps.Clone(l)
	if res == nil {
		res = Labels{}
	}
	res[key] = value
	return res
}

func (l Labels) option() metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(l))
	for _, k := range slices.Sorted(maps.Keys(l)) {
		key := attribute.Key(k)
		switch v := l[k].(type) {
		case string:
			attrs = append(attrs, key.String(v))
		case int:
			attrs = append(attrs, key.Int(v))
		case int64:
			attrs = append(attrs, key.Int64(v))
		case uint32:
			attrs = append(attrs, key.Int64(int64(v)))
		case float64:
			attrs = append(attrs, key.Float64(v))
		case bool:
			attrs = append(attrs, key.Bool(v))
		default:
			attrs = append(attrs, key.String(fmt.Sprint(v)))
		}
	}
	return metric.WithAttributeSet(attribute.NewSet(attrs...))
}
