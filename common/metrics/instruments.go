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
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
)

type Counter interface {
	Inc()
	Add(incr int)
}

type Gauge interface {
	Unregister()
}

type Histogram interface {
	Record(value int)
}

type LatencyHistogram interface {
	Timer() Timer
	Observe(d time.Duration)
}

// Timer measures the time elapsed since its creation.
type Timer struct {
	h     LatencyHistogram
	start time.Time
}

func (t Timer) Done() {
	t.h.Observe(time.Since(t.start))
}

// Instruments are only created with static names, so a failure is a bug.
func mustCreate(err error, name string) {
	if err != nil {
		panic(errors.Wrapf(err, "failed to create metric %s", name))
	}
}

type counter struct {
	c      metric.Int64Counter
	option metric.MeasurementOption
}

func (c *counter) Inc() {
	c.Add(1)
}

func (c *counter) Add(incr int) {
	c.c.Add(context.Background(), int64(incr), c.option)
}

func NewCounter(name string, description string, unit Unit, labels Labels) Counter {
	c, err := meter.Int64Counter(name,
		metric.WithUnit(string(unit)),
		metric.WithDescription(description),
	)
	mustCreate(err, name)
	return &counter{c: c, option: labels.option()}
}

type gauge struct {
	registration metric.Registration
}

func (g *gauge) Unregister() {
	if err := g.registration.Unregister(); err != nil {
		slog.Warn(
			"Failed to unregister gauge",
			slog.Any("error", err),
		)
	}
}

// NewGauge reports the value returned by callback at every collection.
func NewGauge(name string, description string, unit Unit, labels Labels, callback func() int64) Gauge {
	g, err := meter.Int64ObservableGauge(name,
		metric.WithUnit(string(unit)),
		metric.WithDescription(description),
	)
	mustCreate(err, name)

	option := labels.option()
	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, callback(), option)
		return nil
	}, g)
	mustCreate(err, name)
	return &gauge{registration: registration}
}

type countHistogram struct {
	h      metric.Int64Histogram
	option metric.MeasurementOption
}

func (h *countHistogram) Record(value int) {
	h.h.Record(context.Background(), int64(value), h.option)
}

func NewCountHistogram(name string, description string, labels Labels) Histogram {
	h, err := meter.Int64Histogram(name,
		metric.WithUnit(string(Dimensionless)),
		metric.WithDescription(description),
	)
	mustCreate(err, name)
	return &countHistogram{h: h, option: labels.option()}
}

type latencyHistogram struct {
	h      metric.Float64Histogram
	option metric.MeasurementOption
}

func (h *latencyHistogram) Timer() Timer {
	return Timer{h: h, start: time.Now()}
}

func (h *latencyHistogram) Observe(d time.Duration) {
	h.h.Record(context.Background(), float64(d.Microseconds())/1000.0, h.option)
}

func NewLatencyHistogram(name string, description string, labels Labels) LatencyHistogram {
	h, err := meter.Float64Histogram(name,
		metric.WithUnit(string(Milliseconds)),
		metric.WithDescription(description),
	)
	mustCreate(err, name)
	return &latencyHistogram{h: h, option: labels.option()}
}
