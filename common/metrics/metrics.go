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
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/streamnative/leasekeeper/common"
)

type Unit string

const (
	Bytes         Unit = "By"
	Milliseconds  Unit = "ms"
	Dimensionless Unit = "1"
)

var (
	latencyBucketsMillis = []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1_000, 2_000, 5_000, 10_000}
	sizeBucketsCount     = []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 10_000}

	meter otelmetric.Meter
)

func init() {
	provider, err := newMeterProvider()
	if err != nil {
		panic(errors.Wrap(err, "failed to initialize the prometheus exporter"))
	}
	meter = provider.Meter("leasekeeper")
}

// newMeterProvider exports all the instruments to the default prometheus
// registry. Histograms get their buckets from their unit.
func newMeterProvider() (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	options := []metric.Option{metric.WithReader(exporter)}
	for unit, buckets := range map[Unit][]float64{
		Milliseconds:  latencyBucketsMillis,
		Dimensionless: sizeBucketsCount,
	} {
		options = append(options, metric.WithView(metric.NewView(
			metric.Instrument{Kind: metric.InstrumentKindHistogram, Unit: string(unit)},
			metric.Stream{Aggregation: metric.AggregationExplicitBucketHistogram{Boundaries: buckets}},
		)))
	}
	return metric.NewMeterProvider(options...), nil
}

// Server exposes the metrics in the prometheus format on /metrics.
type Server struct {
	server *http.Server
	port   int
}

func Start(bindAddress string) (*Server, error) {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", bindAddress)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: time.Second,
		},
		port: listener.Addr().(*net.TCPAddr).Port,
	}

	slog.Info(
		"Serving prometheus metrics",
		slog.String("address", listener.Addr().String()),
		slog.String("path", "/metrics"),
	)

	go common.DoWithLabels(context.Background(), map[string]string{
		"leasekeeper": "metrics",
	}, func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(
				"Failed to serve metrics",
				slog.Any("error", err),
			)
		}
	})
	return s, nil
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Close() error {
	return s.server.Close()
}
