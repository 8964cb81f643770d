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
	"io"
	"log/slog"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/streamnative/leasekeeper/common/container"
	"github.com/streamnative/leasekeeper/common/metrics"
	"github.com/streamnative/leasekeeper/processor"
)

var healthCheckInterval = 5 * time.Second

const (
	HealthServiceTopology   = "topology"
	HealthServiceLeaseStore = "lease-store"
)

// Server runs a worker along with its health and metrics endpoints.
type Server struct {
	worker       *Worker
	healthServer *container.HealthServer
	grpcServer   container.GrpcServer
	metrics      *metrics.Server
	closers      []io.Closer
}

// NewServer builds the adapter and the lease store from the configuration
// and starts a worker on them.
func NewServer(config Config, handler processor.RecordHandler) (*Server, error) {
	slog.Info(
		"Starting leasekeeper worker",
		slog.Any("config", config),
	)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeCheckTimeout)
	defer cancel()

	s := &Server{}

	store, err := NewLeaseStore(ctx, config)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store)

	adapter, adapterCloser, err := NewAdapter(ctx, config)
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	s.closers = append(s.closers, adapterCloser)

	if s.worker, err = New(config, adapter, store, handler); err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	if err := s.startEndpoints(config); err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	s.worker.Start()
	return s, nil
}

func (s *Server) startEndpoints(config Config) error {
	s.healthServer = container.NewHealthServer(healthCheckInterval)
	s.healthServer.AddCheck(HealthServiceTopology, s.worker.TopologyHealth)
	s.healthServer.AddCheck(HealthServiceLeaseStore, s.worker.StoreHealth)

	var err error
	s.grpcServer, err = container.StartGrpcServer("health", config.HealthServiceAddr, func(registrar grpc.ServiceRegistrar) {
		healthpb.RegisterHealthServer(registrar, s.healthServer)
	})
	if err != nil {
		return err
	}

	if config.MetricsServiceAddr != "" {
		if s.metrics, err = metrics.Start(config.MetricsServiceAddr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) Worker() *Worker {
	return s.worker
}

func (s *Server) HealthPort() int {
	return s.grpcServer.Port()
}

func (s *Server) Close() error {
	var err error
	if s.worker != nil {
		err = multierr.Append(err, s.worker.Close())
	}
	if s.grpcServer != nil {
		err = multierr.Append(err, s.grpcServer.Close())
	}
	if s.healthServer != nil {
		err = multierr.Append(err, s.healthServer.Close())
	}
	if s.metrics != nil {
		err = multierr.Append(err, s.metrics.Close())
	}
	// Closed in reverse order of creation
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i].Close())
	}
	return err
}
