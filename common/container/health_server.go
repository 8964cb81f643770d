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

package container

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthCheck returns nil when the component is able to do its job.
type HealthCheck func() error

// HealthServer implements the gRPC health service. The overall status is
// re-evaluated periodically from the registered checks.
type HealthServer struct {
	*health.Server

	sync.Mutex
	checks map[string]HealthCheck

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealthServer(interval time.Duration) *HealthServer {
	hs := &HealthServer{
		Server: health.NewServer(),
		checks: map[string]HealthCheck{},
	}
	hs.ctx, hs.cancel = context.WithCancel(context.Background())

	hs.wg.Add(1)
	go func() {
		defer hs.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hs.ctx.Done():
				return
			case <-ticker.C:
				hs.Evaluate()
			}
		}
	}()
	return hs
}

func (s *HealthServer) AddCheck(service string, check HealthCheck) {
	s.Lock()
	s.checks[service] = check
	s.Unlock()
	s.Evaluate()
}

// Evaluate runs all the checks and publishes their status. The empty
// service name reports the aggregate.
func (s *HealthServer) Evaluate() {
	s.Lock()
	defer s.Unlock()

	overall := healthpb.HealthCheckResponse_SERVING
	for service, check := range s.checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		s.SetServingStatus(service, status)
	}
	s.SetServingStatus("", overall)
}

func (s *HealthServer) Close() error {
	s.cancel()
	s.wg.Wait()
	s.Shutdown()
	return nil
}
