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

package health

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/streamnative/leasekeeper/common/container"
)

func TestHealthCmd(t *testing.T) {
	_health := health.NewServer()
	server, err := container.StartGrpcServer("health", "localhost:0", func(registrar grpc.ServiceRegistrar) {
		grpc_health_v1.RegisterHealthServer(registrar, _health)
	})
	require.NoError(t, err)
	defer func() {
		_ = server.Close()
	}()

	_health.SetServingStatus("topology", grpc_health_v1.HealthCheckResponse_SERVING)
	_health.SetServingStatus("lease-store", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	_health.SetServingStatus("unknown", grpc_health_v1.HealthCheckResponse_UNKNOWN)

	portArg := fmt.Sprintf("--port=%d", server.Port())

	for _, test := range []struct {
		name         string
		args         []string
		expectedCode codes.Code
		unhealthy    bool
	}{
		{"happy path", []string{portArg}, codes.OK, false},
		{"incorrect port", []string{"--port=1", "--timeout=1s"}, codes.Unavailable, false},
		{"serving", []string{portArg, "--service=topology"}, codes.OK, false},
		{"not-serving", []string{portArg, "--service=lease-store"}, codes.Unknown, true},
		{"unknown", []string{portArg, "--service=unknown"}, codes.Unknown, true},
		{"invalid", []string{portArg, "--service=invalid"}, codes.NotFound, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			config = NewConfig()

			Cmd.SetArgs(test.args)
			err := Cmd.Execute()

			assert.Equal(t, test.expectedCode, status.Code(err))
			assert.Equal(t, test.unhealthy, errors.Is(err, ErrUnhealthy))
		})
	}
}
