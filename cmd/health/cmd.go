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
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/streamnative/leasekeeper/worker"
)

var ErrUnhealthy = errors.New("unhealthy")

type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
	Service string
}

func NewConfig() Config {
	return Config{
		Host:    "",
		Port:    worker.DefaultHealthPort,
		Timeout: 10 * time.Second,
		Service: "",
	}
}

var (
	Cmd = &cobra.Command{
		Use:   "health",
		Short: "Worker health probe",
		Long:  `Check the health endpoint of a running worker. The services are 'topology' and 'lease-store', or empty for the overall status`,
		Args:  cobra.NoArgs,
		RunE:  exec,
	}

	config = NewConfig()
)

func init() {
	Cmd.Flags().StringVar(&config.Host, "host", config.Host, "Worker host")
	Cmd.Flags().IntVar(&config.Port, "port", config.Port, "Worker health port")
	Cmd.Flags().DurationVar(&config.Timeout, "timeout", config.Timeout, "Health check timeout")
	Cmd.Flags().StringVar(&config.Service, "service", config.Service, "Health check service")
	Cmd.SilenceUsage = true
	Cmd.SilenceErrors = true
}

func exec(*cobra.Command, []string) error {
	cnx, err := grpc.NewClient(
		fmt.Sprintf("%s:%d", config.Host, config.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return err
	}
	defer cnx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(cnx).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: config.Service})
	if err != nil {
		return err
	}

	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return errors.Wrapf(ErrUnhealthy, "status %s", resp.GetStatus())
	}
	return nil
}
