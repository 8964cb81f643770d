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
	"io"
	"log/slog"
	"net"
	"os"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/streamnative/leasekeeper/common"
)

type GrpcServer interface {
	io.Closer

	Port() int
}

type grpcServer struct {
	server *grpc.Server
	port   int
	log    *slog.Logger
}

// StartGrpcServer binds the address, registers the services and starts
// serving in the background.
func StartGrpcServer(name, bindAddress string, registerFunc func(grpc.ServiceRegistrar)) (GrpcServer, error) {
	c := &grpcServer{
		server: grpc.NewServer(
			grpc.ChainStreamInterceptor(grpcprometheus.StreamServerInterceptor),
			grpc.ChainUnaryInterceptor(grpcprometheus.UnaryServerInterceptor),
		),
	}
	registerFunc(c.server)
	grpcprometheus.Register(c.server)

	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", bindAddress)
	}

	c.port = listener.Addr().(*net.TCPAddr).Port

	c.log = slog.With(
		slog.String("grpc-server", name),
		slog.String("bind-address", listener.Addr().String()),
	)

	go common.DoWithLabels(context.Background(), map[string]string{
		"leasekeeper": name,
		"bind":        listener.Addr().String(),
	}, func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.log.Error(
				"Failed to start serving",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	})

	c.log.Info("Started Grpc server")

	return c, nil
}

func (c *grpcServer) Port() int {
	return c.port
}

func (c *grpcServer) Close() error {
	c.server.GracefulStop()
	c.log.Info("Stopped Grpc server")
	return nil
}
