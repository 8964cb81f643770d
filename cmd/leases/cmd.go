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

package leases

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamnative/leasekeeper/cmd/flag"
	"github.com/streamnative/leasekeeper/lease"
	"github.com/streamnative/leasekeeper/leasestore"
	"github.com/streamnative/leasekeeper/worker"
)

const storeTimeout = 30 * time.Second

var (
	conf         = worker.NewConfig()
	leaseTimeout = lease.DefaultLeaseTimeout

	Cmd = &cobra.Command{
		Use:   "leases",
		Short: "Inspect and edit the lease table",
		Long:  `Inspect and edit the lease table shared by the workers`,
	}
)

func init() {
	for _, c := range []*cobra.Command{listCmd, deleteCmd} {
		flag.LeaseStore(c, &conf)
		c.Flags().DurationVar(&leaseTimeout, "lease-timeout", leaseTimeout, "Lease timeout of the workers")
		Cmd.AddCommand(c)
	}
}

func withStore(fn func(ctx context.Context, store leasestore.Store) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	store, err := worker.NewLeaseStore(ctx, conf)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, store)
}
