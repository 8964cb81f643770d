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
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/streamnative/leasekeeper/leasestore"
)

var (
	ErrLeaseHeld = errors.New("lease is held by a live worker")

	force bool

	deleteCmd = &cobra.Command{
		Use:   "delete <partition>...",
		Short: "Delete leases",
		Long:  `Delete partition leases. The workers recreate the lease of a listed partition, from the start of the partition`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  execDelete,
	}
)

func init() {
	deleteCmd.Flags().BoolVar(&force, "force", false, "Delete leases that are held by a live worker")
}

func execDelete(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store leasestore.Store) error {
		for _, id := range args {
			l, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			if !force && l.IsOwned() && l.IsFresh(time.Now(), leaseTimeout) {
				return errors.Wrapf(ErrLeaseHeld, "partition %s is held by %s", id, l.Owner)
			}
			if err := store.Delete(ctx, id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted lease of partition %s\n", id)
		}
		return nil
	})
}
