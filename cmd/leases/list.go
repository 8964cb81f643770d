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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/streamnative/leasekeeper/leasestore"
	"github.com/streamnative/leasekeeper/model"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var (
	output         = outputTable
	includeWorkers bool

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the leases",
		Long:  `List the partition leases, with their owner and checkpoint`,
		Args:  cobra.NoArgs,
		RunE:  execList,
	}
)

func init() {
	listCmd.Flags().StringVarP(&output, "output", "o", output, "Output format: table, json or yaml")
	listCmd.Flags().BoolVar(&includeWorkers, "workers", false, "Include the worker presence rows")
}

func execList(cmd *cobra.Command, _ []string) error {
	switch output {
	case outputTable, outputJSON, outputYAML:
	default:
		return errors.Errorf("unknown output format '%s'", output)
	}

	return withStore(func(ctx context.Context, store leasestore.Store) error {
		all, err := store.Scan(ctx)
		if err != nil {
			return err
		}

		leases := make([]model.Lease, 0, len(all))
		for _, l := range all {
			if includeWorkers || !l.IsPresence() {
				leases = append(leases, l)
			}
		}
		return printLeases(cmd.OutOrStdout(), leases, time.Now())
	})
}

func printLeases(out io.Writer, leases []model.Lease, now time.Time) error {
	switch output {
	case outputJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(leases)

	case outputYAML:
		encoder := yaml.NewEncoder(out)
		defer encoder.Close()
		return encoder.Encode(leases)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARTITION\tOWNER\tCOUNTER\tCHECKPOINT\tRENEWED\tPARENTS")
	for _, l := range leases {
		owner := l.Owner
		if owner == "" {
			owner = "-"
		}
		renewed := "never"
		if !l.LastRenewed.IsZero() {
			renewed = humanize.RelTime(l.LastRenewed, now, "ago", "from now")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			l.PartitionID, owner, l.FencingCounter, l.Checkpoint, renewed, strings.Join(l.Parents, ","))
	}
	return w.Flush()
}
