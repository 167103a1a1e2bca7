// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package cmd

import (
	"github.com/spf13/cobra"
)

func infoCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "info [database]",
		Short: "Show server or database information",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := r.client()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				res, err := conn.Info(cmd.Context())
				if err != nil {
					return err
				}
				return r.print(cmd, res)
			}
			res, err := conn.DB(args[0]).Info(cmd.Context())
			if err != nil {
				return err
			}
			return r.print(cmd, res)
		},
	}
}

func dbsCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:     "dbs",
		Aliases: []string{"databases"},
		Short:   "List databases",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := r.client()
			if err != nil {
				return err
			}
			dbs, err := conn.Databases(cmd.Context())
			if err != nil {
				return err
			}
			return r.print(cmd, dbs)
		},
	}
}

func uuidsCmd(r *root) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "uuids",
		Short: "Fetch server-generated ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := r.client()
			if err != nil {
				return err
			}
			ids, err := conn.UUIDs(cmd.Context(), count)
			if err != nil {
				return err
			}
			return r.print(cmd, ids)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of ids")
	return cmd
}
