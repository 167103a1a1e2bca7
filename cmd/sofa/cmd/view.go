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

	"github.com/go-kivik/sofa"
)

func viewCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "view [database] [design/view]",
		Short: "Query a view",
		Long: `Query a view, or _all_docs. View parameters are given with --option,
for example -O key='"abc"' -O limit=10 -O include_docs=true.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := r.client()
			if err != nil {
				return err
			}
			db := conn.DB(args[0])
			var rows *sofa.Rows
			if args[1] == "_all_docs" {
				rows, err = db.AllDocs(cmd.Context(), r.params())
			} else {
				rows, err = db.View(cmd.Context(), args[1], r.params())
			}
			if err != nil {
				return err
			}
			return r.print(cmd, rows.Raw())
		},
	}
}
