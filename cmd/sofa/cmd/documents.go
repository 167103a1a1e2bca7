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
	"github.com/go-kivik/sofa/cmd/sofa/input"
)

type getDoc struct {
	*root
	rev string
}

func getCmd(r *root) *cobra.Command {
	g := &getDoc{root: r}
	cmd := &cobra.Command{
		Use:   "get [database] [document]",
		Short: "Get a document",
		Long:  `Fetch a document with the HTTP GET verb. Query parameters given with --option are passed along.`,
		Args:  cobra.ExactArgs(2),
		RunE:  g.RunE,
	}
	cmd.Flags().StringVar(&g.rev, "rev", "", "Fetch this revision")
	return cmd
}

func (c *getDoc) RunE(cmd *cobra.Command, args []string) error {
	conn, err := c.client()
	if err != nil {
		return err
	}
	db, docID := conn.DB(args[0]), args[1]
	c.log.Debugf("[get] Will fetch document: %s/%s/%s", conn.DSN(), args[0], docID)
	params := c.params()
	if c.rev != "" {
		params["rev"] = c.rev
	}
	var doc *sofa.DocResult
	if len(params) == 0 {
		doc, err = db.Get(cmd.Context(), docID)
	} else {
		doc, err = db.GetOpts(cmd.Context(), docID, params)
	}
	if err != nil {
		return err
	}
	return c.print(cmd, doc)
}

type putDoc struct {
	*root
	in  *input.Input
	rev string
}

func putCmd(r *root) *cobra.Command {
	p := &putDoc{
		root: r,
		in:   input.New(),
	}
	cmd := &cobra.Command{
		Use:   "put [database] [document]",
		Short: "Save a document",
		Long: `Save a document. Without a document id, the id is taken from the
document's _id field, or assigned by the server. Without --rev, the
revision is taken from the document's _rev field.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: p.RunE,
	}
	p.in.ConfigFlags(cmd.Flags())
	cmd.Flags().StringVar(&p.rev, "rev", "", "Revision to update")
	return cmd
}

func (c *putDoc) RunE(cmd *cobra.Command, args []string) error {
	c.in.Stdin = cmd.InOrStdin()
	doc, err := c.in.Document()
	if err != nil {
		return err
	}
	conn, err := c.client()
	if err != nil {
		return err
	}
	db := conn.DB(args[0])
	var id string
	if len(args) > 1 {
		id = args[1]
	}
	c.log.Debugf("[put] Will save document %q in %s", id, args[0])
	switch {
	case c.rev != "":
		if id == "" {
			id, _ = doc["_id"].(string)
		}
		res, err := db.SaveRev(cmd.Context(), id, c.rev, doc)
		if err != nil {
			return err
		}
		return c.print(cmd, res)
	case id != "":
		res, err := db.SaveID(cmd.Context(), id, doc)
		if err != nil {
			return err
		}
		return c.print(cmd, res)
	}
	res, err := db.Save(cmd.Context(), doc)
	if err != nil {
		return err
	}
	return c.print(cmd, res)
}

func rmCmd(r *root) *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:     "rm [database] [document]",
		Aliases: []string{"delete"},
		Short:   "Delete a document",
		Long:    `Delete a document. Without --rev, the current revision is looked up first.`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := r.client()
			if err != nil {
				return err
			}
			db := conn.DB(args[0])
			var res *sofa.DocResult
			if rev == "" {
				res, err = db.Remove(cmd.Context(), args[1])
			} else {
				res, err = db.RemoveRev(cmd.Context(), args[1], rev)
			}
			if err != nil {
				return err
			}
			return r.print(cmd, res)
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "Revision to delete")
	return cmd
}
