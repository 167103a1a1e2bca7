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
	"io"
	"mime"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/go-kivik/sofa"
	"github.com/go-kivik/sofa/cmd/sofa/errors"
	"github.com/go-kivik/sofa/cmd/sofa/input"
)

func attachCmd(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Manage attachments",
	}
	cmd.AddCommand(putAttachmentCmd(r))
	cmd.AddCommand(getAttachmentCmd(r))
	cmd.AddCommand(rmAttachmentCmd(r))
	return cmd
}

type putAttachment struct {
	*root
	in          *input.Input
	rev         string
	contentType string
}

func putAttachmentCmd(r *root) *cobra.Command {
	p := &putAttachment{
		root: r,
		in:   input.New(),
	}
	cmd := &cobra.Command{
		Use:   "put [database] [document] [filename]",
		Short: "Upload an attachment",
		Long: `Upload an attachment from --data or --data-file. The content type is
guessed from the filename unless --content-type is given. Without --rev,
the document's current revision is used.`,
		Args: cobra.ExactArgs(3),
		RunE: p.RunE,
	}
	p.in.ConfigFlags(cmd.Flags())
	cmd.Flags().StringVar(&p.rev, "rev", "", "Document revision")
	cmd.Flags().StringVar(&p.contentType, "content-type", "", "Attachment content type")
	return cmd
}

func (c *putAttachment) RunE(cmd *cobra.Command, args []string) error {
	c.in.Stdin = cmd.InOrStdin()
	body, err := c.in.RawData()
	if err != nil {
		return err
	}
	defer body.Close() // nolint:errcheck
	contentType := c.contentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(args[2]))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	conn, err := c.client()
	if err != nil {
		return err
	}
	db := conn.DB(args[0])
	rev := c.rev
	if rev == "" {
		// The document may not exist yet, in which case it is created.
		meta, err := db.Head(cmd.Context(), args[1])
		switch {
		case err == nil:
			rev = meta.Rev()
		case !sofa.IsNotFound(err):
			return err
		}
	}
	res, err := db.SaveAttachment(cmd.Context(), args[1], rev, sofa.NewAttachment(args[2], contentType, body))
	if err != nil {
		return err
	}
	return c.print(cmd, res)
}

func getAttachmentCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "get [database] [document] [filename]",
		Short: "Download an attachment",
		Long:  `Download an attachment and write its content, unchanged, to standard output.`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := r.client()
			if err != nil {
				return err
			}
			att, err := conn.DB(args[0]).GetAttachment(cmd.Context(), args[1], args[2])
			if err != nil {
				return err
			}
			defer att.Close() // nolint:errcheck
			r.log.Debugf("[attach] %s: %s, %d bytes", att.Filename, att.ContentType, att.ContentLength)
			_, err = io.Copy(cmd.OutOrStdout(), att)
			return errors.Code(errors.ErrIO, err)
		},
	}
}

func rmAttachmentCmd(r *root) *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "rm [database] [document] [filename]",
		Short: "Delete an attachment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := r.client()
			if err != nil {
				return err
			}
			res, err := conn.DB(args[0]).RemoveAttachment(cmd.Context(), args[1], rev, args[2])
			if err != nil {
				return err
			}
			return r.print(cmd, res)
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "Document revision")
	return cmd
}
