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
	"bytes"
	"context"

	"github.com/spf13/cobra"

	"github.com/go-kivik/sofa/feed"
)

type follow struct {
	*root
	since       string
	limit       int
	includeDocs bool
}

func followCmd(r *root) *cobra.Command {
	f := &follow{root: r}
	cmd := &cobra.Command{
		Use:   "follow [database]",
		Short: "Follow the changes feed",
		Long: `Print changes to a database as they happen, one per line. The feed is
reopened if the server closes it.`,
		Args: cobra.ExactArgs(1),
		RunE: f.RunE,
	}
	pf := cmd.Flags()
	pf.StringVar(&f.since, "since", "now", "Sequence to start from")
	pf.IntVarP(&f.limit, "limit", "n", 0, "Exit after this many changes")
	pf.BoolVar(&f.includeDocs, "include-docs", false, "Include documents")
	return cmd
}

func (c *follow) RunE(cmd *cobra.Command, args []string) error {
	conn, err := c.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	f := conn.DB(args[0]).Feed(feed.Options{
		Since:       feed.Seq(c.since),
		IncludeDocs: c.includeDocs,
		AutoFollow:  true,
	})
	changes := make(chan *feed.Change)
	unsubscribe := f.Subscribe(func(change *feed.Change) {
		select {
		case changes <- change:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()
	if err := f.Follow(ctx); err != nil {
		return err
	}
	defer func() {
		cancel()
		f.Stop()
		<-f.Done()
	}()
	done := f.Done()

	for n := 0; c.limit <= 0 || n < c.limit; n++ {
		select {
		case change := <-changes:
			if err := c.fmt.Output(cmd.OutOrStdout(), bytes.NewReader(change.Raw)); err != nil {
				return err
			}
		case <-done:
			return f.Err()
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
