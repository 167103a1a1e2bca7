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

package sofa

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-kivik/sofa/chttp"
	"github.com/go-kivik/sofa/config"
	"github.com/go-kivik/sofa/feed"
)

// Changes fetches a single batch of changes from GET /{db}/_changes.
func (db *DB) Changes(ctx context.Context, params Options) (*Rows, error) {
	query, err := params.params()
	if err != nil {
		return nil, err
	}
	return db.conn.doRows(ctx, http.MethodGet, db.path("_changes"), &chttp.Options{Query: query})
}

// Feed returns a new, idle continuous change feed for the database. The
// connection's clock and logger are used unless opts sets them.
func (db *DB) Feed(opts feed.Options) *feed.Feed {
	if opts.Clock == nil {
		opts.Clock = db.conn.clock
	}
	if opts.Logger == nil {
		opts.Logger = db.conn.log
	}
	return feed.New(db.conn.client, db.name, opts)
}

// ConfigureCacheFeed stops the database's cache feed, if any, and, in
// follow cache mode, starts a new one from the current update sequence.
// Cached documents changed on the server are refreshed; deleted documents
// are purged. Documents not in the cache are ignored.
func (db *DB) ConfigureCacheFeed(ctx context.Context) error {
	db.Close()
	if db.conn.cfg.Cache != config.CacheFollow {
		return nil
	}
	info, err := db.Info(ctx)
	if err != nil {
		return err
	}
	var seq struct {
		UpdateSeq feed.Seq `json:"update_seq"`
	}
	if err := json.Unmarshal(info.Raw(), &seq); err != nil {
		return protocolError(err)
	}
	f := db.Feed(feed.Options{
		Since:       seq.UpdateSeq,
		IncludeDocs: true,
		AutoFollow:  true,
	})
	unsubscribe := f.Subscribe(db.cohere)
	if err := f.Follow(context.Background()); err != nil {
		unsubscribe()
		return err
	}
	db.mu.Lock()
	old, oldUnsubscribe := db.feed, db.unsubscribe
	db.feed, db.unsubscribe = f, unsubscribe
	db.mu.Unlock()
	if old != nil {
		oldUnsubscribe()
		old.Stop()
		<-old.Done()
	}
	db.conn.track(db, true)
	return nil
}

func (db *DB) cohere(change *feed.Change) {
	switch {
	case change.Deleted:
		db.cache.Purge(change.ID)
	case change.Doc != nil:
		db.cache.Refresh(change.ID, change.Doc)
	}
}
