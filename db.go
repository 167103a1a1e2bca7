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
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/go-kivik/sofa/cache"
	"github.com/go-kivik/sofa/chttp"
	"github.com/go-kivik/sofa/feed"
)

// DB is a handle to a single database. It owns a document cache and, in
// follow cache mode, a change feed which keeps that cache coherent.
//
// Concurrent saves of the same document are not serialized: the later
// write may fail with a conflict. Callers who need ordering must provide
// it.
type DB struct {
	conn  *Connection
	name  string
	cache *cache.Cache
	gets  singleflight.Group

	mu          sync.Mutex
	feed        *feed.Feed
	unsubscribe func()
}

func newDB(c *Connection, name string) *DB {
	return &DB{
		conn: c,
		name: name,
		cache: cache.New(cache.Options{
			Enabled: c.cfg.Cache.Enabled(),
			Size:    c.cfg.CacheSize,
			Name:    name,
			Clock:   c.clock,
			Metrics: c.metrics,
			Logger:  c.log,
		}),
	}
}

// Name returns the database name.
func (db *DB) Name() string {
	return db.name
}

// Cache returns the database's document cache.
func (db *DB) Cache() *cache.Cache {
	return db.cache
}

// path returns the escaped path of the database, followed by any already
// escaped sub-path.
func (db *DB) path(sub ...string) string {
	return "/" + strings.Join(append([]string{chttp.EncodePath(db.name)}, sub...), "/")
}

// Exists reports whether the database exists, with HEAD /{db}.
func (db *DB) Exists(ctx context.Context) (bool, error) {
	_, err := db.conn.doDoc(ctx, http.MethodHead, db.path(), nil)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	}
	return false, err
}

// Info returns the database information document.
func (db *DB) Info(ctx context.Context) (*DocResult, error) {
	return db.conn.doDoc(ctx, http.MethodGet, db.path(), nil)
}

// Create creates the database. In follow cache mode the cache feed is
// started afterwards.
func (db *DB) Create(ctx context.Context) (*DocResult, error) {
	res, err := db.conn.doDoc(ctx, http.MethodPut, db.path(), nil)
	if err != nil {
		return nil, err
	}
	if err := db.ConfigureCacheFeed(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// Destroy deletes the database, stops its cache feed and empties its cache.
func (db *DB) Destroy(ctx context.Context) (*DocResult, error) {
	res, err := db.conn.doDoc(ctx, http.MethodDelete, db.path(), nil)
	if err != nil {
		return nil, err
	}
	db.Close()
	db.cache.PurgeAll()
	return res, nil
}

// Replicate replicates this database to target. options are merged into
// the replication document.
func (db *DB) Replicate(ctx context.Context, target string, options Options) (*DocResult, error) {
	if target == "" {
		return nil, missingArg("target")
	}
	doc := Options{"source": db.name, "target": target}
	options.Apply(doc)
	return db.conn.Replicate(ctx, doc)
}

// MaxRevisions returns the database's revision limit.
func (db *DB) MaxRevisions(ctx context.Context) (int, error) {
	res, err := db.conn.do(ctx, http.MethodGet, db.path("_revs_limit"), nil, modeJSON)
	if err != nil {
		return 0, err
	}
	var limit int
	if err := json.Unmarshal(res.Raw(), &limit); err != nil {
		return 0, protocolError(err)
	}
	return limit, nil
}

// SetMaxRevisions sets the database's revision limit.
func (db *DB) SetMaxRevisions(ctx context.Context, limit int) (*DocResult, error) {
	if limit <= 0 {
		return nil, &Error{Status: http.StatusBadRequest, Message: "sofa: revision limit must be positive, got " + strconv.Itoa(limit)}
	}
	return db.conn.doDoc(ctx, http.MethodPut, db.path("_revs_limit"), &chttp.Options{JSON: limit})
}

// Query performs an arbitrary request relative to the database. body, if
// not nil, is sent as JSON unless it is an io.Reader. In raw mode the
// response is returned as a *RawResult.
func (db *DB) Query(ctx context.Context, method, path string, params Options, body interface{}) (Result, error) {
	opts, err := requestOptions(params, body)
	if err != nil {
		return nil, err
	}
	sub := strings.TrimPrefix(path, "/")
	if sub == "" {
		return db.conn.do(ctx, method, db.path(), opts, modeRaw)
	}
	return db.conn.do(ctx, method, db.path(sub), opts, modeRaw)
}

// Close stops the cache feed, if any. The DB remains usable.
func (db *DB) Close() {
	db.mu.Lock()
	f, unsubscribe := db.feed, db.unsubscribe
	db.feed, db.unsubscribe = nil, nil
	db.mu.Unlock()
	if f == nil {
		return
	}
	unsubscribe()
	f.Stop()
	<-f.Done()
	db.conn.track(db, false)
}
