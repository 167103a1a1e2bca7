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
	"net/http"
	"strconv"
	"sync"

	"github.com/juju/clock"

	"github.com/go-kivik/sofa/cache"
	"github.com/go-kivik/sofa/chttp"
	"github.com/go-kivik/sofa/config"
	"github.com/go-kivik/sofa/log"
)

// Connection is a handle to a CouchDB server. It is safe for concurrent
// use. Databases obtained from one Connection share its HTTP client but
// each has its own document cache.
type Connection struct {
	cfg     config.Config
	client  *chttp.Client
	log     log.Logger
	clock   clock.Clock
	metrics *cache.Metrics

	closed bool
	mu     sync.Mutex
	wg     sync.WaitGroup
	dbs    map[*DB]struct{}
}

// New returns a Connection for cfg. cfg is copied; later changes to it have
// no effect.
func New(cfg config.Config, options ...Option) (*Connection, error) {
	cfg = cfg.Clone()
	u, err := cfg.URL()
	if err != nil {
		return nil, err
	}
	s := &settings{}
	for _, opt := range options {
		if opt != nil {
			opt.Apply(s)
		}
	}
	if s.logger == nil {
		s.logger = log.NewNil()
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	httpClient := s.httpClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg)
	}
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	opts := &chttp.ClientOptions{
		Header: header,
		Retry: chttp.RetryPolicy{
			Retries:   cfg.Retries,
			Delay:     cfg.RetryTimeout,
			RetryBody: cfg.RetryBody,
		},
		UserAgent: "sofa/" + Version,
		Logger:    s.logger,
	}
	if cfg.Auth != nil {
		opts.Username = cfg.Auth.Username
		opts.Password = cfg.Auth.Password
	}
	client, err := chttp.New(httpClient, u.String(), opts)
	if err != nil {
		return nil, err
	}
	return &Connection{
		cfg:     cfg,
		client:  client,
		log:     s.logger,
		clock:   s.clock,
		metrics: s.metrics,
		dbs:     make(map[*DB]struct{}),
	}, nil
}

func newHTTPClient(cfg config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxConns > 0 {
		transport.MaxIdleConnsPerHost = cfg.MaxConns
		transport.MaxConnsPerHost = cfg.MaxConns
	}
	return &http.Client{Transport: transport}
}

// Config returns a copy of the connection's configuration.
func (c *Connection) Config() config.Config {
	return c.cfg.Clone()
}

// Client returns the underlying HTTP client.
func (c *Connection) Client() *chttp.Client {
	return c.client
}

// DSN returns the server URL.
func (c *Connection) DSN() string {
	return c.client.DSN()
}

func (c *Connection) startQuery() (end func(), _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	var once sync.Once
	c.wg.Add(1)
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.wg.Done()
			c.mu.Unlock()
		})
	}, nil
}

// Info returns the server welcome document from GET /.
func (c *Connection) Info(ctx context.Context) (*DocResult, error) {
	return c.doDoc(ctx, http.MethodGet, "/", nil)
}

// Databases returns the names of all databases.
func (c *Connection) Databases(ctx context.Context) ([]string, error) {
	rows, err := c.doRows(ctx, http.MethodGet, "/_all_dbs", nil)
	if err != nil {
		return nil, err
	}
	return rows.Strings()
}

// ServerConfig returns the server configuration from GET /_config.
func (c *Connection) ServerConfig(ctx context.Context) (*DocResult, error) {
	return c.doDoc(ctx, http.MethodGet, "/_config", nil)
}

// Stats returns server statistics from GET /_stats.
func (c *Connection) Stats(ctx context.Context) (*DocResult, error) {
	return c.doDoc(ctx, http.MethodGet, "/_stats", nil)
}

// ActiveTasks returns the running tasks from GET /_active_tasks.
func (c *Connection) ActiveTasks(ctx context.Context) (*Rows, error) {
	return c.doRows(ctx, http.MethodGet, "/_active_tasks", nil)
}

// UUIDs fetches count server-generated ids. A count of zero lets the
// server choose (normally one).
func (c *Connection) UUIDs(ctx context.Context, count int) ([]string, error) {
	opts := &chttp.Options{}
	if count > 0 {
		opts.Query = map[string][]string{"count": {strconv.Itoa(count)}}
	}
	rows, err := c.doRows(ctx, http.MethodGet, "/_uuids", opts)
	if err != nil {
		return nil, err
	}
	return rows.Strings()
}

// Replicate starts a replication with POST /_replicate. options must name at
// least source and target.
func (c *Connection) Replicate(ctx context.Context, options Options) (*DocResult, error) {
	body := map[string]interface{}{}
	options.Apply(body)
	if body["source"] == nil {
		return nil, missingArg("source")
	}
	if body["target"] == nil {
		return nil, missingArg("target")
	}
	return c.doDoc(ctx, http.MethodPost, "/_replicate", &chttp.Options{JSON: body})
}

// Request performs an arbitrary request relative to the server root. body,
// if not nil, is sent as JSON unless it is an io.Reader. In raw mode the
// response is returned as a *RawResult.
func (c *Connection) Request(ctx context.Context, method, path string, params Options, body interface{}) (Result, error) {
	opts, err := requestOptions(params, body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, opts, modeRaw)
}

// DB returns a handle for the named database. No request is made; in
// follow cache mode, use OpenDB or ConfigureCacheFeed to start cache
// coherence.
func (c *Connection) DB(name string) *DB {
	return newDB(c, name)
}

// OpenDB returns a handle for the named database. In follow cache mode, if
// the database exists, its cache feed is started.
func (c *Connection) OpenDB(ctx context.Context, name string) (*DB, error) {
	db := newDB(c, name)
	if c.cfg.Cache != config.CacheFollow {
		return db, nil
	}
	exists, err := db.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		if err := db.ConfigureCacheFeed(ctx); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (c *Connection) track(db *DB, following bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if following {
		c.dbs[db] = struct{}{}
		return
	}
	delete(c.dbs, db)
}

// Close stops all cache feeds and releases idle connections. Close blocks
// until in-flight operations finish. After calling Close, any other
// operation returns ErrClientClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	dbs := make([]*DB, 0, len(c.dbs))
	for db := range c.dbs {
		dbs = append(dbs, db)
	}
	c.mu.Unlock()
	for _, db := range dbs {
		db.Close()
	}
	c.wg.Wait()
	c.client.CloseIdleConnections()
	return nil
}
