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
	"strings"

	"github.com/go-kivik/sofa/chttp"
	internal "github.com/go-kivik/sofa/internal/errors"
)

// splitDesign splits a "ddoc/name[/...]" reference into n segments.
func splitDesign(ref string, n int) ([]string, error) {
	parts := strings.SplitN(strings.TrimPrefix(ref, prefixDesign), "/", n)
	if len(parts) < n {
		return nil, internal.Usagef("sofa: invalid design function reference %q", ref)
	}
	for _, part := range parts {
		if part == "" {
			return nil, internal.Usagef("sofa: invalid design function reference %q", ref)
		}
	}
	return parts, nil
}

// keysQuery builds the options for a query which may carry a keys
// parameter. keys are sent in a POST body; everything else is sent in the
// query string.
func keysQuery(params Options) (method string, opts *chttp.Options, err error) {
	method = http.MethodGet
	var keys interface{}
	if k, ok := params["keys"]; ok {
		params = params.clone()
		delete(params, "keys")
		keys = k
	}
	query, err := params.params()
	if err != nil {
		return "", nil, err
	}
	opts = &chttp.Options{Query: query}
	if keys != nil {
		method = http.MethodPost
		opts.JSON = map[string]interface{}{"keys": keys}
	}
	return method, opts, nil
}

// View queries a view, referenced as "ddoc/view". When params contains
// keys, the request becomes a POST with the keys in the body.
func (db *DB) View(ctx context.Context, view string, params Options) (*Rows, error) {
	parts, err := splitDesign(view, 2)
	if err != nil {
		return nil, err
	}
	method, opts, err := keysQuery(params)
	if err != nil {
		return nil, err
	}
	path := db.path("_design", chttp.EncodePath(parts[0]), "_view", chttp.EncodePath(parts[1]))
	return db.conn.doRows(ctx, method, path, opts)
}

// AllDocs queries _all_docs. As with View, keys are sent in a POST body.
func (db *DB) AllDocs(ctx context.Context, params Options) (*Rows, error) {
	method, opts, err := keysQuery(params)
	if err != nil {
		return nil, err
	}
	return db.conn.doRows(ctx, method, db.path("_all_docs"), opts)
}

// TemporaryView runs an ad-hoc view. doc holds the map and, optionally,
// reduce functions.
func (db *DB) TemporaryView(ctx context.Context, doc interface{}, params Options) (*Rows, error) {
	if doc == nil {
		return nil, missingArg("view document")
	}
	query, err := params.params()
	if err != nil {
		return nil, err
	}
	return db.conn.doRows(ctx, http.MethodPost, db.path("_temp_view"), &chttp.Options{
		Query: query,
		JSON:  doc,
	})
}

// List runs a list function over a view, referenced as "ddoc/list/view".
// The view may live in another design document: "ddoc/list/other/view".
// JSON output is normalized; any other output is returned as a *RawResult.
func (db *DB) List(ctx context.Context, list string, params Options) (Result, error) {
	parts, err := splitDesign(list, 3)
	if err != nil {
		return nil, err
	}
	query, err := params.params()
	if err != nil {
		return nil, err
	}
	view := strings.Split(parts[2], "/")
	if len(view) > 2 {
		return nil, internal.Usagef("sofa: invalid design function reference %q", list)
	}
	path := db.path("_design", chttp.EncodePath(parts[0]), "_list", chttp.EncodePath(parts[1]), chttp.EncodePath(view...))
	return db.conn.do(ctx, http.MethodGet, path, &chttp.Options{
		Accept: "*/*",
		Query:  query,
	}, modeAny)
}

// Update calls an update handler, referenced as "ddoc/fn". With an id the
// request is PUT /{db}/_design/{ddoc}/_update/{fn}/{id} and any cached copy
// of that document is purged; without one it is a POST. body is sent as
// JSON unless it is an io.Reader.
func (db *DB) Update(ctx context.Context, fn, id string, params Options, body interface{}) (Result, error) {
	parts, err := splitDesign(fn, 2)
	if err != nil {
		return nil, err
	}
	opts, err := requestOptions(params, body)
	if err != nil {
		return nil, err
	}
	opts.Accept = "*/*"
	path := db.path("_design", chttp.EncodePath(parts[0]), "_update", chttp.EncodePath(parts[1]))
	method := http.MethodPost
	if id != "" {
		method = http.MethodPut
		path += "/" + chttp.EncodeDocID(id)
	}
	res, err := db.conn.do(ctx, method, path, opts, modeAny)
	if err != nil {
		return nil, err
	}
	if id != "" {
		db.cache.Purge(id)
	}
	return res, nil
}

// ViewCleanup removes index files no longer used by any design document.
func (db *DB) ViewCleanup(ctx context.Context) (*DocResult, error) {
	return db.conn.doDoc(ctx, http.MethodPost, db.path("_view_cleanup"), jsonPost())
}

// Compact compacts the database or, when design is not empty, the views of
// that design document.
func (db *DB) Compact(ctx context.Context, design string) (*DocResult, error) {
	path := db.path("_compact")
	if design = strings.TrimPrefix(design, prefixDesign); design != "" {
		path = db.path("_compact", chttp.EncodePath(design))
	}
	return db.conn.doDoc(ctx, http.MethodPost, path, jsonPost())
}

// jsonPost returns options for a bodiless POST, which CouchDB still
// requires to be declared as JSON.
func jsonPost() *chttp.Options {
	return &chttp.Options{
		Header: http.Header{"Content-Type": {typeJSON}},
	}
}
