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
	"errors"
	"net/http"
	"regexp"

	"github.com/icza/dyno"

	"github.com/go-kivik/sofa/cache"
	"github.com/go-kivik/sofa/chttp"
	internal "github.com/go-kivik/sofa/internal/errors"
)

// Document is a CouchDB document.
type Document map[string]interface{}

// ID returns the document's _id.
func (d Document) ID() string {
	return aliased(d, "_id")
}

// Rev returns the document's _rev.
func (d Document) Rev() string {
	return aliased(d, "_rev")
}

// Lookup returns the value found at path, which may mix object keys and
// array indexes.
func (d Document) Lookup(path ...interface{}) (interface{}, error) {
	return dyno.Get(map[string]interface{}(d), path...)
}

// toDocument converts doc to a Document made only of JSON types, by way of
// a JSON round trip. The result never aliases doc.
func toDocument(doc interface{}) (Document, error) {
	if doc == nil {
		return nil, missingArg("document")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Message: "sofa: document must be a JSON object", Err: err}
	}
	return out, nil
}

var designDocRE = regexp.MustCompile(`^_design/[\w%-]+$`)

func (db *DB) docPath(id string) string {
	return db.path(chttp.EncodeDocID(id))
}

// Get returns the document with the given id. A cached copy is returned
// without contacting the server; otherwise the document is fetched and
// cached. Concurrent fetches of the same id share one request, made with
// the first caller's context.
func (db *DB) Get(ctx context.Context, id string) (*DocResult, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	if doc, ok := db.cache.Get(id); ok {
		return newDocResult(doc, nil), nil
	}
	v, err, _ := db.gets.Do(id, func() (interface{}, error) {
		res, err := db.conn.doDoc(ctx, http.MethodGet, db.docPath(id), nil)
		if err != nil {
			return nil, err
		}
		db.cache.Save(id, res.fields)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DocResult).clone(), nil
}

// GetRev fetches a specific revision of a document. The cache is bypassed.
func (db *DB) GetRev(ctx context.Context, id, rev string) (*DocResult, error) {
	if rev == "" {
		return nil, missingArg("rev")
	}
	return db.GetOpts(ctx, id, Options{"rev": rev})
}

// GetOpts fetches a document with arbitrary query parameters, such as
// revs_info or conflicts. The cache is bypassed.
func (db *DB) GetOpts(ctx context.Context, id string, params Options) (*DocResult, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	query, err := params.params()
	if err != nil {
		return nil, err
	}
	return db.conn.doDoc(ctx, http.MethodGet, db.docPath(id), &chttp.Options{Query: query})
}

// GetMany fetches several documents in one request. The cache is neither
// consulted nor updated.
func (db *DB) GetMany(ctx context.Context, ids []string) (*Rows, error) {
	return db.conn.doRows(ctx, http.MethodPost, db.path("_all_docs"), &chttp.Options{
		Query: map[string][]string{"include_docs": {"true"}},
		JSON:  map[string]interface{}{"keys": ids},
	})
}

// Head returns the metadata of a document. Meta.Rev reports its current
// revision.
func (db *DB) Head(ctx context.Context, id string) (*Meta, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	res, err := db.conn.doDoc(ctx, http.MethodHead, db.docPath(id), nil)
	if err != nil {
		return nil, err
	}
	return res.Meta(), nil
}

// Save saves doc. The id is taken from the document's _id; without one the
// server assigns an id. See SaveRev for how the revision is found.
func (db *DB) Save(ctx context.Context, doc interface{}) (*DocResult, error) {
	return db.save(ctx, "", "", doc)
}

// SaveID saves doc under id.
func (db *DB) SaveID(ctx context.Context, id string, doc interface{}) (*DocResult, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	return db.save(ctx, id, "", doc)
}

// SaveRev saves doc under id, replacing revision rev.
//
// When rev is empty, the document's own _rev is used, then the revision of
// the cached copy. With none of those, the document is created. If that
// fails with a conflict, and the connection's ForceSave option is set, the
// current revision is fetched with a HEAD request and the save is retried
// once. The same recovery applies when a cached revision turns out to be
// stale. A revision passed in or carried by the document is never
// overridden.
//
// A design document id whose body has no views field is saved as
// {"language":"javascript","views":doc}.
//
// On success the saved document is written through to the cache.
func (db *DB) SaveRev(ctx context.Context, id, rev string, doc interface{}) (*DocResult, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	return db.save(ctx, id, rev, doc)
}

type revSource int

const (
	revNone revSource = iota
	revExplicit
	revCached
)

func (db *DB) save(ctx context.Context, id, rev string, doc interface{}) (*DocResult, error) {
	body, err := toDocument(doc)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = body.ID()
	}
	if id == "" {
		return db.post(ctx, body)
	}
	if designDocRE.MatchString(id) {
		if _, ok := body["views"]; !ok {
			body = wrapViews(body)
		}
	}
	source := revNone
	switch {
	case rev != "":
		source = revExplicit
	case body.Rev() != "":
		rev, source = body.Rev(), revExplicit
	default:
		if cached, ok := db.cache.Rev(id); ok {
			rev, source = cached, revCached
		}
	}
	if rev != "" {
		body["_rev"] = rev
	}
	res, err := db.put(ctx, id, body)
	if err == nil || !IsConflict(err) || source == revExplicit || !db.conn.cfg.ForceSave {
		return res, err
	}
	return db.recoverConflict(ctx, id, body)
}

func wrapViews(doc Document) Document {
	wrapped := Document{"language": "javascript"}
	for _, field := range []string{"_id", "_rev"} {
		if v, ok := doc[field]; ok {
			wrapped[field] = v
			delete(doc, field)
		}
	}
	wrapped["views"] = map[string]interface{}(doc)
	return wrapped
}

// recoverConflict fetches the current revision of id and retries the save
// once.
func (db *DB) recoverConflict(ctx context.Context, id string, body Document) (*DocResult, error) {
	db.conn.log.Infof("sofa: conflict saving %s/%s; retrying with current revision", db.name, id)
	meta, err := db.Head(ctx, id)
	if err != nil {
		var httpErr *chttp.HTTPError
		if IsNotFound(err) && errors.As(err, &httpErr) {
			return nil, chttp.NewHTTPError(httpErr.Response, "not_found", "missing")
		}
		return nil, err
	}
	rev := meta.Rev()
	if rev == "" {
		return nil, chttp.NewHTTPError(&http.Response{StatusCode: http.StatusNotFound, Header: meta.Header}, "not_found", "missing")
	}
	body["_rev"] = rev
	return db.put(ctx, id, body)
}

func (db *DB) put(ctx context.Context, id string, doc Document) (*DocResult, error) {
	res, err := db.conn.doDoc(ctx, http.MethodPut, db.docPath(id), &chttp.Options{JSON: doc})
	if err != nil {
		return nil, err
	}
	db.writeThrough(id, doc, res.Rev())
	return res, nil
}

func (db *DB) post(ctx context.Context, doc Document) (*DocResult, error) {
	res, err := db.conn.doDoc(ctx, http.MethodPost, db.path(), &chttp.Options{JSON: doc})
	if err != nil {
		return nil, err
	}
	db.writeThrough(res.ID(), doc, res.Rev())
	return res, nil
}

func (db *DB) writeThrough(id string, doc Document, rev string) {
	if id == "" {
		return
	}
	saved := cache.Copy(doc)
	saved["_id"] = id
	if rev != "" {
		saved["_rev"] = rev
	}
	db.cache.Save(id, saved)
}

// SaveBulk saves several documents with POST /{db}/_bulk_docs and returns
// the per-document results unmodified. With the connection's BulkCache
// option, each successfully saved document is written through to the
// cache.
func (db *DB) SaveBulk(ctx context.Context, docs []interface{}) (*Rows, error) {
	list := make([]Document, len(docs))
	for i, doc := range docs {
		d, err := toDocument(doc)
		if err != nil {
			return nil, err
		}
		list[i] = d
	}
	body := map[string]interface{}{"docs": list}
	if db.conn.cfg.AllOrNothing {
		body["all_or_nothing"] = true
	}
	rows, err := db.conn.doRows(ctx, http.MethodPost, db.path("_bulk_docs"), &chttp.Options{JSON: body})
	if err != nil {
		return nil, err
	}
	if db.conn.cfg.BulkCache {
		for i, row := range rows.rows {
			if i >= len(list) {
				break
			}
			var result struct {
				ID    string `json:"id"`
				Rev   string `json:"rev"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal(row.Value, &result); err != nil || result.Error != "" {
				continue
			}
			db.writeThrough(result.ID, list[i], result.Rev)
		}
	}
	return rows, nil
}

// Remove deletes the document with the given id. The revision is taken from
// the cache, or fetched if the document is not cached. On success the cache
// entry is purged.
func (db *DB) Remove(ctx context.Context, id string) (*DocResult, error) {
	return db.remove(ctx, id, "")
}

// RemoveRev deletes revision rev of the document.
func (db *DB) RemoveRev(ctx context.Context, id, rev string) (*DocResult, error) {
	if rev == "" {
		return nil, missingArg("rev")
	}
	return db.remove(ctx, id, rev)
}

func (db *DB) remove(ctx context.Context, id, rev string) (*DocResult, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	rev, err := db.resolveRev(ctx, id, rev)
	if err != nil {
		return nil, err
	}
	res, err := db.conn.doDoc(ctx, http.MethodDelete, db.docPath(id), &chttp.Options{
		Query: map[string][]string{"rev": {rev}},
	})
	if err != nil {
		return nil, err
	}
	db.cache.Purge(id)
	return res, nil
}

// resolveRev returns rev if set, else the cached revision of id, else the
// revision of the freshly fetched document.
func (db *DB) resolveRev(ctx context.Context, id, rev string) (string, error) {
	if rev != "" {
		return rev, nil
	}
	if cached, ok := db.cache.Rev(id); ok {
		return cached, nil
	}
	doc, err := db.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rev = doc.Rev(); rev == "" {
		return "", internal.Usagef("sofa: no revision found for %s", id)
	}
	return rev, nil
}

// Merge fetches the document, overlays fields on it and saves the result
// against the fetched revision.
func (db *DB) Merge(ctx context.Context, id string, fields map[string]interface{}) (*DocResult, error) {
	if id == "" {
		id, _ = fields["_id"].(string)
	}
	if id == "" {
		return nil, missingArg("id")
	}
	current, err := db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := current.Fields()
	for k, v := range fields {
		merged[k] = v
	}
	return db.SaveRev(ctx, id, current.Rev(), merged)
}
