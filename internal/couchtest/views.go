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

package couchtest

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"gitlab.com/flimzy/httpe"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// MapFunc is a view map function. It calls emit for each row the document
// produces. Design documents and deleted documents are never mapped.
type MapFunc func(doc map[string]interface{}, emit func(key, value interface{}))

// ListFunc renders the rows of a view, returning the content type and body.
type ListFunc func(rows []Row) (contentType string, body []byte)

// UpdateFunc is an update handler. doc is nil when no document id was given
// or the document does not exist. It returns the document to save, or nil,
// and the response: a string is sent as text/plain, anything else as JSON.
type UpdateFunc func(doc map[string]interface{}, body []byte) (map[string]interface{}, interface{})

// Row is a view row.
type Row struct {
	ID    string                 `json:"id"`
	Key   interface{}            `json:"key"`
	Value interface{}            `json:"value"`
	Doc   map[string]interface{} `json:"doc,omitempty"`
}

func funcKey(db, ddoc, name string) string {
	return db + "/" + ddoc + "/" + name
}

// RegisterView registers fn as view ddoc/view of database db.
func (s *Server) RegisterView(db, ddoc, view string, fn MapFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[funcKey(db, ddoc, view)] = fn
}

// RegisterList registers fn as list function ddoc/list of database db.
func (s *Server) RegisterList(db, ddoc, list string, fn ListFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[funcKey(db, ddoc, list)] = fn
}

// RegisterUpdate registers fn as update handler ddoc/name of database db.
func (s *Server) RegisterUpdate(db, ddoc, name string, fn UpdateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[funcKey(db, ddoc, name)] = fn
}

var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und)
)

func compareString(a, b string) int {
	collatorMu.Lock()
	defer collatorMu.Unlock()
	return collator.CompareString(a, b)
}

func jsonRank(v interface{}) int {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 2
		}
		return 1
	case float64:
		return 3
	case string:
		return 4
	case []interface{}:
		return 5
	}
	return 6
}

// compareKeys orders two unmarshaled JSON values by CouchDB view
// collation. Objects are compared by their sorted members.
func compareKeys(a, b interface{}) int {
	ra, rb := jsonRank(a), jsonRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ta := a.(type) {
	case float64:
		tb := b.(float64)
		switch {
		case ta < tb:
			return -1
		case ta > tb:
			return 1
		}
		return 0
	case string:
		return compareString(ta, b.(string))
	case []interface{}:
		tb := b.([]interface{})
		for i := 0; i < len(ta) && i < len(tb); i++ {
			if c := compareKeys(ta[i], tb[i]); c != 0 {
				return c
			}
		}
		return len(ta) - len(tb)
	case map[string]interface{}:
		tb := b.(map[string]interface{})
		ka, kb := sortedKeys(ta), sortedKeys(tb)
		for i := 0; i < len(ka) && i < len(kb); i++ {
			if c := compareString(ka[i], kb[i]); c != 0 {
				return c
			}
			if c := compareKeys(ta[ka[i]], tb[kb[i]]); c != 0 {
				return c
			}
		}
		return len(ka) - len(kb)
	}
	return 0
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalize converts v to the types encoding/json unmarshals to.
func normalize(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

type viewQuery struct {
	keys        []interface{}
	startKey    interface{}
	endKey      interface{}
	hasKeys     bool
	hasStart    bool
	hasEnd      bool
	limit       int
	skip        int
	descending  bool
	includeDocs bool
}

func parseViewQuery(r *http.Request) (*viewQuery, error) {
	q := &viewQuery{limit: -1}
	values := r.URL.Query()
	jsonParam := func(names ...string) (interface{}, bool, error) {
		for _, name := range names {
			if v, ok := values[name]; ok {
				var out interface{}
				if err := json.Unmarshal([]byte(v[0]), &out); err != nil {
					return nil, false, badRequest("invalid JSON for " + name)
				}
				return out, true, nil
			}
		}
		return nil, false, nil
	}
	var err error
	var key interface{}
	var hasKey bool
	if key, hasKey, err = jsonParam("key"); err != nil {
		return nil, err
	}
	if hasKey {
		q.keys, q.hasKeys = []interface{}{key}, true
	}
	keys, hasKeys, err := jsonParam("keys")
	if err != nil {
		return nil, err
	}
	if hasKeys {
		list, ok := keys.([]interface{})
		if !ok {
			return nil, badRequest("keys must be an array")
		}
		q.keys, q.hasKeys = list, true
	}
	if q.startKey, q.hasStart, err = jsonParam("startkey", "start_key"); err != nil {
		return nil, err
	}
	if q.endKey, q.hasEnd, err = jsonParam("endkey", "end_key"); err != nil {
		return nil, err
	}
	for name, target := range map[string]*int{"limit": &q.limit, "skip": &q.skip} {
		if v := values.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, badRequest(name + " must be a non-negative integer")
			}
			*target = n
		}
	}
	q.descending = values.Get("descending") == "true"
	q.includeDocs = values.Get("include_docs") == "true"
	if r.Method == http.MethodPost {
		var body struct {
			Keys []interface{} `json:"keys"`
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, badRequest("invalid JSON body")
			}
			if body.Keys != nil {
				q.keys, q.hasKeys = body.Keys, true
			}
		}
	}
	return q, nil
}

// apply sorts, selects and pages rows. With keys, a key matching no row
// yields missing(key), unless missing is nil.
func (q *viewQuery) apply(rows []Row, missing func(key interface{}) interface{}) []interface{} {
	sort.SliceStable(rows, func(i, j int) bool {
		if c := compareKeys(rows[i].Key, rows[j].Key); c != 0 {
			return c < 0
		}
		return rows[i].ID < rows[j].ID
	})
	if q.descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	var out []interface{}
	if q.hasKeys {
		for _, key := range q.keys {
			var found bool
			for _, row := range rows {
				if compareKeys(row.Key, key) == 0 {
					out = append(out, row)
					found = true
				}
			}
			if !found && missing != nil {
				out = append(out, missing(key))
			}
		}
	} else {
		for _, row := range rows {
			if q.inRange(row.Key) {
				out = append(out, row)
			}
		}
	}
	if q.skip >= len(out) {
		return []interface{}{}
	}
	out = out[q.skip:]
	if q.limit >= 0 && q.limit < len(out) {
		out = out[:q.limit]
	}
	return out
}

func (q *viewQuery) inRange(key interface{}) bool {
	lower, upper := q.startKey, q.endKey
	hasLower, hasUpper := q.hasStart, q.hasEnd
	if q.descending {
		lower, upper = upper, lower
		hasLower, hasUpper = hasUpper, hasLower
	}
	if hasLower && compareKeys(key, lower) < 0 {
		return false
	}
	if hasUpper && compareKeys(key, upper) > 0 {
		return false
	}
	return true
}

func (s *Server) allDocs() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		q, err := parseViewQuery(r)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		rows := make([]Row, 0, len(db.docs))
		for id, rec := range db.docs {
			if rec.deleted || rec.localOnly {
				continue
			}
			row := Row{ID: id, Key: id, Value: map[string]interface{}{"rev": rec.rev}}
			if q.includeDocs {
				row.Doc = rec.doc()
			}
			rows = append(rows, row)
		}
		total := len(rows)
		out := q.apply(rows, func(key interface{}) interface{} {
			return map[string]interface{}{"key": key, "error": "not_found"}
		})
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"total_rows": total,
			"offset":     q.skip,
			"rows":       out,
		})
	})
}

var errNoView = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing_named_view"}

// mapView runs view ddoc/view over db. The caller holds s.mu.
func (s *Server) mapView(db *database, ddoc, view string, includeDocs bool) ([]Row, error) {
	fn, ok := s.views[funcKey(db.name, ddoc, view)]
	if !ok {
		return nil, errNoView
	}
	var rows []Row
	for id, rec := range db.docs {
		if rec.deleted || rec.localOnly || isDesign(id) {
			continue
		}
		doc := normalize(rec.doc()).(map[string]interface{})
		fn(doc, func(key, value interface{}) {
			row := Row{ID: id, Key: normalize(key), Value: normalize(value)}
			if includeDocs {
				row.Doc = rec.doc()
			}
			rows = append(rows, row)
		})
	}
	return rows, nil
}

func (s *Server) view() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		q, err := parseViewQuery(r)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		rows, err := s.mapView(db, param(r, "ddoc"), param(r, "view"), q.includeDocs)
		if err != nil {
			return err
		}
		total := len(rows)
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"total_rows": total,
			"offset":     q.skip,
			"rows":       q.apply(rows, nil),
		})
	})
}

func (s *Server) list() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		q, err := parseViewQuery(r)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		ddoc := param(r, "ddoc")
		fn, ok := s.lists[funcKey(db.name, ddoc, param(r, "list"))]
		if !ok {
			return &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing list function"}
		}
		rows, err := s.mapView(db, ddoc, param(r, "view"), q.includeDocs)
		if err != nil {
			return err
		}
		selected := q.apply(rows, nil)
		out := make([]Row, len(selected))
		for i, row := range selected {
			out[i] = row.(Row)
		}
		contentType, body := fn(out)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(body)
		return err
	})
}

func (s *Server) update() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return badRequest(err.Error())
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		fn, ok := s.updates[funcKey(db.name, param(r, "ddoc"), param(r, "func"))]
		if !ok {
			return &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing update function"}
		}
		id := docID(r)
		var current map[string]interface{}
		if id != "" {
			if rec, err := db.live(id); err == nil {
				current = normalize(rec.doc()).(map[string]interface{})
			}
		}
		doc, resp := fn(current, body)
		status := http.StatusOK
		if doc != nil {
			if id == "" {
				id, _ = doc["_id"].(string)
			}
			if id == "" {
				id = newID()
			}
			var rev string
			if rec, ok := db.docs[id]; ok {
				rev = rec.rev
			}
			doc["_rev"] = rev
			rec, err := db.save(id, doc, rev)
			if err != nil {
				return err
			}
			w.Header().Set("X-Couch-Id", id)
			w.Header().Set("X-Couch-Update-NewRev", rec.rev)
			status = http.StatusCreated
		}
		if text, ok := resp.(string); ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(status)
			_, err = io.WriteString(w, text)
			return err
		}
		return serveJSON(w, status, resp)
	})
}
