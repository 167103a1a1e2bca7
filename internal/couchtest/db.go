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
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gitlab.com/flimzy/httpe"
)

const defaultRevsLimit = 1000

type attachment struct {
	contentType string
	data        []byte
}

type record struct {
	id        string
	gen       int
	rev       string
	deleted   bool
	seq       int
	body      map[string]interface{}
	atts      map[string]*attachment
	localOnly bool
}

// doc renders the record as CouchDB returns it.
func (rec *record) doc() map[string]interface{} {
	doc := make(map[string]interface{}, len(rec.body)+3)
	for k, v := range rec.body {
		doc[k] = v
	}
	doc["_id"] = rec.id
	doc["_rev"] = rec.rev
	if rec.deleted {
		doc["_deleted"] = true
	}
	if len(rec.atts) > 0 {
		stubs := make(map[string]interface{}, len(rec.atts))
		for name, att := range rec.atts {
			stubs[name] = map[string]interface{}{
				"content_type": att.contentType,
				"length":       len(att.data),
				"digest":       fmt.Sprintf("md5-%x", md5.Sum(att.data)),
				"stub":         true,
			}
		}
		doc["_attachments"] = stubs
	}
	return doc
}

type database struct {
	name      string
	docs      map[string]*record
	seq       int
	revsLimit int
	notify    chan struct{}
}

func newDatabase(name string) *database {
	return &database{
		name:      name,
		docs:      make(map[string]*record),
		revsLimit: defaultRevsLimit,
		notify:    make(chan struct{}),
	}
}

// live returns the non-deleted document id.
func (d *database) live(id string) (*record, error) {
	rec, ok := d.docs[id]
	switch {
	case !ok:
		return nil, errMissing
	case rec.deleted:
		return nil, errDeleted
	}
	return rec, nil
}

// checkRev verifies that rev may replace the current revision of id.
func (d *database) checkRev(id, rev string) (*record, error) {
	rec, ok := d.docs[id]
	if !ok || rec.deleted {
		if rev != "" && (!ok || rev != rec.rev) {
			return nil, errConflict
		}
		return rec, nil
	}
	if rev != rec.rev {
		return nil, errConflict
	}
	return rec, nil
}

// commit stores a new revision of id and wakes any change feeds.
func (d *database) commit(id string, prev *record, body map[string]interface{}, deleted bool, atts map[string]*attachment) *record {
	gen := 1
	if prev != nil {
		gen = prev.gen + 1
	}
	raw, _ := json.Marshal(body)
	var prevRev string
	if prev != nil {
		prevRev = prev.rev
	}
	d.seq++
	rec := &record{
		id:      id,
		gen:     gen,
		rev:     fmt.Sprintf("%d-%x", gen, md5.Sum(append([]byte(prevRev), raw...))),
		deleted: deleted,
		seq:     d.seq,
		body:    body,
		atts:    atts,
	}
	if strings.HasPrefix(id, "_local/") {
		rec.rev = fmt.Sprintf("0-%d", gen)
		rec.localOnly = true
	}
	d.docs[id] = rec
	close(d.notify)
	d.notify = make(chan struct{})
	return rec
}

// save applies a document write, as PUT /{db}/{docid} does.
func (d *database) save(id string, doc map[string]interface{}, rev string) (*record, error) {
	if rev == "" {
		rev, _ = doc["_rev"].(string)
	}
	prev, err := d.checkRev(id, rev)
	if err != nil {
		return nil, err
	}
	body := make(map[string]interface{}, len(doc))
	var deleted bool
	for k, v := range doc {
		switch k {
		case "_id", "_rev", "_attachments":
		case "_deleted":
			deleted, _ = v.(bool)
		default:
			body[k] = v
		}
	}
	var atts map[string]*attachment
	if prev != nil && !prev.deleted && !deleted {
		atts = prev.atts
	}
	return d.commit(id, prev, body, deleted, atts), nil
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Server) lookup(r *http.Request) (*database, error) {
	db, ok := s.dbs[param(r, "db")]
	if !ok {
		return nil, errNoDB
	}
	return db, nil
}

// CreateDB creates a database, if it does not already exist.
func (s *Server) CreateDB(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; !ok {
		s.dbs[name] = newDatabase(name)
	}
}

// Put stores doc in database db, which must exist, replacing any current
// revision, and returns the new revision.
func (s *Server) Put(db string, doc map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return "", errNoDB
	}
	id, _ := doc["_id"].(string)
	if id == "" {
		id = newID()
	}
	var rev string
	if rec, ok := d.docs[id]; ok {
		rev = rec.rev
	}
	rec, err := d.save(id, doc, rev)
	if err != nil {
		return "", err
	}
	return rec.rev, nil
}

// Doc returns the current revision of a document, as GET would.
func (s *Server) Doc(db, id string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return nil, false
	}
	rec, err := d.live(id)
	if err != nil {
		return nil, false
	}
	return rec.doc(), true
}

func (s *Server) allDBs() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, _ *http.Request) error {
		s.mu.Lock()
		names := make([]string, 0, len(s.dbs))
		for name := range s.dbs {
			names = append(names, name)
		}
		s.mu.Unlock()
		sort.Strings(names)
		return serveJSON(w, http.StatusOK, names)
	})
}

func (s *Server) dbInfo() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		var count, deleted int
		for _, rec := range db.docs {
			switch {
			case rec.localOnly:
			case rec.deleted:
				deleted++
			default:
				count++
			}
		}
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"db_name":         db.name,
			"doc_count":       count,
			"doc_del_count":   deleted,
			"update_seq":      db.seq,
			"compact_running": false,
		})
	})
}

func (s *Server) createDB() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		name := param(r, "db")
		if _, ok := s.dbs[name]; ok {
			return errDBExists
		}
		s.dbs[name] = newDatabase(name)
		return serveJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	})
}

func (s *Server) deleteDB() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		delete(s.dbs, db.name)
		close(db.notify)
		db.notify = make(chan struct{})
		return serveJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}

func (s *Server) revsLimit() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		return serveJSON(w, http.StatusOK, db.revsLimit)
	})
}

func (s *Server) setRevsLimit() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var limit int
		if err := decodeBody(r, &limit); err != nil {
			return err
		}
		if limit <= 0 {
			return badRequest("revs_limit must be a positive integer")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		db.revsLimit = limit
		return serveJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}

// maintenance serves _compact and _view_cleanup, which do nothing here
// beyond checking the request is declared as JSON.
func (s *Server) maintenance() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			return errContentType
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.lookup(r); err != nil {
			return err
		}
		return serveJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	})
}

func (s *Server) replicate() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var body map[string]interface{}
		if err := decodeBody(r, &body); err != nil {
			return err
		}
		if body["source"] == nil || body["target"] == nil {
			return badRequest("source and target are required")
		}
		s.mu.Lock()
		s.replications = append(s.replications, body)
		s.mu.Unlock()
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"ok":         true,
			"session_id": newID(),
		})
	})
}

func (s *Server) uuids() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		count := 1
		if v := r.URL.Query().Get("count"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &count); err != nil || count < 1 {
				return badRequest("count must be a positive integer")
			}
		}
		ids := make([]string, count)
		for i := range ids {
			ids[i] = newID()
		}
		return serveJSON(w, http.StatusOK, map[string][]string{"uuids": ids})
	})
}
