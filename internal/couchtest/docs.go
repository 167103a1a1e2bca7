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
	"io"
	"net/http"
	"strconv"
	"strings"

	"gitlab.com/flimzy/httpe"
)

func setETag(w http.ResponseWriter, rev string) {
	w.Header().Set("ETag", `"`+rev+`"`)
}

func (s *Server) getDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		id := docID(r)
		rec, ok := db.docs[id]
		rev := r.URL.Query().Get("rev")
		switch {
		case !ok:
			return errMissing
		case rev != "" && rev != rec.rev:
			return errMissing
		case rev == "" && rec.deleted:
			return errDeleted
		}
		setETag(w, rec.rev)
		return serveJSON(w, http.StatusOK, rec.doc())
	})
}

func writeResult(w http.ResponseWriter, status int, rec *record) error {
	setETag(w, rec.rev)
	return serveJSON(w, status, map[string]interface{}{
		"ok":  true,
		"id":  rec.id,
		"rev": rec.rev,
	})
}

func (s *Server) putDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var doc map[string]interface{}
		if err := decodeBody(r, &doc); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		rec, err := db.save(docID(r), doc, r.URL.Query().Get("rev"))
		if err != nil {
			return err
		}
		return writeResult(w, http.StatusCreated, rec)
	})
}

func (s *Server) postDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var doc map[string]interface{}
		if err := decodeBody(r, &doc); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		id, _ := doc["_id"].(string)
		if id == "" {
			id = newID()
		}
		rec, err := db.save(id, doc, "")
		if err != nil {
			return err
		}
		return writeResult(w, http.StatusCreated, rec)
	})
}

func (s *Server) deleteDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		id := docID(r)
		if _, err := db.live(id); err != nil {
			return err
		}
		prev, err := db.checkRev(id, r.URL.Query().Get("rev"))
		if err != nil {
			return err
		}
		rec := db.commit(id, prev, map[string]interface{}{}, true, nil)
		return writeResult(w, http.StatusOK, rec)
	})
}

type bulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) bulkDocs() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var body struct {
			Docs []map[string]interface{} `json:"docs"`
		}
		if err := decodeBody(r, &body); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		results := make([]bulkResult, len(body.Docs))
		for i, doc := range body.Docs {
			id, _ := doc["_id"].(string)
			if id == "" {
				id = newID()
			}
			rec, err := db.save(id, doc, "")
			if err != nil {
				ce, _ := err.(*couchError)
				results[i] = bulkResult{ID: id, Error: ce.Err, Reason: ce.Reason}
				continue
			}
			results[i] = bulkResult{ID: id, Rev: rec.rev, OK: true}
		}
		return serveJSON(w, http.StatusCreated, results)
	})
}

var errNoAttachment = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "Document is missing attachment"}

func (s *Server) getAttachment() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		rec, err := db.live(docID(r))
		if err != nil {
			return err
		}
		att, ok := rec.atts[param(r, "attname")]
		if !ok {
			return errNoAttachment
		}
		setETag(w, rec.rev)
		w.Header().Set("Content-Type", att.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(att.data)))
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(att.data)
		return err
	})
}

func (s *Server) putAttachment() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return badRequest(err.Error())
		}
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		id := docID(r)
		prev, err := db.checkRev(id, r.URL.Query().Get("rev"))
		if err != nil {
			return err
		}
		body := map[string]interface{}{}
		atts := map[string]*attachment{}
		if prev != nil && !prev.deleted {
			for k, v := range prev.body {
				body[k] = v
			}
			for k, v := range prev.atts {
				atts[k] = v
			}
		}
		atts[param(r, "attname")] = &attachment{contentType: contentType, data: data}
		rec := db.commit(id, prev, body, false, atts)
		return writeResult(w, http.StatusCreated, rec)
	})
}

func (s *Server) deleteAttachment() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		db, err := s.lookup(r)
		if err != nil {
			return err
		}
		id := docID(r)
		prev, err := db.live(id)
		if err != nil {
			return err
		}
		if rev := r.URL.Query().Get("rev"); rev != prev.rev {
			return errConflict
		}
		name := param(r, "attname")
		if _, ok := prev.atts[name]; !ok {
			return errNoAttachment
		}
		atts := make(map[string]*attachment, len(prev.atts))
		for k, v := range prev.atts {
			if k != name {
				atts[k] = v
			}
		}
		rec := db.commit(id, prev, prev.body, false, atts)
		return writeResult(w, http.StatusOK, rec)
	})
}

func isDesign(id string) bool {
	return strings.HasPrefix(id, "_design/")
}
