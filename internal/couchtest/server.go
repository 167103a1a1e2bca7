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

// Package couchtest provides an in-memory CouchDB server for tests. It
// implements the subset of the CouchDB API the client uses: databases,
// documents with revisions and conflicts, attachments, bulk saves,
// _all_docs, views and update handlers backed by Go functions, normal and
// continuous change feeds, and a handful of server endpoints.
package couchtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"gitlab.com/flimzy/httpe"

	internal "github.com/go-kivik/sofa/internal/errors"
)

// Version is reported by GET /.
const Version = "3.3.3"

// Server is an in-memory CouchDB server. It is safe for concurrent use.
type Server struct {
	mux *chi.Mux

	mu           sync.Mutex
	dbs          map[string]*database
	views        map[string]MapFunc
	lists        map[string]ListFunc
	updates      map[string]UpdateFunc
	replications []map[string]interface{}
	requests     []string
}

// New returns an empty server.
func New() *Server {
	s := &Server{
		mux:     chi.NewMux(),
		dbs:     make(map[string]*database),
		views:   make(map[string]MapFunc),
		lists:   make(map[string]ListFunc),
		updates: make(map[string]UpdateFunc),
	}
	s.routes(s.mux)
	return s
}

func (s *Server) routes(mux *chi.Mux) {
	mux.Use(
		s.record,
		GetHead,
		httpe.ToMiddleware(s.handleErrors),
	)
	mux.Get("/", httpe.ToHandler(s.root()).ServeHTTP)
	mux.Get("/_all_dbs", httpe.ToHandler(s.allDBs()).ServeHTTP)
	mux.Get("/_uuids", httpe.ToHandler(s.uuids()).ServeHTTP)
	mux.Get("/_active_tasks", httpe.ToHandler(s.static([]interface{}{})).ServeHTTP)
	mux.Get("/_stats", httpe.ToHandler(s.static(map[string]interface{}{"couchdb": map[string]interface{}{}})).ServeHTTP)
	mux.Get("/_config", httpe.ToHandler(s.static(map[string]interface{}{"couchdb": map[string]interface{}{"max_document_size": "8000000"}})).ServeHTTP)
	mux.Post("/_replicate", httpe.ToHandler(s.replicate()).ServeHTTP)

	// Databases
	mux.Get("/{db}", httpe.ToHandler(s.dbInfo()).ServeHTTP)
	mux.Put("/{db}", httpe.ToHandler(s.createDB()).ServeHTTP)
	mux.Delete("/{db}", httpe.ToHandler(s.deleteDB()).ServeHTTP)
	mux.Post("/{db}", httpe.ToHandler(s.postDoc()).ServeHTTP)
	mux.Get("/{db}/_all_docs", httpe.ToHandler(s.allDocs()).ServeHTTP)
	mux.Post("/{db}/_all_docs", httpe.ToHandler(s.allDocs()).ServeHTTP)
	mux.Post("/{db}/_bulk_docs", httpe.ToHandler(s.bulkDocs()).ServeHTTP)
	mux.Get("/{db}/_changes", httpe.ToHandler(s.changes()).ServeHTTP)
	mux.Post("/{db}/_compact", httpe.ToHandler(s.maintenance()).ServeHTTP)
	mux.Post("/{db}/_compact/{ddoc}", httpe.ToHandler(s.maintenance()).ServeHTTP)
	mux.Post("/{db}/_view_cleanup", httpe.ToHandler(s.maintenance()).ServeHTTP)
	mux.Post("/{db}/_temp_view", httpe.ToHandler(s.notImplemented()).ServeHTTP)
	mux.Get("/{db}/_revs_limit", httpe.ToHandler(s.revsLimit()).ServeHTTP)
	mux.Put("/{db}/_revs_limit", httpe.ToHandler(s.setRevsLimit()).ServeHTTP)

	// Documents
	for _, prefix := range []string{"/{db}/{docid}", "/{db}/{prefix:(_design|_local)}/{docid}"} {
		mux.Get(prefix, httpe.ToHandler(s.getDoc()).ServeHTTP)
		mux.Put(prefix, httpe.ToHandler(s.putDoc()).ServeHTTP)
		mux.Delete(prefix, httpe.ToHandler(s.deleteDoc()).ServeHTTP)
		mux.Get(prefix+"/{attname}", httpe.ToHandler(s.getAttachment()).ServeHTTP)
		mux.Put(prefix+"/{attname}", httpe.ToHandler(s.putAttachment()).ServeHTTP)
		mux.Delete(prefix+"/{attname}", httpe.ToHandler(s.deleteAttachment()).ServeHTTP)
	}

	// Design functions
	mux.Get("/{db}/_design/{ddoc}/_view/{view}", httpe.ToHandler(s.view()).ServeHTTP)
	mux.Post("/{db}/_design/{ddoc}/_view/{view}", httpe.ToHandler(s.view()).ServeHTTP)
	mux.Get("/{db}/_design/{ddoc}/_list/{list}/{view}", httpe.ToHandler(s.list()).ServeHTTP)
	mux.Post("/{db}/_design/{ddoc}/_update/{func}", httpe.ToHandler(s.update()).ServeHTTP)
	mux.Put("/{db}/_design/{ddoc}/_update/{func}/{docid}", httpe.ToHandler(s.update()).ServeHTTP)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// record logs each request as "METHOD /escaped/path".
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.EscapedPath())
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Requests returns the requests served so far, as "METHOD /path".
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Count returns how many served requests match method and path.
func (s *Server) Count(method, path string) int {
	var n int
	for _, req := range s.Requests() {
		if req == method+" "+path {
			n++
		}
	}
	return n
}

// Replications returns the bodies of the replications requested so far.
func (s *Server) Replications() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.replications...)
}

type couchError struct {
	status int
	Err    string `json:"error"`
	Reason string `json:"reason"`
}

func (e *couchError) Error() string {
	return e.Reason
}

func (e *couchError) HTTPStatus() int {
	return e.status
}

var (
	errNotImplemented = &couchError{status: http.StatusNotImplemented, Err: "not_implemented", Reason: "Feature not implemented"}
	errNoDB           = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "Database does not exist."}
	errMissing        = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing"}
	errDeleted        = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "deleted"}
	errConflict       = &couchError{status: http.StatusConflict, Err: "conflict", Reason: "Document update conflict."}
	errDBExists       = &couchError{status: http.StatusPreconditionFailed, Err: "file_exists", Reason: "The database could not be created, the file already exists."}
	errContentType    = &couchError{status: http.StatusUnsupportedMediaType, Err: "bad_content_type", Reason: "Content-Type must be application/json"}
)

func badRequest(reason string) error {
	return &couchError{status: http.StatusBadRequest, Err: "bad_request", Reason: reason}
}

func (s *Server) handleErrors(next httpe.HandlerWithError) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		if err := next.ServeHTTPWithError(w, r); err != nil {
			status := internal.HTTPStatus(err)
			ce := &couchError{}
			if !errors.As(err, &ce) {
				ce.Err = strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
				ce.Reason = err.Error()
			}
			return serveJSON(w, status, ce)
		}
		return nil
	})
}

func serveJSON(w http.ResponseWriter, status int, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = io.Copy(w, bytes.NewReader(body))
	return err
}

// param returns the unescaped URL parameter.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

// docID returns the document id of the request, restoring any _design/ or
// _local/ prefix.
func docID(r *http.Request) string {
	if prefix := chi.URLParam(r, "prefix"); prefix != "" {
		return prefix + "/" + param(r, "docid")
	}
	return param(r, "docid")
}

func decodeBody(r *http.Request, i interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(i); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) static(payload interface{}) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, _ *http.Request) error {
		return serveJSON(w, http.StatusOK, payload)
	})
}

func (s *Server) notImplemented() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(http.ResponseWriter, *http.Request) error {
		return errNotImplemented
	})
}

func (s *Server) root() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, _ *http.Request) error {
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"couchdb": "Welcome",
			"vendor": map[string]string{
				"name": "couchtest",
			},
			"version": Version,
		})
	})
}

// Start serves s on a local port until the test ends.
func (s *Server) Start(t testing.TB) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts
}
