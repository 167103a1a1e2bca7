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
	"testing"

	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/sofa/config"
	"github.com/go-kivik/sofa/internal/couchtest"
	"github.com/go-kivik/sofa/log"
)

func TestGetReadThrough(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	if _, err := s.Put("db", map[string]interface{}{"_id": "foo", "a": 1}); err != nil {
		t.Fatal(err)
	}
	db := newServerConn(t, s, nil).DB("db")
	ctx := context.Background()

	first, err := db.Get(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if first.Meta() == nil || first.Meta().Status != http.StatusOK {
		t.Errorf("Expected server metadata on a miss")
	}
	second, err := db.Get(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if second.Meta() != nil {
		t.Errorf("Expected no metadata on a cache hit")
	}
	if got := s.Count(http.MethodGet, "/db/foo"); got != 1 {
		t.Errorf("Expected 1 GET, got %d", got)
	}
	if d := testy.DiffAsJSON(first, second); d != nil {
		t.Error(d)
	}

	second.fields["a"] = "mutated"
	third, _ := db.Get(ctx, "foo")
	if v, _ := third.Get("a"); v != 1.0 {
		t.Errorf("Cache entry was mutated through a result: %v", v)
	}
}

func TestGetNotFound(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	db := newServerConn(t, s, nil).DB("db")
	_, err := db.Get(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("Expected not found, got %v", err)
	}
	if code, reason, ok := Reason(err); !ok || code != "not_found" || reason != "missing" {
		t.Errorf("Unexpected reason: %s %s %t", code, reason, ok)
	}
	if db.Cache().Has("missing") {
		t.Error("A failed read was cached")
	}
}

func TestGetCacheOff(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	_, _ = s.Put("db", map[string]interface{}{"_id": "foo"})
	db := newServerConn(t, s, func(cfg *config.Config) { cfg.Cache = config.CacheOff }).DB("db")
	for i := 0; i < 2; i++ {
		if _, err := db.Get(context.Background(), "foo"); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Count(http.MethodGet, "/db/foo"); got != 2 {
		t.Errorf("Expected 2 GETs with the cache off, got %d", got)
	}
}

func TestSaveWriteThrough(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	db := newServerConn(t, s, nil).DB("db")
	ctx := context.Background()

	res := mustSave(t, db, map[string]interface{}{"_id": "foo", "a": 1})
	if !res.OK() || !strings.HasPrefix(res.Rev(), "1-") {
		t.Fatalf("Unexpected result: %s", res)
	}
	cached, ok := db.Cache().Get("foo")
	if !ok {
		t.Fatal("Saved document not cached")
	}
	want := map[string]interface{}{"_id": "foo", "_rev": res.Rev(), "a": 1.0}
	if d := testy.DiffInterface(want, map[string]interface{}(cached)); d != nil {
		t.Error(d)
	}

	// The cached revision is used for the next save.
	res, err := db.SaveID(ctx, "foo", map[string]interface{}{"a": 2})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Rev(), "2-") {
		t.Errorf("Unexpected revision: %s", res.Rev())
	}
	if _, err := db.Get(ctx, "foo"); err != nil {
		t.Fatal(err)
	}
	if got := s.Count(http.MethodGet, "/db/foo"); got != 0 {
		t.Errorf("Expected no GET after write-through, got %d", got)
	}
}

func TestSaveServerAssignedID(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	db := newServerConn(t, s, nil).DB("db")
	res := mustSave(t, db, map[string]interface{}{"a": 1})
	if res.ID() == "" {
		t.Fatal("Expected a server-assigned id")
	}
	if s.Count(http.MethodPost, "/db") != 1 {
		t.Errorf("Expected a POST, got %v", s.Requests())
	}
	if rev, ok := db.Cache().Rev(res.ID()); !ok || rev != res.Rev() {
		t.Errorf("Unexpected cached revision: %s", rev)
	}
}

func TestSaveDesignDocument(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	db := newServerConn(t, s, nil).DB("db")
	ctx := context.Background()
	views := map[string]interface{}{
		"all": map[string]interface{}{"map": "function(doc) { emit(doc._id, null); }"},
	}
	if _, err := db.SaveID(ctx, "_design/app", views); err != nil {
		t.Fatal(err)
	}
	doc, _ := s.Doc("db", "_design/app")
	if doc["language"] != "javascript" {
		t.Errorf("Expected a wrapped design document, got %v", doc)
	}
	if d := testy.DiffAsJSON(views, doc["views"]); d != nil {
		t.Error(d)
	}

	full := map[string]interface{}{"views": views, "options": map[string]interface{}{}}
	if _, err := db.SaveID(ctx, "_design/full", full); err != nil {
		t.Fatal(err)
	}
	doc, _ = s.Doc("db", "_design/full")
	if _, ok := doc["language"]; ok {
		t.Errorf("A design document with views was wrapped: %v", doc)
	}
}

func TestSaveConflictRecovery(t *testing.T) {
	type tt struct {
		forceSave bool
		rev       bool
		heads     int
		puts      int
		status    int
		err       string
	}

	tests := testy.NewTable()
	tests.Add("stale cached revision", tt{
		forceSave: true,
		heads:     1,
		puts:      2,
	})
	tests.Add("force save disabled", tt{
		puts:   1,
		status: http.StatusConflict,
		err:    "Conflict: conflict: Document update conflict.",
	})
	tests.Add("explicit stale revision", tt{
		forceSave: true,
		rev:       true,
		puts:      1,
		status:    http.StatusConflict,
		err:       "Conflict: conflict: Document update conflict.",
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		s := couchtest.New()
		s.CreateDB("db")
		logger := log.NewTest()
		db := newServerConn(t, s, func(cfg *config.Config) { cfg.ForceSave = tt.forceSave }, WithLogger(logger)).DB("db")
		ctx := context.Background()

		stale := mustSave(t, db, map[string]interface{}{"_id": "foo", "v": 1}).Rev()
		if _, err := s.Put("db", map[string]interface{}{"_id": "foo", "v": "elsewhere"}); err != nil {
			t.Fatal(err)
		}
		var rev string
		if tt.rev {
			rev = stale
		}
		res, err := db.SaveRev(ctx, "foo", rev, map[string]interface{}{"v": 2})
		if !testy.ErrorMatches(tt.err, err) {
			t.Errorf("Unexpected error: %s", err)
		}
		if status := testy.StatusCode(err); status != tt.status {
			t.Errorf("Unexpected status: %d", status)
		}
		if got := s.Count(http.MethodHead, "/db/foo"); got != tt.heads {
			t.Errorf("Expected %d HEAD requests, got %d", tt.heads, got)
		}
		if got := s.Count(http.MethodPut, "/db/foo"); got != tt.puts+1 {
			t.Errorf("Expected %d PUT requests, got %d", tt.puts, got-1)
		}
		if err != nil {
			if rev, _ := db.Cache().Rev("foo"); rev != stale {
				t.Errorf("Cache changed by a failed save: %s", rev)
			}
			return
		}
		if !strings.HasPrefix(res.Rev(), "3-") {
			t.Errorf("Unexpected revision: %s", res.Rev())
		}
		doc, _ := s.Doc("db", "foo")
		if doc["v"] != 2.0 {
			t.Errorf("Recovered save lost: %v", doc)
		}
		if !logger.Contains("conflict saving db/foo") {
			t.Errorf("Recovery not logged: %v", logger.Logs())
		}
	})
}

func TestSaveConflictRecoveryMissing(t *testing.T) {
	var heads int
	conn := newMockConn(t, config.Default(), func(req *http.Request) (*http.Response, error) {
		switch req.Method {
		case http.MethodPut:
			return jsonResponse(http.StatusConflict, `{"error":"conflict","reason":"Document update conflict."}`), nil
		case http.MethodHead:
			heads++
			return &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: http.NoBody}, nil
		}
		t.Fatalf("Unexpected request: %s %s", req.Method, req.URL)
		return nil, nil
	})
	_, err := conn.DB("db").SaveID(context.Background(), "foo", map[string]interface{}{})
	if !IsNotFound(err) {
		t.Fatalf("Expected not found, got %v", err)
	}
	if code, reason, _ := Reason(err); code != "not_found" || reason != "missing" {
		t.Errorf("Unexpected reason: %s %s", code, reason)
	}
	if heads != 1 {
		t.Errorf("Expected 1 HEAD, got %d", heads)
	}
}

func TestSaveRevisionPrecedence(t *testing.T) {
	type tt struct {
		rev    string
		doc    map[string]interface{}
		cached string
		want   string
	}

	tests := testy.NewTable()
	tests.Add("explicit", tt{
		rev:    "3-explicit",
		doc:    map[string]interface{}{"_rev": "2-doc"},
		cached: "1-cached",
		want:   "3-explicit",
	})
	tests.Add("document", tt{
		doc:    map[string]interface{}{"_rev": "2-doc"},
		cached: "1-cached",
		want:   "2-doc",
	})
	tests.Add("cached", tt{
		doc:    map[string]interface{}{},
		cached: "1-cached",
		want:   "1-cached",
	})
	tests.Add("none", tt{
		doc: map[string]interface{}{},
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		var sent interface{}
		conn := newMockConn(t, config.Default(), func(req *http.Request) (*http.Response, error) {
			sent = requestBody(t, req)["_rev"]
			return jsonResponse(http.StatusCreated, `{"ok":true,"id":"foo","rev":"9-new"}`), nil
		})
		db := conn.DB("db")
		if tt.cached != "" {
			db.Cache().Save("foo", map[string]interface{}{"_id": "foo", "_rev": tt.cached})
		}
		if _, err := db.SaveRev(context.Background(), "foo", tt.rev, tt.doc); err != nil {
			t.Fatal(err)
		}
		var got string
		if sent != nil {
			got = sent.(string)
		}
		if got != tt.want {
			t.Errorf("Expected revision %q, sent %q", tt.want, got)
		}
		if rev, _ := db.Cache().Rev("foo"); rev != "9-new" {
			t.Errorf("Unexpected cached revision: %s", rev)
		}
	})
}

func TestUsageErrors(t *testing.T) {
	conn := newMockConn(t, config.Default(), func(req *http.Request) (*http.Response, error) {
		t.Fatalf("Unexpected request: %s %s", req.Method, req.URL)
		return nil, nil
	})
	db := conn.DB("db")
	ctx := context.Background()

	type tt struct {
		fn  func() error
		err string
	}
	tests := testy.NewTable()
	tests.Add("get without id", tt{
		fn:  func() error { _, err := db.Get(ctx, ""); return err },
		err: "sofa: id required",
	})
	tests.Add("save nil", tt{
		fn:  func() error { _, err := db.Save(ctx, nil); return err },
		err: "sofa: document required",
	})
	tests.Add("save unmarshalable", tt{
		fn:  func() error { _, err := db.SaveID(ctx, "foo", map[string]interface{}{"c": make(chan int)}); return err },
		err: "json: unsupported type: chan int",
	})
	tests.Add("save non-object", tt{
		fn:  func() error { _, err := db.SaveID(ctx, "foo", []int{1}); return err },
		err: "sofa: document must be a JSON object: json: cannot unmarshal array into Go value of type sofa.Document",
	})
	tests.Add("remove rev without rev", tt{
		fn:  func() error { _, err := db.RemoveRev(ctx, "foo", ""); return err },
		err: "sofa: rev required",
	})
	tests.Add("invalid view", tt{
		fn:  func() error { _, err := db.View(ctx, "noview", nil); return err },
		err: `sofa: invalid design function reference "noview"`,
	})
	tests.Add("attachment without name", tt{
		fn: func() error {
			_, err := db.SaveAttachment(ctx, "foo", "", NewAttachment("", "text/plain", strings.NewReader("x")))
			return err
		},
		err: "sofa: filename required",
	})
	tests.Add("negative revs limit", tt{
		fn:  func() error { _, err := db.SetMaxRevisions(ctx, 0); return err },
		err: "sofa: revision limit must be positive, got 0",
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		err := tt.fn()
		if !testy.ErrorMatches(tt.err, err) {
			t.Errorf("Unexpected error: %s", err)
		}
		if status := testy.StatusCode(err); status != http.StatusBadRequest {
			t.Errorf("Unexpected status: %d", status)
		}
	})
}

func TestSaveBulk(t *testing.T) {
	type tt struct {
		bulkCache bool
		cached    []string
	}

	tests := testy.NewTable()
	tests.Add("no write-through", tt{})
	tests.Add("write-through", tt{
		bulkCache: true,
		cached:    []string{"a", "c"},
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		s := couchtest.New()
		s.CreateDB("db")
		_, _ = s.Put("db", map[string]interface{}{"_id": "b"})
		db := newServerConn(t, s, func(cfg *config.Config) { cfg.BulkCache = tt.bulkCache }).DB("db")
		rows, err := db.SaveBulk(context.Background(), []interface{}{
			map[string]interface{}{"_id": "a"},
			map[string]interface{}{"_id": "b"},
			map[string]interface{}{"_id": "c", "n": 1},
		})
		if err != nil {
			t.Fatal(err)
		}
		if rows.Kind() != KindArray || rows.Len() != 3 {
			t.Fatalf("Unexpected result: %s", rows)
		}
		if !strings.Contains(string(rows.Rows()[1].Value), `"error":"conflict"`) {
			t.Errorf("Expected a conflict for b: %s", rows.Rows()[1].Value)
		}
		var cached []string
		for _, id := range []string{"a", "b", "c"} {
			if db.Cache().Has(id) {
				cached = append(cached, id)
			}
		}
		if d := testy.DiffInterface(tt.cached, cached); d != nil {
			t.Error(d)
		}
	})
}

func TestRemove(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	_, _ = s.Put("db", map[string]interface{}{"_id": "uncached"})
	db := newServerConn(t, s, nil).DB("db")
	ctx := context.Background()

	mustSave(t, db, map[string]interface{}{"_id": "cached"})
	if _, err := db.Remove(ctx, "cached"); err != nil {
		t.Fatal(err)
	}
	if db.Cache().Has("cached") {
		t.Error("Removed document still cached")
	}
	if got := s.Count(http.MethodGet, "/db/cached"); got != 0 {
		t.Errorf("Expected the cached revision to be used, got %d GETs", got)
	}

	if _, err := db.Remove(ctx, "uncached"); err != nil {
		t.Fatal(err)
	}
	if got := s.Count(http.MethodGet, "/db/uncached"); got != 1 {
		t.Errorf("Expected the revision to be fetched, got %d GETs", got)
	}
	if _, ok := s.Doc("db", "uncached"); ok {
		t.Error("Document not deleted")
	}

	if _, err := db.Remove(ctx, "nothing"); !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	_, _ = s.Put("db", map[string]interface{}{"_id": "foo", "a": 1, "b": 1})
	db := newServerConn(t, s, nil).DB("db")

	res, err := db.Merge(context.Background(), "foo", map[string]interface{}{"b": 2, "c": 3, "_rev": "1-bogus"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Rev(), "2-") {
		t.Errorf("Unexpected revision: %s", res.Rev())
	}
	doc, _ := s.Doc("db", "foo")
	delete(doc, "_rev")
	want := map[string]interface{}{"_id": "foo", "a": 1.0, "b": 2.0, "c": 3.0}
	if d := testy.DiffInterface(want, doc); d != nil {
		t.Error(d)
	}
}

func TestGetMany(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	_, _ = s.Put("db", map[string]interface{}{"_id": "a", "n": 1})
	_, _ = s.Put("db", map[string]interface{}{"_id": "b", "n": 2})
	db := newServerConn(t, s, nil).DB("db")
	rows, err := db.GetMany(context.Background(), []string{"b", "missing", "a"})
	if err != nil {
		t.Fatal(err)
	}
	docs, err := rows.Documents()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 || docs[0].ID() != "b" || docs[1] != nil || docs[2].ID() != "a" {
		t.Errorf("Unexpected documents: %v", docs)
	}
	if db.Cache().Len() != 0 {
		t.Error("GetMany populated the cache")
	}
}

func TestHead(t *testing.T) {
	s := couchtest.New()
	s.CreateDB("db")
	rev, _ := s.Put("db", map[string]interface{}{"_id": "foo"})
	db := newServerConn(t, s, nil).DB("db")
	meta, err := db.Head(context.Background(), "foo")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != http.StatusOK || meta.Rev() != rev {
		t.Errorf("Unexpected metadata: %d %s", meta.Status, meta.Rev())
	}
}

func TestDocumentLookup(t *testing.T) {
	doc := Document{"_id": "foo", "a": map[string]interface{}{"b": []interface{}{1, 2}}}
	v, err := doc.Lookup("a", "b", 1)
	if err != nil || v != 2 {
		t.Errorf("Unexpected lookup: %v %v", v, err)
	}
	if doc.ID() != "foo" || doc.Rev() != "" {
		t.Errorf("Unexpected id/rev: %s %s", doc.ID(), doc.Rev())
	}
}
