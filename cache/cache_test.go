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

package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gitlab.com/flimzy/testy"
	"go.uber.org/goleak"

	"github.com/go-kivik/sofa/log"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDisabled(t *testing.T) {
	c := New(Options{Size: 10})
	c.Save("foo", Document{"_id": "foo"})
	if c.Has("foo") {
		t.Error("disabled cache should not report entries")
	}
	if _, ok := c.Get("foo"); ok {
		t.Error("disabled cache should miss")
	}
	c.Update("foo", func(Document) { t.Error("update callback should not run") })
	if c.Refresh("foo", Document{}) {
		t.Error("disabled cache should not refresh")
	}
	if n := c.Len(); n != 0 {
		t.Errorf("Unexpected length: %d", n)
	}
}

func TestGetSave(t *testing.T) {
	type tt struct {
		saves map[string]Document
		id    string
		want  Document
		found bool
	}
	tests := testy.NewTable()
	tests.Add("miss", tt{
		id: "foo",
	})
	tests.Add("hit", tt{
		saves: map[string]Document{"foo": {"_id": "foo", "_rev": "1-xxx"}},
		id:    "foo",
		want:  Document{"_id": "foo", "_rev": "1-xxx"},
		found: true,
	})
	tests.Add("other id", tt{
		saves: map[string]Document{"bar": {"_id": "bar"}},
		id:    "foo",
	})
	tests.Run(t, func(t *testing.T, tt tt) {
		c := New(Options{Enabled: true, Size: 10})
		for id, doc := range tt.saves {
			c.Save(id, doc)
		}
		got, found := c.Get(tt.id)
		if found != tt.found {
			t.Errorf("Unexpected found: %t", found)
		}
		if c.Has(tt.id) != tt.found {
			t.Errorf("Has disagrees with Get")
		}
		if d := cmp.Diff(tt.want, got); d != "" {
			t.Error(d)
		}
	})
}

func TestCopies(t *testing.T) {
	c := New(Options{Enabled: true, Size: 10})
	doc := Document{
		"_id":  "foo",
		"tags": []interface{}{"a", "b"},
		"sub":  map[string]interface{}{"x": 1.0},
	}
	c.Save("foo", doc)
	doc["tags"].([]interface{})[0] = "changed"
	doc["sub"].(map[string]interface{})["x"] = 2.0
	doc["new"] = true

	got, _ := c.Get("foo")
	want := Document{
		"_id":  "foo",
		"tags": []interface{}{"a", "b"},
		"sub":  map[string]interface{}{"x": 1.0},
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("caller modification leaked into cache:\n%s", d)
	}
	got["_id"] = "bar"
	got["sub"].(map[string]interface{})["x"] = 3.0
	again, _ := c.Get("foo")
	if d := cmp.Diff(want, again); d != "" {
		t.Errorf("modification of returned copy leaked into cache:\n%s", d)
	}
}

func TestRev(t *testing.T) {
	c := New(Options{Enabled: true})
	c.Save("foo", Document{"_id": "foo", "_rev": "3-abc"})
	c.Save("norev", Document{"_id": "norev"})
	if rev, ok := c.Rev("foo"); !ok || rev != "3-abc" {
		t.Errorf("Unexpected rev: %q/%t", rev, ok)
	}
	if _, ok := c.Rev("norev"); ok {
		t.Error("document without _rev should report no revision")
	}
	if _, ok := c.Rev("missing"); ok {
		t.Error("missing document should report no revision")
	}
}

func TestUpdate(t *testing.T) {
	c := New(Options{Enabled: true})
	c.Save("foo", Document{"_id": "foo", "_rev": "1-a"})
	c.Update("foo", func(doc Document) {
		doc["_rev"] = "2-b"
		doc["_attachments"] = map[string]interface{}{
			"a.txt": map[string]interface{}{"content_type": "text/plain", "stub": true},
		}
	})
	got, _ := c.Get("foo")
	want := Document{
		"_id":  "foo",
		"_rev": "2-b",
		"_attachments": map[string]interface{}{
			"a.txt": map[string]interface{}{"content_type": "text/plain", "stub": true},
		},
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Error(d)
	}
	c.Update("missing", func(Document) { t.Error("update callback should not run on miss") })
	if c.Has("missing") {
		t.Error("update should not create entries")
	}
}

func TestRefresh(t *testing.T) {
	c := New(Options{Enabled: true})
	if c.Refresh("foo", Document{"_id": "foo"}) {
		t.Error("refresh should not insert")
	}
	c.Save("foo", Document{"_id": "foo", "_rev": "1-a"})
	if !c.Refresh("foo", Document{"_id": "foo", "_rev": "2-b"}) {
		t.Error("refresh should replace existing entry")
	}
	if rev, _ := c.Rev("foo"); rev != "2-b" {
		t.Errorf("Unexpected rev after refresh: %s", rev)
	}
}

func TestPurge(t *testing.T) {
	c := New(Options{Enabled: true})
	c.Save("foo", Document{"_id": "foo"})
	c.Save("bar", Document{"_id": "bar"})
	c.Purge("foo")
	if c.Has("foo") || !c.Has("bar") {
		t.Errorf("Purge removed the wrong entries")
	}
	c.PurgeAll()
	if n := c.Len(); n != 0 {
		t.Errorf("Unexpected length after PurgeAll: %d", n)
	}
}

func TestPrune(t *testing.T) {
	type tt struct {
		size    int
		inserts int
		hot     []string
		wantLen int
		evicted []string
	}
	tests := testy.NewTable()
	tests.Add("under capacity", tt{
		size:    8,
		inserts: 8,
		wantLen: 8,
	})
	tests.Add("one over, batch of one", tt{
		size:    8,
		inserts: 9,
		wantLen: 8,
		evicted: []string{"0"},
	})
	tests.Add("recently read entries survive", tt{
		size:    8,
		inserts: 9,
		hot:     []string{"0"},
		wantLen: 8,
		evicted: []string{"1"},
	})
	tests.Add("batch is an eighth of the size, rounded up", tt{
		size:    20,
		inserts: 21,
		wantLen: 18,
		evicted: []string{"0", "1", "2"},
	})
	tests.Add("tiny cache", tt{
		size:    1,
		inserts: 2,
		wantLen: 1,
		evicted: []string{"0"},
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		defer goleak.VerifyNone(t)
		clk := testclock.NewClock(epoch)
		c := New(Options{Enabled: true, Size: tt.size, Clock: clk, Logger: log.NewTest()})
		for i := 0; i < tt.inserts; i++ {
			if i == tt.inserts-1 {
				for _, id := range tt.hot {
					c.Get(id)
				}
			}
			id := strconv.Itoa(i)
			c.Save(id, Document{"_id": id})
			clk.Advance(time.Second)
		}
		c.Wait()
		if n := c.Len(); n != tt.wantLen {
			t.Errorf("Unexpected length: %d, want %d", n, tt.wantLen)
		}
		for _, id := range tt.evicted {
			if c.Has(id) {
				t.Errorf("Expected %s to be evicted", id)
			}
		}
		for _, id := range tt.hot {
			if !c.Has(id) {
				t.Errorf("Expected hot entry %s to survive", id)
			}
		}
	})
}

func TestPruneFrozenClock(t *testing.T) {
	// All entries share one access time; insertion order decides.
	c := New(Options{Enabled: true, Size: 8, Clock: testclock.NewClock(epoch)})
	for i := 0; i < 9; i++ {
		c.Save(strconv.Itoa(i), Document{})
	}
	c.Wait()
	if c.Has("0") || !c.Has("8") {
		t.Errorf("Unexpected eviction: %v", c.Entries())
	}
}

func TestConcurrentSaves(t *testing.T) {
	defer goleak.VerifyNone(t)
	const size = 64
	c := New(Options{Enabled: true, Size: size})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := strconv.Itoa(w*1000 + i)
				c.Save(id, Document{"_id": id})
				c.Get(id)
			}
		}(w)
	}
	wg.Wait()
	c.Wait()
	if n := c.Len(); n > size {
		t.Errorf("cache exceeds capacity after pruning: %d", n)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	c := New(Options{Enabled: true, Size: 8, Name: "pigs", Metrics: m})
	for i := 0; i < 9; i++ {
		c.Save(strconv.Itoa(i), Document{})
	}
	c.Wait()
	c.Get("8")
	c.Get("8")
	c.Get("nope")

	if got := testutil.ToFloat64(m.hits.WithLabelValues("pigs")); got != 2 {
		t.Errorf("Unexpected hits: %v", got)
	}
	if got := testutil.ToFloat64(m.misses.WithLabelValues("pigs")); got != 1 {
		t.Errorf("Unexpected misses: %v", got)
	}
	if got := testutil.ToFloat64(m.evictions.WithLabelValues("pigs")); got != 1 {
		t.Errorf("Unexpected evictions: %v", got)
	}
	if got := testutil.ToFloat64(m.entries.WithLabelValues("pigs")); got != 8 {
		t.Errorf("Unexpected entries: %v", got)
	}
	if n := testutil.CollectAndCount(m); n != 4 {
		t.Errorf("Unexpected number of series: %d", n)
	}
}
