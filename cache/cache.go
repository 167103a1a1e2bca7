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

// Package cache provides the per-database document cache used by sofa.
//
// The cache holds deep copies of documents keyed by id. When an insert
// pushes the number of entries past the configured size, a prune is scheduled
// on its own goroutine which evicts the least recently accessed entries in a
// single batch of ⌈size/8⌉. Cache operations never fail; a miss is reported
// through the boolean return values.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/go-kivik/sofa/log"
)

// Document is a decoded JSON object.
type Document = map[string]interface{}

// Entry is a cached document along with the time it was last read or
// written.
type Entry struct {
	Doc        Document
	LastAccess time.Time

	// tick breaks LastAccess ties, so that eviction order is deterministic
	// even with a coarse or frozen clock.
	tick uint64
}

// Options configures a Cache.
type Options struct {
	// Enabled turns caching on. A disabled cache reports every lookup as a
	// miss and ignores writes.
	Enabled bool

	// Size is the maximum number of entries retained after pruning. Zero or
	// less means unbounded.
	Size int

	// Name identifies the cache in metrics, usually the database name.
	Name string

	// Clock provides access times. Defaults to the wall clock.
	Clock clock.Clock

	// Metrics, if set, receives hit/miss/eviction counts.
	Metrics *Metrics

	// Logger receives prune notices.
	Logger log.Logger
}

// Cache is a bounded, concurrency-safe document cache.
type Cache struct {
	enabled bool
	size    int
	name    string
	clock   clock.Clock
	metrics *Metrics
	log     log.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	tick    uint64
	pending bool
	wg      sync.WaitGroup
}

// New returns a new cache.
func New(opts Options) *Cache {
	c := &Cache{
		enabled: opts.Enabled,
		size:    opts.Size,
		name:    opts.Name,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     opts.Logger,
		entries: make(map[string]*Entry),
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.log == nil {
		c.log = log.NewNil()
	}
	return c
}

// Enabled reports whether the cache stores anything at all.
func (c *Cache) Enabled() bool {
	return c.enabled
}

// Size returns the configured capacity.
func (c *Cache) Size() int {
	return c.size
}

// Has reports whether id is cached. It does not count as an access.
func (c *Cache) Has(id string) bool {
	if !c.enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Get returns a copy of the cached document, marking it as recently used.
func (c *Cache) Get(id string) (Document, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		c.metrics.miss(c.name)
		return nil, false
	}
	c.touch(e)
	c.metrics.hit(c.name)
	return Copy(e.Doc), true
}

// Rev returns the cached revision of id, if any, without counting as an
// access.
func (c *Cache) Rev(id string) (string, bool) {
	if !c.enabled {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	rev, _ := e.Doc["_rev"].(string)
	return rev, rev != ""
}

// Save stores a copy of doc under id.
func (c *Cache) Save(id string, doc Document) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(id, doc)
}

// Refresh replaces the entry for id only if one is already present, and
// reports whether it did.
func (c *Cache) Refresh(id string, doc Document) bool {
	if !c.enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return false
	}
	c.store(id, doc)
	return true
}

func (c *Cache) store(id string, doc Document) {
	e, ok := c.entries[id]
	if !ok {
		e = &Entry{}
		c.entries[id] = e
	}
	e.Doc = Copy(doc)
	c.touch(e)
	c.metrics.setEntries(c.name, len(c.entries))
	if !ok && c.size > 0 && len(c.entries) > c.size {
		c.schedulePrune()
	}
}

// Update calls fn with the stored document for id, allowing it to be
// modified in place. It is a no-op when id is not cached.
func (c *Cache) Update(id string, fn func(Document)) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	fn(e.Doc)
	c.touch(e)
}

// Purge removes id from the cache.
func (c *Cache) Purge(id string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.metrics.setEntries(c.name, len(c.entries))
}

// PurgeAll empties the cache.
func (c *Cache) PurgeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.metrics.setEntries(c.name, 0)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns a snapshot of the cached entries.
func (c *Cache) Entries() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for id, e := range c.entries {
		out[id] = Entry{Doc: Copy(e.Doc), LastAccess: e.LastAccess, tick: e.tick}
	}
	return out
}

// Wait blocks until any scheduled prune has completed.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) touch(e *Entry) {
	c.tick++
	e.tick = c.tick
	e.LastAccess = c.clock.Now()
}

// schedulePrune must be called with c.mu held.
func (c *Cache) schedulePrune() {
	if c.pending {
		return
	}
	c.pending = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.prune()
	}()
}

func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
	if c.size <= 0 || len(c.entries) <= c.size {
		return
	}
	batch := (c.size + 7) / 8
	if over := len(c.entries) - c.size; over > batch {
		batch = over
	}
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := c.entries[ids[i]], c.entries[ids[j]]
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return a.tick < b.tick
	})
	for _, id := range ids[:batch] {
		delete(c.entries, id)
	}
	c.metrics.evicted(c.name, batch)
	c.metrics.setEntries(c.name, len(c.entries))
	c.log.Debugf("cache %s: pruned %d entries, %d remain", c.name, batch, len(c.entries))
}
