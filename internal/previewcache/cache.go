// Package previewcache memoizes segmentation results so repeated preview
// requests for the same document do not re-parse it.
package previewcache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/narravox/narravox-core/internal/book"
	"github.com/narravox/narravox-core/internal/config"
	"github.com/narravox/narravox-core/internal/segmenter"
)

type entry struct {
	result     segmenter.Result
	insertedAt time.Time
}

type call struct {
	done chan struct{}
	res  segmenter.Result
	err  error
}

// Cache is a bounded fingerprint -> segmentation cache. Eviction is strictly
// insertion-ordered: expired entries go first, then the oldest insertion
// until the entry count fits the configured bound. Concurrent misses for the
// same fingerprint share a single computation.
type Cache struct {
	maxEntries int
	maxAge     time.Duration
	log        *slog.Logger

	mu       sync.Mutex
	entries  map[book.Fingerprint]*entry
	order    []book.Fingerprint
	inflight map[book.Fingerprint]*call

	clock func() time.Time
}

func New(cfg config.PreviewCacheConfig, log *slog.Logger) *Cache {
	return &Cache{
		maxEntries: cfg.MaxEntries,
		maxAge:     time.Duration(cfg.MaxAgeMS) * time.Millisecond,
		log:        log.With(slog.String("component", "preview-cache")),
		entries:    make(map[book.Fingerprint]*entry),
		inflight:   make(map[book.Fingerprint]*call),
		clock:      time.Now,
	}
}

// GetOrCompute returns the cached segmentation for fp, computing it with fn
// on a miss. The returned bool reports a cache hit. If two goroutines miss on
// the same fingerprint, only one invokes fn; the other blocks on its result.
// Failed computations are not cached.
func (c *Cache) GetOrCompute(fp book.Fingerprint, fn func() (segmenter.Result, error)) (segmenter.Result, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[fp]; ok {
		if c.clock().Sub(e.insertedAt) <= c.maxAge {
			res := e.result
			c.mu.Unlock()
			return res, true, nil
		}
		c.remove(fp)
	}
	if cl, ok := c.inflight[fp]; ok {
		c.mu.Unlock()
		<-cl.done
		return cl.res, false, cl.err
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[fp] = cl
	c.mu.Unlock()

	cl.res, cl.err = fn()

	c.mu.Lock()
	delete(c.inflight, fp)
	if cl.err == nil {
		c.insert(fp, cl.res)
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.res, false, cl.err
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PurgeExpired drops entries past their max age and reports how many went.
// Insertion eviction already runs on every insert; this catches entries
// that age out while the cache sits idle.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	removed := 0
	kept := c.order[:0]
	for _, key := range c.order {
		e := c.entries[key]
		if e == nil {
			continue
		}
		if now.Sub(e.insertedAt) > c.maxAge {
			delete(c.entries, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	return removed
}

// insert stores the entry and runs synchronous eviction. Caller holds c.mu.
func (c *Cache) insert(fp book.Fingerprint, res segmenter.Result) {
	if _, ok := c.entries[fp]; ok {
		c.remove(fp)
	}
	c.entries[fp] = &entry{result: res, insertedAt: c.clock()}
	c.order = append(c.order, fp)

	now := c.clock()
	kept := c.order[:0]
	for _, key := range c.order {
		e := c.entries[key]
		if e == nil {
			continue
		}
		if now.Sub(e.insertedAt) > c.maxAge {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept

	for len(c.entries) > c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// remove drops one key. Caller holds c.mu.
func (c *Cache) remove(fp book.Fingerprint) {
	delete(c.entries, fp)
	for i, key := range c.order {
		if key == fp {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
