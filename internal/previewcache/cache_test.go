package previewcache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/narravox/narravox-core/internal/book"
	"github.com/narravox/narravox-core/internal/config"
	"github.com/narravox/narravox-core/internal/segmenter"
)

func newCache(t *testing.T, maxEntries int, maxAgeMS int) *Cache {
	t.Helper()
	cfg := config.PreviewCacheConfig{MaxEntries: maxEntries, MaxAgeMS: maxAgeMS}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func resultFor(title string) segmenter.Result {
	return segmenter.Result{
		Chapters: []book.Chapter{{Index: 0, Title: title, Confidence: 1}},
	}
}

func TestMissThenHit(t *testing.T) {
	c := newCache(t, 4, 60000)
	fp := book.ComputeFingerprint("some text", "en")

	calls := 0
	res, hit, err := c.GetOrCompute(fp, func() (segmenter.Result, error) {
		calls++
		return resultFor("one"), nil
	})
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if hit {
		t.Fatal("first lookup reported a hit")
	}
	if res.Chapters[0].Title != "one" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, hit, err = c.GetOrCompute(fp, func() (segmenter.Result, error) {
		calls++
		return resultFor("two"), nil
	})
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if !hit {
		t.Fatal("second lookup missed")
	}
	if res.Chapters[0].Title != "one" {
		t.Fatal("hit returned recomputed result")
	}
	if calls != 1 {
		t.Fatalf("compute ran %d times, want 1", calls)
	}
}

func TestErrorNotCached(t *testing.T) {
	c := newCache(t, 4, 60000)
	fp := book.ComputeFingerprint("broken", "en")

	boom := errors.New("parse failed")
	_, _, err := c.GetOrCompute(fp, func() (segmenter.Result, error) {
		return segmenter.Result{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if c.Len() != 0 {
		t.Fatalf("failed computation was cached, len=%d", c.Len())
	}

	_, hit, err := c.GetOrCompute(fp, func() (segmenter.Result, error) {
		return resultFor("recovered"), nil
	})
	if err != nil || hit {
		t.Fatalf("retry after error: hit=%v err=%v", hit, err)
	}
}

func TestEvictsOldestInsertion(t *testing.T) {
	c := newCache(t, 3, 60000)

	fps := make([]book.Fingerprint, 5)
	for i := range fps {
		fps[i] = book.ComputeFingerprint(fmt.Sprintf("doc-%d", i), "en")
		title := fmt.Sprintf("chapter-%d", i)
		if _, _, err := c.GetOrCompute(fps[i], func() (segmenter.Result, error) {
			return resultFor(title), nil
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("cache holds %d entries, want 3", c.Len())
	}

	// The two oldest insertions are gone, the newest three survive.
	for i := 4; i >= 2; i-- {
		_, hit, err := c.GetOrCompute(fps[i], func() (segmenter.Result, error) {
			return resultFor("refill"), nil
		})
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !hit {
			t.Fatalf("entry %d was evicted out of insertion order", i)
		}
	}
	_, hit, err := c.GetOrCompute(fps[0], func() (segmenter.Result, error) {
		return resultFor("refill"), nil
	})
	if err != nil {
		t.Fatalf("lookup evicted entry: %v", err)
	}
	if hit {
		t.Fatal("oldest entry survived past the bound")
	}
}

func TestExpiredEntryRecomputed(t *testing.T) {
	c := newCache(t, 4, 1000)
	now := time.Unix(1700000000, 0)
	c.clock = func() time.Time { return now }

	fp := book.ComputeFingerprint("aging text", "en")
	if _, _, err := c.GetOrCompute(fp, func() (segmenter.Result, error) {
		return resultFor("fresh"), nil
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now = now.Add(500 * time.Millisecond)
	_, hit, _ := c.GetOrCompute(fp, func() (segmenter.Result, error) {
		return resultFor("half-life"), nil
	})
	if !hit {
		t.Fatal("entry expired before max age")
	}

	now = now.Add(2 * time.Second)
	res, hit, err := c.GetOrCompute(fp, func() (segmenter.Result, error) {
		return resultFor("recomputed"), nil
	})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if hit {
		t.Fatal("expired entry served as a hit")
	}
	if res.Chapters[0].Title != "recomputed" {
		t.Fatalf("stale result returned: %+v", res)
	}
}

func TestPurgeExpiredDropsOnlyAgedEntries(t *testing.T) {
	c := newCache(t, 4, 1000)
	now := time.Unix(1700000000, 0)
	c.clock = func() time.Time { return now }

	old := book.ComputeFingerprint("old doc", "en")
	if _, _, err := c.GetOrCompute(old, func() (segmenter.Result, error) {
		return resultFor("old"), nil
	}); err != nil {
		t.Fatalf("insert old: %v", err)
	}

	now = now.Add(800 * time.Millisecond)
	fresh := book.ComputeFingerprint("fresh doc", "en")
	if _, _, err := c.GetOrCompute(fresh, func() (segmenter.Result, error) {
		return resultFor("fresh"), nil
	}); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	now = now.Add(400 * time.Millisecond)
	if removed := c.PurgeExpired(); removed != 1 {
		t.Fatalf("purge removed %d entries, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("cache holds %d entries after purge, want 1", c.Len())
	}
	_, hit, _ := c.GetOrCompute(fresh, func() (segmenter.Result, error) {
		return resultFor("refill"), nil
	})
	if !hit {
		t.Fatal("fresh entry was purged")
	}
}

func TestConcurrentMissesComputeOnce(t *testing.T) {
	c := newCache(t, 4, 60000)
	fp := book.ComputeFingerprint("contended", "en")

	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := c.GetOrCompute(fp, func() (segmenter.Result, error) {
				calls.Add(1)
				<-release
				return resultFor("shared"), nil
			})
			if err != nil {
				t.Errorf("concurrent lookup: %v", err)
				return
			}
			if res.Chapters[0].Title != "shared" {
				t.Errorf("unexpected result: %+v", res)
			}
		}()
	}

	// Give the goroutines time to pile up on the same key.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("compute ran %d times, want 1", got)
	}
}
