package l1

import (
	"testing"

	"github.com/ratcache/ratmemcached/internal/ttl"
)

func newTestTier(cfg Config) *Tier {
	return New(cfg, nil, nil)
}

func TestSetGetDelete(t *testing.T) {
	cfg := DefaultConfig()
	tier := newTestTier(cfg)

	if err := tier.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := tier.Get("k")
	if !ok || string(v) != "v" {
		t.Fatalf("expected 'v', got %q ok=%v", v, ok)
	}

	if !tier.Delete("k") {
		t.Fatalf("expected Delete to report key was present")
	}
	if _, ok := tier.Get("k"); ok {
		t.Fatalf("expected key gone after delete")
	}
}

func TestDeleteMissingKeyIsFalse(t *testing.T) {
	tier := newTestTier(DefaultConfig())
	if tier.Delete("missing") {
		t.Fatalf("expected false deleting a missing key")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	tier := newTestTier(DefaultConfig())
	_ = tier.Set("a", []byte("1"))
	_ = tier.Set("b", []byte("2"))

	tier.Clear()

	if len(tier.Keys()) != 0 {
		t.Fatalf("expected empty tier after Clear")
	}
	s := tier.Stats()
	if s.EntryCount != 0 || s.MemoryUsage != 0 {
		t.Fatalf("expected zeroed stats after Clear, got %+v", s)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := Config{MaxMemory: 0, MaxEntries: 2, Policy: LRU, ShardCount: 1}
	tier := newTestTier(cfg)

	_ = tier.Set("a", []byte("1"))
	_ = tier.Set("b", []byte("2"))
	// touch "a" so "b" becomes the least recently used
	tier.Get("a")
	_ = tier.Set("c", []byte("3"))

	if _, ok := tier.Get("b"); ok {
		t.Fatalf("expected 'b' evicted as least recently used")
	}
	if _, ok := tier.Get("a"); !ok {
		t.Fatalf("expected 'a' to survive (recently touched)")
	}
	if _, ok := tier.Get("c"); !ok {
		t.Fatalf("expected 'c' present (just inserted)")
	}
}

func TestFIFOEvictsOldestInsert(t *testing.T) {
	cfg := Config{MaxMemory: 0, MaxEntries: 2, Policy: FIFO, ShardCount: 1}
	tier := newTestTier(cfg)

	_ = tier.Set("a", []byte("1"))
	_ = tier.Set("b", []byte("2"))
	// FIFO ignores access recency, unlike LRU
	tier.Get("a")
	_ = tier.Set("c", []byte("3"))

	if _, ok := tier.Get("a"); ok {
		t.Fatalf("expected 'a' evicted as the oldest insert, despite being read")
	}
	if _, ok := tier.Get("b"); !ok {
		t.Fatalf("expected 'b' to survive")
	}
}

// TestSetOfFIFOFrontSurvivesItsOwnEviction reproduces a maintainer-reported
// repro: under FIFO with a full tier, the front-of-queue key is the most
// obvious eviction candidate, but re-`set`ing that exact key to a larger
// size must never cause it to evict itself and be lost.
func TestSetOfFIFOFrontSurvivesItsOwnEviction(t *testing.T) {
	cfg := Config{MaxMemory: 1000, MaxEntries: 0, Policy: FIFO, ShardCount: 1}
	tier := newTestTier(cfg)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := tier.Set(k, make([]byte, 200)); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	if err := tier.Set("a", make([]byte, 400)); err != nil {
		t.Fatalf("Set(a, bigger): %v", err)
	}

	v, ok := tier.Get("a")
	if !ok {
		t.Fatalf("expected 'a' to survive its own resizing set, not be evicted")
	}
	if len(v) != 400 {
		t.Fatalf("expected updated 400-byte value for 'a', got %d bytes", len(v))
	}

	if got, want := tier.Stats().EntryCount, int64(4); got != want {
		t.Fatalf("expected entryCount=%d after one eviction made room, got %d", want, got)
	}
}

func TestLFUEvictsLeastFrequentlyUsed(t *testing.T) {
	cfg := Config{MaxMemory: 0, MaxEntries: 2, Policy: LFU, ShardCount: 1}
	tier := newTestTier(cfg)

	_ = tier.Set("a", []byte("1"))
	_ = tier.Set("b", []byte("2"))
	tier.Get("a")
	tier.Get("a")
	tier.Get("a")
	_ = tier.Set("c", []byte("3"))

	if _, ok := tier.Get("b"); ok {
		t.Fatalf("expected 'b' evicted as least frequently used")
	}
	if _, ok := tier.Get("a"); !ok {
		t.Fatalf("expected 'a' (heavily accessed) to survive")
	}
}

func TestMemoryBoundTriggersEviction(t *testing.T) {
	cfg := Config{MaxMemory: 10, MaxEntries: 0, Policy: LRU, ShardCount: 1}
	tier := newTestTier(cfg)

	_ = tier.Set("a", []byte("12345")) // 5 bytes
	_ = tier.Set("b", []byte("12345")) // 5 bytes, at the limit
	_ = tier.Set("c", []byte("12345")) // forces eviction of "a"

	if _, ok := tier.Get("a"); ok {
		t.Fatalf("expected 'a' evicted to respect MaxMemory")
	}
	s := tier.Stats()
	if s.MemoryUsage > 10 {
		t.Fatalf("expected memory usage <= 10, got %d", s.MemoryUsage)
	}
}

func TestSetReplaceUpdatesSizeWithoutNewEntry(t *testing.T) {
	cfg := Config{MaxMemory: 0, MaxEntries: 5, Policy: LRU, ShardCount: 1}
	tier := newTestTier(cfg)

	_ = tier.Set("a", []byte("short"))
	_ = tier.Set("a", []byte("a much longer value"))

	s := tier.Stats()
	if s.EntryCount != 1 {
		t.Fatalf("expected entry count to stay at 1 after replace, got %d", s.EntryCount)
	}
	v, ok := tier.Get("a")
	if !ok || string(v) != "a much longer value" {
		t.Fatalf("expected replaced value, got %q", v)
	}
}

func TestTTLFirstPrefersSoonestExpiry(t *testing.T) {
	ttlMgr := ttl.New(ttl.DefaultConfig(), nil)
	_ = ttlMgr.Add("soon", 1)
	_ = ttlMgr.Add("later", 1000)

	cfg := Config{MaxMemory: 0, MaxEntries: 2, Policy: TTLFirst, ShardCount: 1}
	tier := New(cfg, ttlMgr, nil)

	_ = tier.Set("soon", []byte("1"))
	_ = tier.Set("later", []byte("2"))
	_ = tier.Set("third", []byte("3"))

	if _, ok := tier.Get("soon"); ok {
		t.Fatalf("expected 'soon' evicted first under TTL-first policy")
	}
	if _, ok := tier.Get("later"); !ok {
		t.Fatalf("expected 'later' to survive")
	}
}

func TestOutOfMemoryWhenSingleEntryExceedsCapacity(t *testing.T) {
	cfg := Config{MaxMemory: 4, MaxEntries: 0, Policy: LRU, ShardCount: 1}
	tier := newTestTier(cfg)

	err := tier.Set("a", []byte("way too big for the limit"))
	if err == nil {
		t.Fatalf("expected OutOfMemory error when a single value can't fit")
	}
}

func TestConcurrentSetGetDoesNotRace(t *testing.T) {
	cfg := Config{MaxMemory: 0, MaxEntries: 1000, Policy: LRU, ShardCount: 8}
	tier := newTestTier(cfg)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				key := string(rune('a' + n))
				_ = tier.Set(key, []byte("v"))
				tier.Get(key)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
