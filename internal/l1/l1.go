// Package l1 implements the in-memory cache tier of spec.md §4.4: a
// concurrent, capacity-bounded map with pluggable eviction (LRU, LFU, FIFO,
// blended LRU+LFU, TTL-first).
//
// The payload map is sharded by key hash for concurrent reads/writes (the
// "lock-striped" map of spec.md §5), grounded on abiolaogu-MinIO's
// ShardedL1Cache (internal/cache/cache_engine_v2.go). The eviction
// bookkeeping (LRU/FIFO order, LFU counters) is kept behind one mutex
// instead of being sharded too — spec.md's Design Notes call this out
// explicitly as an acceptable simplification ("auxiliary structures are
// approximate... acceptable for eviction quality"), and it keeps the
// capacity invariant (P7) exact rather than approximate across shards.
package l1

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ratcache/ratmemcached/internal/rerr"
	"github.com/ratcache/ratmemcached/internal/ttl"
)

// Policy selects the eviction strategy of spec.md §4.4.
type Policy int

const (
	LRU Policy = iota
	LFU
	FIFO
	LruLfu
	TTLFirst
)

func ParsePolicy(s string) Policy {
	switch s {
	case "LFU":
		return LFU
	case "FIFO":
		return FIFO
	case "LruLfu":
		return LruLfu
	case "TtlBased":
		return TTLFirst
	default:
		return LRU
	}
}

// Config bounds L1 capacity, per the [l1] TOML section of spec.md §6.
type Config struct {
	MaxMemory  int64
	MaxEntries int64
	Policy     Policy
	ShardCount int
}

func DefaultConfig() Config {
	return Config{
		MaxMemory:  64 << 20,
		MaxEntries: 100_000,
		Policy:     LRU,
		ShardCount: 16,
	}
}

// Entry is the logical value held in L1 (spec.md §3). L1 entries are never
// compressed (I4/I5 scope compression to L2), so an entry's size is always
// len(Payload).
type Entry struct {
	Payload      []byte
	CreatedAt    int64
	LastAccessed int64
	AccessCount  int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Stats mirrors spec.md §4.4 stats(): entry/memory totals plus per-policy
// eviction counts and total evicted bytes.
type Stats struct {
	EntryCount        int64
	MemoryUsage       int64
	EvictionsLRU      int64
	EvictionsLFU      int64
	EvictionsFIFO     int64
	EvictionsTTL      int64
	TotalEvictedBytes int64
}

// Tier is the L1 cache.
type Tier struct {
	cfg    Config
	shards []*shard
	logger *logrus.Logger
	ttlMgr *ttl.Manager

	memUsed    int64 // atomic
	entryCount int64 // atomic

	auxMu    sync.Mutex
	lruList  *list.List // front = most recently used
	lruElem  map[string]*list.Element
	fifoList *list.List // front = oldest
	fifoElem map[string]*list.Element

	randState uint64 // for the blended policy's deterministic pseudo-randomness

	statsMu sync.Mutex
	stats   Stats

	// maxMemory, maxEntries and policy are read with Load on every Set,
	// instead of through cfg directly, so a live config reload (see
	// internal/configwatch) can swap them without a restart.
	maxMemory  atomic.Int64
	maxEntries atomic.Int64
	policy     atomic.Int32
}

// New builds an L1 tier. ttlMgr supplies the TTL-first policy's victim hint
// and may be nil (TTL-first then always falls back to LRU).
func New(cfg Config, ttlMgr *ttl.Manager, logger *logrus.Logger) *Tier {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	if logger == nil {
		logger = logrus.New()
	}
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	t := &Tier{
		cfg:       cfg,
		shards:    shards,
		logger:    logger,
		ttlMgr:    ttlMgr,
		lruList:   list.New(),
		lruElem:   make(map[string]*list.Element),
		fifoList:  list.New(),
		fifoElem:  make(map[string]*list.Element),
		randState: 0x2545F4914F6CDD1D,
	}
	t.maxMemory.Store(cfg.MaxMemory)
	t.maxEntries.Store(cfg.MaxEntries)
	t.policy.Store(int32(cfg.Policy))
	return t
}

// SetLiveConfig swaps the capacity bound and eviction policy without
// disturbing any stored entry, for internal/configwatch's live reload path.
func (t *Tier) SetLiveConfig(maxMemory, maxEntries int64, policy Policy) {
	t.maxMemory.Store(maxMemory)
	t.maxEntries.Store(maxEntries)
	t.policy.Store(int32(policy))
}

func (t *Tier) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Get returns a key's payload, touching its LRU/LFU bookkeeping on hit.
func (t *Tier) Get(key string) ([]byte, bool) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		sh.mu.Unlock()
		return nil, false
	}
	e.LastAccessed = time.Now().Unix()
	e.AccessCount++
	payload := e.Payload
	sh.mu.Unlock()

	t.touchAux(key)
	return payload, true
}

func (t *Tier) touchAux(key string) {
	t.auxMu.Lock()
	if el, ok := t.lruElem[key]; ok {
		t.lruList.MoveToFront(el)
	}
	t.auxMu.Unlock()
}

// Set inserts or replaces key's payload, evicting as many victims as needed
// to stay within MaxMemory/MaxEntries. Returns an OutOfMemory error if the
// tier empties out and still can't make room (spec.md §4.4 "Eviction must
// make progress").
func (t *Tier) Set(key string, value []byte) error {
	sh := t.shardFor(key)
	newSize := int64(len(value))

	sh.mu.Lock()
	old, existed := sh.entries[key]
	var oldSize int64
	if existed {
		oldSize = int64(len(old.Payload))
	}
	sh.mu.Unlock()

	delta := newSize - oldSize
	if delta > 0 || !existed {
		if err := t.makeRoom(key, delta, existed); err != nil {
			return err
		}
	}

	now := time.Now().Unix()
	sh.mu.Lock()
	if existed {
		old.Payload = value
		old.LastAccessed = now
		old.AccessCount++
	} else {
		sh.entries[key] = &Entry{
			Payload:      value,
			CreatedAt:    now,
			LastAccessed: now,
			AccessCount:  1,
		}
	}
	sh.mu.Unlock()

	atomic.AddInt64(&t.memUsed, delta)
	if !existed {
		atomic.AddInt64(&t.entryCount, 1)
	}

	t.auxMu.Lock()
	if el, ok := t.lruElem[key]; ok {
		t.lruList.MoveToFront(el)
	} else {
		t.lruElem[key] = t.lruList.PushFront(key)
	}
	if _, ok := t.fifoElem[key]; !ok {
		t.fifoElem[key] = t.fifoList.PushBack(key)
	}
	t.auxMu.Unlock()

	return nil
}

// makeRoom evicts victims until there is room for `need` additional bytes
// (and, for a brand-new key, one additional entry slot). exclude is the key
// currently being written by the caller's Set: it must never be chosen as
// its own eviction victim (see pickVictim), since a re-`set` of an existing
// key is a size update, not a removal, and evicting it mid-update would
// both lose the write and corrupt the memory/entry accounting.
func (t *Tier) makeRoom(exclude string, need int64, isUpdate bool) error {
	for {
		mem := atomic.LoadInt64(&t.memUsed)
		count := atomic.LoadInt64(&t.entryCount)

		maxMemory := t.maxMemory.Load()
		maxEntries := t.maxEntries.Load()
		overMemory := maxMemory > 0 && mem+need > maxMemory
		overCount := !isUpdate && maxEntries > 0 && count+1 > maxEntries
		if !overMemory && !overCount {
			return nil
		}
		if count == 0 {
			return rerr.OOM(need)
		}
		if !t.evictOne(exclude) {
			return rerr.OOM(need)
		}
	}
}

// evictOne removes a single victim per the configured policy, never
// choosing exclude. Returns false if no eligible victim could be found
// (store empty, or its only entry is exclude itself, from this goroutine's
// view).
func (t *Tier) evictOne(exclude string) bool {
	key, policy, ok := t.pickVictim(exclude)
	if !ok {
		return false
	}
	payload, ok := t.removeInternal(key)
	if !ok {
		return false
	}
	t.recordEviction(policy, int64(len(payload)))
	return true
}

func (t *Tier) pickVictim(exclude string) (string, Policy, bool) {
	switch Policy(t.policy.Load()) {
	case FIFO:
		key, ok := t.pickFIFOVictim(exclude)
		return key, FIFO, ok
	case LFU:
		key, ok := t.pickLFUVictim(exclude)
		return key, LFU, ok
	case LruLfu:
		if t.nextBlendedPick() {
			key, ok := t.pickLRUVictim(exclude)
			return key, LRU, ok
		}
		key, ok := t.pickLFUVictim(exclude)
		return key, LFU, ok
	case TTLFirst:
		if t.ttlMgr != nil {
			if key, ok := t.ttlMgr.SoonestToExpire(); ok && key != exclude {
				if t.has(key) {
					return key, TTLFirst, true
				}
			}
		}
		key, ok := t.pickLRUVictim(exclude)
		return key, TTLFirst, ok
	default: // LRU
		key, ok := t.pickLRUVictim(exclude)
		return key, LRU, ok
	}
}

func (t *Tier) pickFIFOVictim(exclude string) (string, bool) {
	t.auxMu.Lock()
	defer t.auxMu.Unlock()
	for el := t.fifoList.Front(); el != nil; el = el.Next() {
		if k := el.Value.(string); k != exclude {
			return k, true
		}
	}
	return "", false
}

// nextBlendedPick implements the blended policy's 0.7/0.3 split with a
// deterministic xorshift generator instead of math/rand, so eviction choice
// is reproducible across runs given the same access sequence.
func (t *Tier) nextBlendedPick() bool {
	t.auxMu.Lock()
	x := t.randState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	t.randState = x
	t.auxMu.Unlock()
	return x%10 < 7
}

func (t *Tier) pickLRUVictim(exclude string) (string, bool) {
	t.auxMu.Lock()
	defer t.auxMu.Unlock()
	for el := t.lruList.Back(); el != nil; el = el.Prev() {
		if k := el.Value.(string); k != exclude {
			return k, true
		}
	}
	return "", false
}

// pickLFUVictim scans all shards for the key with the smallest access
// counter, the same linear-scan approach as MinIO's LRUTracker.EvictLRU
// (internal/cache/cache_engine_v2.go) applied to frequency instead of
// recency; ties are broken by shard/map iteration order (arbitrary, as
// spec.md §4.4 allows). exclude is never returned, even if it holds the
// minimum count.
func (t *Tier) pickLFUVictim(exclude string) (string, bool) {
	var victim string
	var minCount int64 = -1
	for _, sh := range t.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			if k == exclude {
				continue
			}
			if minCount == -1 || e.AccessCount < minCount {
				minCount = e.AccessCount
				victim = k
			}
		}
		sh.mu.RUnlock()
	}
	if minCount == -1 {
		return "", false
	}
	return victim, true
}

func (t *Tier) has(key string) bool {
	sh := t.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.entries[key]
	return ok
}

func (t *Tier) recordEviction(p Policy, extraBytes int64) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	switch p {
	case LRU:
		t.stats.EvictionsLRU++
	case LFU:
		t.stats.EvictionsLFU++
	case FIFO:
		t.stats.EvictionsFIFO++
	case TTLFirst:
		t.stats.EvictionsTTL++
	}
	t.stats.TotalEvictedBytes += extraBytes
}

// removeInternal removes key from the payload map and all aux structures,
// updating the memory/entry counters. It does not record an eviction stat
// (callers decide whether the removal is a delete or an eviction).
func (t *Tier) removeInternal(key string) ([]byte, bool) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		sh.mu.Unlock()
		return nil, false
	}
	delete(sh.entries, key)
	sh.mu.Unlock()

	atomic.AddInt64(&t.memUsed, -int64(len(e.Payload)))
	atomic.AddInt64(&t.entryCount, -1)

	t.auxMu.Lock()
	if el, ok := t.lruElem[key]; ok {
		t.lruList.Remove(el)
		delete(t.lruElem, key)
	}
	if el, ok := t.fifoElem[key]; ok {
		t.fifoList.Remove(el)
		delete(t.fifoElem, key)
	}
	t.auxMu.Unlock()

	return e.Payload, true
}

// Delete removes key, reporting whether it was present (P10 idempotence).
// Unlike eviction, a delete is not recorded in the eviction stats.
func (t *Tier) Delete(key string) bool {
	_, ok := t.removeInternal(key)
	return ok
}

// Clear removes every entry (P4).
func (t *Tier) Clear() {
	for _, sh := range t.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*Entry)
		sh.mu.Unlock()
	}
	atomic.StoreInt64(&t.memUsed, 0)
	atomic.StoreInt64(&t.entryCount, 0)

	t.auxMu.Lock()
	t.lruList.Init()
	t.lruElem = make(map[string]*list.Element)
	t.fifoList.Init()
	t.fifoElem = make(map[string]*list.Element)
	t.auxMu.Unlock()
}

// Keys returns every key currently in L1, for diagnostics/tests; not used
// on any hot path.
func (t *Tier) Keys() []string {
	var out []string
	for _, sh := range t.shards {
		sh.mu.RLock()
		for k := range sh.entries {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Stats returns a snapshot of current counters.
func (t *Tier) Stats() Stats {
	t.statsMu.Lock()
	s := t.stats
	t.statsMu.Unlock()
	s.EntryCount = atomic.LoadInt64(&t.entryCount)
	s.MemoryUsage = atomic.LoadInt64(&t.memUsed)
	return s
}
