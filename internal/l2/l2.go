// Package l2 wraps internal/store with the d:/m: key-prefix convention,
// compression, per-entry metadata, and a bounded dispatch pool so callers
// never block directly on bbolt I/O (spec.md §4.5).
//
// The dispatch pool is grounded on the teacher's AdaptiveWorkerPool
// (internal/background/worker_pool.go) distilled to what this tier needs: a
// fixed-size goroutine pool draining a job channel, each job's completion
// tracked so Shutdown can drain in-flight work with a sync.WaitGroup,
// without the auto-scaling/heartbeat/stuck-detection machinery a single-node
// embedded cache has no use for.
package l2

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ratcache/ratmemcached/internal/codec"
	"github.com/ratcache/ratmemcached/internal/rerr"
	"github.com/ratcache/ratmemcached/internal/store"
)

const (
	dataPrefix = "d:"
	metaPrefix = "m:"
)

// Config mirrors the [l2] TOML section of spec.md §6 that this tier reads.
type Config struct {
	MaxDiskSize   int64
	WorkerThreads int
	QueueDepth    int
}

func DefaultConfig() Config {
	return Config{
		MaxDiskSize:   1 << 30,
		WorkerThreads: 4,
		QueueDepth:    1024,
	}
}

// Metadata is the record stored under m:<key>, serialized with
// encoding/json, matching the teacher's own serialization choice throughout
// internal/cache (tiered_cache.go, redis.go, provider_cache.go all use
// json.Marshal/Unmarshal for stored values).
type Metadata struct {
	CreatedAt    int64 `json:"created_at"`
	LastAccessed int64 `json:"last_accessed"`
	ExpiresAt    int64 `json:"expires_at"`
	AccessCount  int64 `json:"access_count"`
	OriginalSize int64 `json:"original_size"`
	StoredSize   int64 `json:"stored_size"`
	Compressed   bool  `json:"compressed"`
}

// Stats mirrors spec.md §4.5's stats() shape.
type Stats struct {
	Reads             int64
	Writes            int64
	Deletes           int64
	Hits              int64
	Misses            int64
	Compactions       int64
	AvgReadLatencyUs  int64
	AvgWriteLatencyUs int64
}

type job func()

// Tier is the L2 persistent cache tier.
type Tier struct {
	cfg    Config
	store  *store.Store
	codec  *codec.Codec
	logger *logrus.Logger

	jobs chan job
	wg   sync.WaitGroup

	stats Stats
}

// New builds an L2 tier over an already-open store.
func New(cfg Config, st *store.Store, cd *codec.Codec, logger *logrus.Logger) *Tier {
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if logger == nil {
		logger = logrus.New()
	}
	t := &Tier{
		cfg:    cfg,
		store:  st,
		codec:  cd,
		logger: logger,
		jobs:   make(chan job, cfg.QueueDepth),
	}
	for i := 0; i < cfg.WorkerThreads; i++ {
		t.wg.Add(1)
		go t.workerLoop()
	}
	return t
}

func (t *Tier) workerLoop() {
	defer t.wg.Done()
	for j := range t.jobs {
		j()
	}
}

// dispatch runs fn on the worker pool and blocks for its result, giving
// callers a synchronous-looking call whose actual I/O never runs on the
// caller's goroutine.
func (t *Tier) dispatch(fn func() error) error {
	done := make(chan error, 1)
	t.jobs <- func() { done <- fn() }
	return <-done
}

// Shutdown stops accepting new work and waits for in-flight jobs to finish.
func (t *Tier) Shutdown() {
	close(t.jobs)
	t.wg.Wait()
}

func recordLatency(avg *int64, sample int64) {
	for {
		old := atomic.LoadInt64(avg)
		var next int64
		if old == 0 {
			next = sample
		} else {
			next = int64(0.9*float64(old) + 0.1*float64(sample))
		}
		if atomic.CompareAndSwapInt64(avg, old, next) {
			return
		}
	}
}

// Get reads d:key and m:key, decompressing if flagged, and asynchronously
// rewrites last_accessed/access_count (fire-and-forget, spec.md §4.5).
func (t *Tier) Get(key string) ([]byte, bool, error) {
	start := time.Now()
	atomic.AddInt64(&t.stats.Reads, 1)

	var payload []byte
	var meta Metadata
	var found bool

	err := t.dispatch(func() error {
		raw, ok, err := t.store.Get([]byte(dataPrefix + key))
		if err != nil || !ok {
			return err
		}
		metaRaw, ok, err := t.store.Get([]byte(metaPrefix + key))
		if err != nil || !ok {
			return err
		}
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return rerr.Serialization("failed to decode l2 metadata", err)
		}
		if meta.Compressed {
			decoded, err := t.codec.Decompress(raw, true)
			if err != nil {
				return rerr.Compression("failed to decompress l2 payload", err)
			}
			raw = decoded
		}
		payload = raw
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		atomic.AddInt64(&t.stats.Misses, 1)
		recordLatency(&t.stats.AvgReadLatencyUs, time.Since(start).Microseconds())
		return nil, false, nil
	}
	atomic.AddInt64(&t.stats.Hits, 1)
	recordLatency(&t.stats.AvgReadLatencyUs, time.Since(start).Microseconds())

	meta.LastAccessed = time.Now().Unix()
	meta.AccessCount++
	t.jobs <- func() {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return
		}
		if err := t.store.Put([]byte(metaPrefix+key), encoded); err != nil {
			t.logger.WithError(err).WithField("key", key).Debug("l2: metadata rewrite failed")
		}
	}
	return payload, true, nil
}

// Set compresses per the codec window, builds metadata, and writes both
// keys in one atomic batch (I6).
func (t *Tier) Set(key string, value []byte, expiresAt int64) error {
	start := time.Now()
	atomic.AddInt64(&t.stats.Writes, 1)

	err := t.dispatch(func() error {
		if t.cfg.MaxDiskSize > 0 && t.store.DiskUsage()+int64(len(value)) > t.cfg.MaxDiskSize {
			return rerr.Full(t.store.DiskUsage(), t.cfg.MaxDiskSize)
		}

		result, err := t.codec.Compress(value)
		if err != nil {
			t.logger.WithError(err).WithField("key", key).Warn("l2: compression failed, storing uncompressed")
			result = codec.Result{Bytes: value, OriginalSize: len(value), CompressedSize: len(value)}
		}

		now := time.Now().Unix()
		meta := Metadata{
			CreatedAt:    now,
			LastAccessed: now,
			ExpiresAt:    expiresAt,
			AccessCount:  1,
			OriginalSize: int64(result.OriginalSize),
			StoredSize:   int64(result.CompressedSize),
			Compressed:   result.IsCompressed,
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return rerr.Serialization("failed to encode l2 metadata", err)
		}

		return t.store.Batch([]store.Op{
			store.InsertOp([]byte(dataPrefix+key), result.Bytes),
			store.InsertOp([]byte(metaPrefix+key), metaBytes),
		})
	})
	recordLatency(&t.stats.AvgWriteLatencyUs, time.Since(start).Microseconds())
	return err
}

// Delete removes both d:key and m:key, reporting whether the key existed.
func (t *Tier) Delete(key string) (bool, error) {
	atomic.AddInt64(&t.stats.Deletes, 1)
	var existed bool
	err := t.dispatch(func() error {
		_, ok, err := t.store.Get([]byte(dataPrefix + key))
		if err != nil {
			return err
		}
		existed = ok
		if !ok {
			return nil
		}
		return t.store.Batch([]store.Op{
			store.RemoveOp([]byte(dataPrefix + key)),
			store.RemoveOp([]byte(metaPrefix + key)),
		})
	})
	return existed, err
}

// Clear wipes the entire engine.
func (t *Tier) Clear() error {
	return t.dispatch(func() error { return t.store.Clear() })
}

// Keys returns every user key currently stored at L2.
func (t *Tier) Keys() ([]string, error) {
	var out []string
	err := t.dispatch(func() error {
		results, err := t.store.PrefixScan([]byte(dataPrefix))
		if err != nil {
			return err
		}
		out = make([]string, 0, len(results))
		for _, kv := range results {
			out = append(out, string(kv.Key[len(dataPrefix):]))
		}
		return nil
	})
	return out, err
}

// Compact is a best-effort hint; bbolt reclaims free pages on its own
// write path, so this only counts the call in Stats.Compactions and
// performs no engine work.
func (t *Tier) Compact() error {
	atomic.AddInt64(&t.stats.Compactions, 1)
	return nil
}

func (t *Tier) DiskUsage() int64 { return t.store.DiskUsage() }

// Stats returns a snapshot of current counters plus the live entry count.
func (t *Tier) Stats() (Stats, int64) {
	s := Stats{
		Reads:             atomic.LoadInt64(&t.stats.Reads),
		Writes:            atomic.LoadInt64(&t.stats.Writes),
		Deletes:           atomic.LoadInt64(&t.stats.Deletes),
		Hits:              atomic.LoadInt64(&t.stats.Hits),
		Misses:            atomic.LoadInt64(&t.stats.Misses),
		Compactions:       atomic.LoadInt64(&t.stats.Compactions),
		AvgReadLatencyUs:  atomic.LoadInt64(&t.stats.AvgReadLatencyUs),
		AvgWriteLatencyUs: atomic.LoadInt64(&t.stats.AvgWriteLatencyUs),
	}
	keys, err := t.Keys()
	var count int64
	if err == nil {
		count = int64(len(keys))
	}
	return s, count
}
