// Package ttl implements the TTL manager of spec.md §4.2: a key->expiry
// index plus a time-ordered bucket index driving both lazy (on-read) and
// active (swept) expiration.
package ttl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ratcache/ratmemcached/internal/rerr"
)

// Config controls sweep cadence and the TTL ceiling, mirroring the
// [ttl] section of the TOML schema in spec.md §6.
type Config struct {
	MaxTTL            int64 // seconds; 0 means unbounded
	CleanupInterval   time.Duration
	MaxCleanupEntries int
	LazyExpiration    bool
	ActiveExpiration  bool
}

func DefaultConfig() Config {
	return Config{
		MaxTTL:            30 * 24 * 3600,
		CleanupInterval:   time.Second,
		MaxCleanupEntries: 1000,
		LazyExpiration:    true,
		ActiveExpiration:  true,
	}
}

// Stats tracks sweeper/lazy-check activity, grounded on the teacher's
// ExpirationMetrics (internal/cache/expiration.go) atomic-counter style.
type Stats struct {
	LazyExpirations   int64
	ActiveExpirations int64
	SweepRuns         int64
	// AvgSweepDurationUs is an EMA, same style as L2's read/write latency
	// averaging in spec.md §4.5.
	AvgSweepDurationUs int64
}

// DeleteFunc is invoked by the sweeper for each key it judges expired. The
// facade supplies this to remove the key from both L1 and L2; a failure for
// one key must not abort the sweep (spec.md §4.2 Sweeper).
type DeleteFunc func(key string)

// Manager is the TTL manager. Per spec.md §5, the by-time and by-key
// indices are guarded by two separate locks, never held simultaneously with
// a third lock.
type Manager struct {
	cfg    Config
	logger *logrus.Logger

	keyMu sync.RWMutex
	byKey map[string]int64 // key -> expiresAt (absolute unix seconds); absent == never

	bucketMu sync.Mutex
	buckets  map[int64]map[string]struct{} // expiresAt(second) -> keys

	stats Stats

	onExpire DeleteFunc

	sweepCmd chan struct{}
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// maxTTL shadows cfg.MaxTTL behind an atomic so internal/configwatch can
	// raise or lower the ceiling live; sweeper cadence and the lazy/active
	// toggles are fixed at Start() and need a restart to change.
	maxTTL atomic.Int64
}

// New builds a Manager. onExpire may be nil until the owning facade
// registers it via SetDeleteFunc (construction order in the facade creates
// the TTL manager before the facade itself exists).
func New(cfg Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		byKey:    make(map[string]int64),
		buckets:  make(map[int64]map[string]struct{}),
		sweepCmd: make(chan struct{}, 1),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	m.maxTTL.Store(cfg.MaxTTL)
	return m
}

// SetMaxTTL raises or lowers the TTL ceiling without touching already-stored
// expiries, for internal/configwatch's live reload path.
func (m *Manager) SetMaxTTL(seconds int64) { m.maxTTL.Store(seconds) }

// SetDeleteFunc wires the sweeper's deletion callback.
func (m *Manager) SetDeleteFunc(fn DeleteFunc) { m.onExpire = fn }

// Start launches the background sweeper if active expiration is enabled.
func (m *Manager) Start() {
	if !m.cfg.ActiveExpiration {
		return
	}
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop cancels the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) nowUnix() int64 { return m.now().Unix() }

func bucketOf(expiresAt int64) int64 { return expiresAt }

// Add registers (or replaces) a key's expiry. ttlSeconds == 0 means "never"
// and the key is removed from the index entirely (spec.md §4.2 Add).
func (m *Manager) Add(key string, ttlSeconds int64) error {
	maxTTL := m.maxTTL.Load()
	if ttlSeconds < 0 {
		return rerr.InvalidTTLf(ttlSeconds, maxTTL)
	}
	if maxTTL > 0 && ttlSeconds > maxTTL {
		return rerr.InvalidTTLf(ttlSeconds, maxTTL)
	}
	if ttlSeconds == 0 {
		m.Remove(key)
		return nil
	}

	expiresAt := m.nowUnix() + ttlSeconds

	m.keyMu.Lock()
	old, hadOld := m.byKey[key]
	m.byKey[key] = expiresAt
	m.keyMu.Unlock()

	m.bucketMu.Lock()
	if hadOld {
		if set, ok := m.buckets[bucketOf(old)]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.buckets, bucketOf(old))
			}
		}
	}
	bucket := bucketOf(expiresAt)
	set, ok := m.buckets[bucket]
	if !ok {
		set = make(map[string]struct{})
		m.buckets[bucket] = set
	}
	set[key] = struct{}{}
	m.bucketMu.Unlock()

	return nil
}

// Remove clears a key from both indices.
func (m *Manager) Remove(key string) {
	m.keyMu.Lock()
	expiresAt, ok := m.byKey[key]
	if ok {
		delete(m.byKey, key)
	}
	m.keyMu.Unlock()

	if !ok {
		return
	}

	m.bucketMu.Lock()
	if set, ok := m.buckets[bucketOf(expiresAt)]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m.buckets, bucketOf(expiresAt))
		}
	}
	m.bucketMu.Unlock()
}

// IsExpired reports whether key has a recorded expiry that has passed. It
// increments the lazy-expiration counter on a true result, per spec.md §4.2.
func (m *Manager) IsExpired(key string) bool {
	m.keyMu.RLock()
	expiresAt, ok := m.byKey[key]
	m.keyMu.RUnlock()
	if !ok {
		return false
	}
	if m.nowUnix() >= expiresAt {
		atomic.AddInt64(&m.stats.LazyExpirations, 1)
		return true
	}
	return false
}

// RemainingTTL returns the seconds left before key expires, or (0, false)
// if the key has no recorded expiry ("never").
func (m *Manager) RemainingTTL(key string) (int64, bool) {
	m.keyMu.RLock()
	expiresAt, ok := m.byKey[key]
	m.keyMu.RUnlock()
	if !ok {
		return 0, false
	}
	remaining := expiresAt - m.nowUnix()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// ExpiredKeys walks the bucket index in ascending order, yielding up to
// limit keys whose expiry has passed.
func (m *Manager) ExpiredKeys(limit int) []string {
	now := m.nowUnix()
	var out []string

	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	buckets := make([]int64, 0, len(m.buckets))
	for b := range m.buckets {
		if b <= now {
			buckets = append(buckets, b)
		}
	}
	sortInt64s(buckets)

	for _, b := range buckets {
		for key := range m.buckets[b] {
			out = append(out, key)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

func sortInt64s(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// SoonestToExpire returns the key with the nearest upcoming expiry, for the
// TTL-first eviction policy (spec.md §4.4). Returns ("", false) if no key
// has a recorded expiry.
func (m *Manager) SoonestToExpire() (string, bool) {
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	var soonest int64
	found := false
	for b := range m.buckets {
		if !found || b < soonest {
			soonest = b
			found = true
		}
	}
	if !found {
		return "", false
	}
	for key := range m.buckets[soonest] {
		return key, true
	}
	return "", false
}

// ForceSweep asynchronously triggers an out-of-band sweep.
func (m *Manager) ForceSweep() {
	select {
	case m.sweepCmd <- struct{}{}:
	default:
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		case <-m.sweepCmd:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	start := time.Now()
	keys := m.ExpiredKeys(m.cfg.MaxCleanupEntries)
	for _, key := range keys {
		m.Remove(key)
		if m.onExpire != nil {
			// A panic or failure deleting one key must not abort the sweep;
			// recover defensively since onExpire is caller-supplied.
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.WithFields(logrus.Fields{"key": key, "panic": r}).
							Warn("ttl sweep: delete callback panicked")
					}
				}()
				m.onExpire(key)
			}()
		}
	}
	atomic.AddInt64(&m.stats.ActiveExpirations, int64(len(keys)))
	atomic.AddInt64(&m.stats.SweepRuns, 1)

	sampleUs := time.Since(start).Microseconds()
	for {
		old := atomic.LoadInt64(&m.stats.AvgSweepDurationUs)
		var next int64
		if old == 0 {
			next = sampleUs
		} else {
			next = int64(0.9*float64(old) + 0.1*float64(sampleUs))
		}
		if atomic.CompareAndSwapInt64(&m.stats.AvgSweepDurationUs, old, next) {
			break
		}
	}
}

// Snapshot returns a copy of the current stats counters.
func (m *Manager) Snapshot() Stats {
	return Stats{
		LazyExpirations:    atomic.LoadInt64(&m.stats.LazyExpirations),
		ActiveExpirations:  atomic.LoadInt64(&m.stats.ActiveExpirations),
		SweepRuns:          atomic.LoadInt64(&m.stats.SweepRuns),
		AvgSweepDurationUs: atomic.LoadInt64(&m.stats.AvgSweepDurationUs),
	}
}
