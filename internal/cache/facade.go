package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ratcache/ratmemcached/internal/codec"
	"github.com/ratcache/ratmemcached/internal/l1"
	"github.com/ratcache/ratmemcached/internal/l2"
	"github.com/ratcache/ratmemcached/internal/rerr"
	"github.com/ratcache/ratmemcached/internal/store"
	"github.com/ratcache/ratmemcached/internal/ttl"
)

// WriteStrategy selects when a write is admitted to L2, per spec.md §4.6's
// routing table.
type WriteStrategy int

const (
	Always WriteStrategy = iota
	Never
	SizeBased
	TTLBased
	Adaptive
)

func ParseWriteStrategy(s string) WriteStrategy {
	switch s {
	case "never":
		return Never
	case "size_based":
		return SizeBased
	case "ttl_based":
		return TTLBased
	case "adaptive":
		return Adaptive
	default:
		return Always
	}
}

// Config is the facade's construction-time configuration, assembled from the
// [l1]/[l2]/[ttl]/[performance] TOML sections of spec.md §6.
type Config struct {
	L1      l1.Config
	L2      l2.Config
	L2Store store.Config
	TTL     ttl.Config
	Codec   codec.Config

	EnableL2            bool
	LargeValueThreshold int64
	L2WriteStrategy     WriteStrategy
	L2WriteThreshold    int64
	L2WriteTTLThreshold int64

	StatsInterval          time.Duration
	PerformanceLogInterval time.Duration
}

func DefaultConfig(dataDir string) Config {
	return Config{
		L1:                     l1.DefaultConfig(),
		L2:                     l2.DefaultConfig(),
		L2Store:                store.DefaultConfig(dataDir),
		TTL:                    ttl.DefaultConfig(),
		Codec:                  codec.DefaultConfig(),
		EnableL2:               true,
		LargeValueThreshold:    1 << 20,
		L2WriteStrategy:        Adaptive,
		L2WriteThreshold:       64 << 10,
		L2WriteTTLThreshold:    3600,
		StatsInterval:          10 * time.Second,
		PerformanceLogInterval: 60 * time.Second,
	}
}

// Options is the per-call override record of spec.md §4.6.
type Options struct {
	TTLSeconds       int64
	HasTTL           bool
	ForceL2          bool
	SkipL1           bool
	CompressOverride *bool
}

// Facade is the cache's single entry point. It operates with L2 disabled
// (L2 calls become no-ops) when Config.EnableL2 is false — the resolution
// spec.md §9's first Open Question calls for, grounded on the teacher's
// cache_service.go IsEnabled()-guarded construction.
type Facade struct {
	cfg    Config
	logger *logrus.Logger

	l1     *l1.Tier
	l2     *l2.Tier
	st     *store.Store
	cd     *codec.Codec
	ttlMgr *ttl.Manager

	metrics *Metrics

	runningMu sync.RWMutex
	running   bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Facade. If cfg.EnableL2 is false, the persistent tier is
// never opened and every L2-touching path becomes a no-op.
func New(cfg Config, logger *logrus.Logger, reg MetricsRegisterer) (*Facade, error) {
	if logger == nil {
		logger = logrus.New()
	}

	ttlMgr := ttl.New(cfg.TTL, logger)

	f := &Facade{
		cfg:     cfg,
		logger:  logger,
		ttlMgr:  ttlMgr,
		metrics: NewMetrics(reg),
	}
	f.l1 = l1.New(cfg.L1, ttlMgr, logger)

	if cfg.EnableL2 {
		st, err := store.Open(cfg.L2Store)
		if err != nil {
			return nil, err
		}
		cd, err := codec.New(cfg.Codec)
		if err != nil {
			st.Close()
			return nil, err
		}
		f.st = st
		f.cd = cd
		f.l2 = l2.New(cfg.L2, st, cd, logger)
	}

	ttlMgr.SetDeleteFunc(f.onExpire)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.group, f.ctx = errgroup.WithContext(ctx)

	f.runningMu.Lock()
	f.running = true
	f.runningMu.Unlock()

	ttlMgr.Start()
	f.group.Go(f.statsPublisherLoop)
	f.group.Go(f.performanceLoggerLoop)

	return f, nil
}

// IsEnabled reports whether the L2 persistent tier is active.
func (f *Facade) IsEnabled() bool { return f.cfg.EnableL2 }

func (f *Facade) isRunning() bool {
	f.runningMu.RLock()
	defer f.runningMu.RUnlock()
	return f.running
}

// onExpire is the TTL sweeper's deletion callback: remove from both tiers.
func (f *Facade) onExpire(key string) {
	f.l1.Delete(key)
	if f.l2 != nil {
		if _, err := f.l2.Delete(key); err != nil {
			f.logger.WithError(err).WithField("key", key).Debug("facade: l2 delete during sweep failed")
		}
	}
}

// Get implements the read path of spec.md §4.6.
func (f *Facade) Get(key string, opts Options) ([]byte, bool, error) {
	if f.ttlMgr.IsExpired(key) {
		f.onExpire(key)
		f.ttlMgr.Remove(key)
		return nil, false, nil
	}

	if !opts.SkipL1 {
		if v, ok := f.l1.Get(key); ok {
			f.metrics.L1Hits.Inc()
			return v, true, nil
		}
		f.metrics.L1Misses.Inc()
	}

	if f.l2 == nil {
		f.metrics.Misses.Inc()
		return nil, false, nil
	}

	v, ok, err := f.l2.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		f.metrics.L2Misses.Inc()
		f.metrics.Misses.Inc()
		return nil, false, nil
	}
	f.metrics.L2Hits.Inc()

	if !opts.SkipL1 && !opts.ForceL2 {
		// L1 entries carry no independent expiry field; the TTL manager,
		// already populated from the original write, remains authoritative,
		// so promotion needs no remaining-TTL bookkeeping of its own.
		if err := f.l1.Set(key, v); err != nil {
			f.logger.WithError(err).WithField("key", key).Debug("facade: L1 promotion failed")
		}
	}
	return v, true, nil
}

// Set implements the write path of spec.md §4.6.
func (f *Facade) Set(key string, value []byte, opts Options) error {
	var ttlSeconds int64
	if opts.HasTTL {
		ttlSeconds = opts.TTLSeconds
	}
	if f.cfg.TTL.MaxTTL > 0 && ttlSeconds > f.cfg.TTL.MaxTTL {
		return rerr.InvalidTTLf(ttlSeconds, f.cfg.TTL.MaxTTL)
	}

	large := int64(len(value)) > f.cfg.LargeValueThreshold

	if !large && !opts.SkipL1 && !opts.ForceL2 {
		if err := f.l1.Set(key, value); err != nil {
			return err
		}
	} else if large {
		// Large values bypass L1 entirely (I4); if L1 already holds a stale
		// copy from an earlier, smaller write, it must not linger.
		f.l1.Delete(key)
	}

	if f.shouldWriteL2(value, ttlSeconds, opts) {
		if f.l2 == nil {
			return rerr.Config("l2_write_strategy requires L2 but L2 is disabled")
		}
		expiresAt := int64(0)
		if ttlSeconds > 0 {
			expiresAt = time.Now().Unix() + ttlSeconds
		}
		if err := f.l2.Set(key, value, expiresAt); err != nil {
			return err
		}
	}

	if err := f.ttlMgr.Add(key, ttlSeconds); err != nil {
		return err
	}
	return nil
}

func (f *Facade) shouldWriteL2(value []byte, ttlSeconds int64, opts Options) bool {
	if f.l2 == nil {
		return false
	}
	if opts.ForceL2 {
		return true
	}
	switch f.cfg.L2WriteStrategy {
	case Never:
		return false
	case SizeBased:
		return int64(len(value)) >= f.cfg.L2WriteThreshold
	case TTLBased:
		return ttlSeconds >= f.cfg.L2WriteTTLThreshold
	case Adaptive:
		stats := f.l1.Stats()
		util := 0.0
		if f.cfg.L1.MaxMemory > 0 {
			util = float64(stats.MemoryUsage) / float64(f.cfg.L1.MaxMemory)
		}
		return util > 0.8 || int64(len(value)) >= f.cfg.L2WriteThreshold
	default: // Always
		return true
	}
}

// Delete removes key from both tiers; both attempts are made even if the
// first reports "not present" (spec.md §4.6 Delete path). L1 deletion cannot
// fail, so the returned error, if any, comes from L2.
func (f *Facade) Delete(key string) (bool, error) {
	l1Existed := f.l1.Delete(key)

	var l2Existed bool
	var err error
	if f.l2 != nil {
		l2Existed, err = f.l2.Delete(key)
	}
	f.ttlMgr.Remove(key)

	if l1Existed || l2Existed {
		f.metrics.Invalidations.Inc()
	}
	return l1Existed || l2Existed, err
}

// FacadeStats is a point-in-time snapshot for the protocol front-end's
// "stats" command; it need not be exhaustive (spec.md §9's second Open
// Question only requires well-formed output, not every field populated).
type FacadeStats struct {
	L1EntryCount  int64
	L1MemoryUsage int64
	L2EntryCount  int64
	L2DiskUsage   int64
	L2Reads       int64
	L2Writes      int64
}

func (f *Facade) Stats() FacadeStats {
	l1Stats := f.l1.Stats()
	out := FacadeStats{
		L1EntryCount:  l1Stats.EntryCount,
		L1MemoryUsage: l1Stats.MemoryUsage,
	}
	if f.l2 != nil {
		l2Stats, count := f.l2.Stats()
		out.L2EntryCount = count
		out.L2DiskUsage = f.l2.DiskUsage()
		out.L2Reads = l2Stats.Reads
		out.L2Writes = l2Stats.Writes
	}
	return out
}

// RemainingTTL reports the seconds left before key expires, for callers
// (incr/decr) that need to rewrite a value without resetting its expiry.
func (f *Facade) RemainingTTL(key string) (int64, bool) {
	return f.ttlMgr.RemainingTTL(key)
}

// LiveConfig is the subset of Config that internal/configwatch may apply
// to a running Facade without a restart: L1's capacity bound and eviction
// policy, and the TTL ceiling. Everything else ([l2], sweeper cadence,
// worker counts) takes effect only on the next startup.
type LiveConfig struct {
	L1MaxMemory  int64
	L1MaxEntries int64
	L1Policy     l1.Policy
	TTLMaxTTL    int64
}

// ApplyLiveConfig swaps the safe-to-change-live knobs in place.
func (f *Facade) ApplyLiveConfig(lc LiveConfig) {
	f.l1.SetLiveConfig(lc.L1MaxMemory, lc.L1MaxEntries, lc.L1Policy)
	f.ttlMgr.SetMaxTTL(lc.TTLMaxTTL)
}

// Contains reports presence without copying the payload out.
func (f *Facade) Contains(key string) bool {
	v, ok, _ := f.Get(key, Options{})
	_ = v
	return ok
}

// Keys returns the union of L1 and L2 keys.
func (f *Facade) Keys() ([]string, error) {
	seen := make(map[string]struct{})
	for _, k := range f.l1.Keys() {
		seen[k] = struct{}{}
	}
	if f.l2 != nil {
		l2Keys, err := f.l2.Keys()
		if err != nil {
			return nil, err
		}
		for _, k := range l2Keys {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// Len returns the number of distinct keys across both tiers.
func (f *Facade) Len() (int, error) {
	keys, err := f.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Clear empties both tiers.
func (f *Facade) Clear() error {
	f.l1.Clear()
	if f.l2 != nil {
		return f.l2.Clear()
	}
	return nil
}

// Shutdown stops background tasks, flushes pending L2 metadata writes (by
// waiting for the L2 worker pool to drain), and joins every goroutine.
func (f *Facade) Shutdown() error {
	f.runningMu.Lock()
	f.running = false
	f.runningMu.Unlock()

	f.cancel()
	f.ttlMgr.Stop()

	var errs error
	if err := f.group.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if f.l2 != nil {
		f.l2.Shutdown()
	}
	if f.cd != nil {
		f.cd.Close()
	}
	if f.st != nil {
		if err := f.st.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (f *Facade) statsPublisherLoop() error {
	interval := f.cfg.StatsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return nil
		case <-ticker.C:
			f.publishStats()
		}
	}
}

func (f *Facade) publishStats() {
	l1Stats := f.l1.Stats()
	f.metrics.L1EntryCount.Set(float64(l1Stats.EntryCount))
	f.metrics.L1MemoryUsage.Set(float64(l1Stats.MemoryUsage))

	if f.l2 != nil {
		_, count := f.l2.Stats()
		f.metrics.L2EntryCount.Set(float64(count))
		f.metrics.L2DiskUsage.Set(float64(f.l2.DiskUsage()))
	}
}

func (f *Facade) performanceLoggerLoop() error {
	interval := f.cfg.PerformanceLogInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return nil
		case <-ticker.C:
			l1Stats := f.l1.Stats()
			fields := logrus.Fields{
				"l1_entries": l1Stats.EntryCount,
				"l1_memory":  l1Stats.MemoryUsage,
			}
			if f.l2 != nil {
				l2Stats, count := f.l2.Stats()
				fields["l2_entries"] = count
				fields["l2_reads"] = l2Stats.Reads
				fields["l2_writes"] = l2Stats.Writes
				fields["l2_avg_read_us"] = l2Stats.AvgReadLatencyUs
				fields["l2_avg_write_us"] = l2Stats.AvgWriteLatencyUs
			}
			f.logger.WithFields(fields).Info("cache performance snapshot")
		}
	}
}
