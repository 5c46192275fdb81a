// Package config loads and validates the TOML configuration file described
// in spec.md §6, translating it into the construction-time configs each
// internal package expects.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ratcache/ratmemcached/internal/cache"
	"github.com/ratcache/ratmemcached/internal/codec"
	"github.com/ratcache/ratmemcached/internal/l1"
	"github.com/ratcache/ratmemcached/internal/l2"
	"github.com/ratcache/ratmemcached/internal/rerr"
	"github.com/ratcache/ratmemcached/internal/store"
	"github.com/ratcache/ratmemcached/internal/ttl"
)

// DefaultFileName is the config file looked for in the working directory
// when --config is omitted (spec.md §6).
const DefaultFileName = "rat_memcached.toml"

// File is the on-disk TOML schema, one section per [table] in spec.md §6.
// Not every RocksDB-style L2 knob named there applies to the bbolt-backed
// adapter this repo uses; unapplied fields are still accepted (so a config
// file written against the full schema loads without error) but are
// otherwise inert — see DESIGN.md.
type File struct {
	L1 struct {
		MaxMemory        int64  `toml:"max_memory"`
		MaxEntries       int64  `toml:"max_entries"`
		EvictionStrategy string `toml:"eviction_strategy"`
	} `toml:"l1"`

	L2 struct {
		EnableL2Cache           bool   `toml:"enable_l2_cache"`
		DataDir                 string `toml:"data_dir"`
		ClearOnStartup          bool   `toml:"clear_on_startup"`
		MaxDiskSize             int64  `toml:"max_disk_size"`
		WriteBufferSize         int64  `toml:"write_buffer_size"`
		BlockCacheSize          int    `toml:"block_cache_size"`
		BackgroundThreads       int    `toml:"background_threads"`
		EnableLZ4               bool   `toml:"enable_lz4"`
		CompressionThreshold    int    `toml:"compression_threshold"`
		CompressionMaxThreshold int    `toml:"compression_max_threshold"`
		CompressionLevel        int    `toml:"compression_level"`
		CacheSizeMB             int    `toml:"cache_size_mb"`
		MaxFileSizeMB           int    `toml:"max_file_size_mb"`
		SmartFlushEnabled       bool   `toml:"smart_flush_enabled"`
		SmartFlushIntervalMs    int    `toml:"smart_flush_interval_ms"`
		CacheWarmupStrategy     string `toml:"cache_warmup_strategy"`
		L2WriteStrategy         string `toml:"l2_write_strategy"`
		L2WriteThreshold        int64  `toml:"l2_write_threshold"`
		L2WriteTTLThreshold     int64  `toml:"l2_write_ttl_threshold"`
	} `toml:"l2"`

	TTL struct {
		ExpireSeconds     int64 `toml:"expire_seconds"`
		MaxTTL            int64 `toml:"max_ttl"`
		CleanupIntervalMs int64 `toml:"cleanup_interval"`
		MaxCleanupEntries int   `toml:"max_cleanup_entries"`
		LazyExpiration    bool  `toml:"lazy_expiration"`
		ActiveExpiration  bool  `toml:"active_expiration"`
	} `toml:"ttl"`

	Performance struct {
		WorkerThreads       int   `toml:"worker_threads"`
		EnableConcurrency   bool  `toml:"enable_concurrency"`
		ReadWriteSeparation bool  `toml:"read_write_separation"`
		BatchSize           int   `toml:"batch_size"`
		LargeValueThreshold int64 `toml:"large_value_threshold"`
	} `toml:"performance"`
}

// Default returns the schema populated with this repo's defaults, so a
// config file only needs to declare the keys it overrides.
func Default(dataDir string) File {
	var f File
	f.L1.MaxMemory = 64 << 20
	f.L1.MaxEntries = 100_000
	f.L1.EvictionStrategy = "LRU"

	f.L2.EnableL2Cache = true
	f.L2.DataDir = dataDir
	f.L2.MaxDiskSize = 1 << 30
	f.L2.BackgroundThreads = 4
	f.L2.CompressionThreshold = 64
	f.L2.CompressionMaxThreshold = 1 << 20
	f.L2.CompressionLevel = 3
	f.L2.L2WriteStrategy = "adaptive"
	f.L2.L2WriteThreshold = 64 << 10
	f.L2.L2WriteTTLThreshold = 3600

	f.TTL.MaxTTL = 30 * 24 * 3600
	f.TTL.CleanupIntervalMs = 1000
	f.TTL.MaxCleanupEntries = 1000
	f.TTL.LazyExpiration = true
	f.TTL.ActiveExpiration = true

	f.Performance.WorkerThreads = 4
	f.Performance.EnableConcurrency = true
	f.Performance.LargeValueThreshold = 1 << 20
	return f
}

// Load reads and validates a TOML config file, merging declared keys over
// Default(dataDir)'s baseline.
func Load(path string, dataDir string) (File, error) {
	f := Default(dataDir)

	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, rerr.Config("reading config file: " + err.Error())
	}
	if err := toml.Unmarshal(raw, &f); err != nil {
		return File{}, rerr.Config("parsing config file: " + err.Error())
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate enforces spec.md §6's "strict validation... out-of-range values
// cause startup to fail with a descriptive message" rule.
func (f File) Validate() error {
	if f.L1.MaxMemory <= 0 {
		return rerr.Config("l1.max_memory must be > 0")
	}
	if f.L1.MaxEntries <= 0 {
		return rerr.Config("l1.max_entries must be > 0")
	}
	if f.L2.EnableL2Cache {
		if f.L2.DataDir == "" {
			return rerr.Config("l2.data_dir is required when l2.enable_l2_cache is true")
		}
		if f.L2.MaxDiskSize <= 0 {
			return rerr.Config("l2.max_disk_size must be > 0")
		}
		if f.L2.CompressionLevel < 1 || f.L2.CompressionLevel > 12 {
			return rerr.Config("l2.compression_level must be in [1, 12]")
		}
		if f.L2.CompressionThreshold < 0 || f.L2.CompressionMaxThreshold < f.L2.CompressionThreshold {
			return rerr.Config("l2.compression_max_threshold must be >= l2.compression_threshold")
		}
	}
	if f.TTL.MaxTTL < 0 {
		return rerr.Config("ttl.max_ttl must be >= 0")
	}
	if f.TTL.ExpireSeconds > 0 && f.TTL.MaxTTL > 0 && f.TTL.ExpireSeconds > f.TTL.MaxTTL {
		return rerr.Config("ttl.expire_seconds must not exceed ttl.max_ttl")
	}
	if f.Performance.WorkerThreads <= 0 {
		return rerr.Config("performance.worker_threads must be > 0")
	}
	return nil
}

// ToFacadeConfig builds the Facade construction config the rest of the
// engine consumes, translating TOML field names into Go config structs.
func (f File) ToFacadeConfig() cache.Config {
	cfg := cache.DefaultConfig(f.L2.DataDir)

	cfg.L1 = l1.Config{
		MaxMemory:  f.L1.MaxMemory,
		MaxEntries: f.L1.MaxEntries,
		Policy:     l1.ParsePolicy(f.L1.EvictionStrategy),
		ShardCount: l1.DefaultConfig().ShardCount,
	}

	cfg.EnableL2 = f.L2.EnableL2Cache
	cfg.L2Store = store.Config{
		Path:           f.L2.DataDir,
		BlockCacheSize: f.L2.BlockCacheSize,
		MaxFileSize:    int64(f.L2.MaxFileSizeMB) << 20,
		WarmupOnOpen:   f.L2.CacheWarmupStrategy != "" && f.L2.CacheWarmupStrategy != "none",
		FileMode:       0o600,
	}
	cfg.L2 = l2.Config{
		MaxDiskSize:   f.L2.MaxDiskSize,
		WorkerThreads: f.L2.BackgroundThreads,
		QueueDepth:    l2.DefaultConfig().QueueDepth,
	}
	cfg.Codec = codec.Config{
		MinThreshold: f.L2.CompressionThreshold,
		MaxThreshold: f.L2.CompressionMaxThreshold,
		MinRatio:     codec.DefaultConfig().MinRatio,
		Level:        f.L2.CompressionLevel,
	}
	cfg.L2WriteStrategy = cache.ParseWriteStrategy(f.L2.L2WriteStrategy)
	cfg.L2WriteThreshold = f.L2.L2WriteThreshold
	cfg.L2WriteTTLThreshold = f.L2.L2WriteTTLThreshold

	cfg.TTL = ttl.Config{
		MaxTTL:            f.TTL.MaxTTL,
		CleanupInterval:   time.Duration(f.TTL.CleanupIntervalMs) * time.Millisecond,
		MaxCleanupEntries: f.TTL.MaxCleanupEntries,
		LazyExpiration:    f.TTL.LazyExpiration,
		ActiveExpiration:  f.TTL.ActiveExpiration,
	}

	if f.Performance.LargeValueThreshold > 0 {
		cfg.LargeValueThreshold = f.Performance.LargeValueThreshold
	}
	return cfg
}
