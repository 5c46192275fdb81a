package configwatch

import (
	"github.com/sirupsen/logrus"

	"github.com/ratcache/ratmemcached/internal/cache"
	"github.com/ratcache/ratmemcached/internal/config"
	"github.com/ratcache/ratmemcached/internal/l1"
)

// Reloader ties the generic file Watcher to this repo's reload policy: it
// re-reads and re-validates the TOML file, applies the [l1]/[ttl] knobs
// that are safe to change live to the running Facade, and logs (without
// applying) any change to the [l2] knobs that require a restart.
type Reloader struct {
	path    string
	dataDir string
	facade  *cache.Facade
	logger  *logrus.Logger

	last config.File
}

// NewReloader captures the config as loaded at startup, so a later reload
// can diff against it to detect restart-only changes.
func NewReloader(path, dataDir string, facade *cache.Facade, logger *logrus.Logger, startup config.File) *Reloader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reloader{path: path, dataDir: dataDir, facade: facade, logger: logger, last: startup}
}

// Watch builds and starts a Watcher bound to this reloader's OnChange.
func (r *Reloader) Watch() (*Watcher, error) {
	w, err := NewWatcher([]string{r.path}, r.OnChange)
	if err != nil {
		return nil, err
	}
	w.Start()
	return w, nil
}

// OnChange is the Watcher callback: reload, validate, apply the live-safe
// subset, warn about the rest. A bad edit (parse or validation failure)
// is logged and otherwise ignored — the server keeps running on the last
// good config rather than crashing on a typo.
func (r *Reloader) OnChange(path string) {
	next, err := config.Load(r.path, r.dataDir)
	if err != nil {
		r.logger.WithError(err).Warn("configwatch: reload failed, keeping previous config")
		return
	}

	if next.L2.DataDir != r.last.L2.DataDir || next.L2.EnableL2Cache != r.last.L2.EnableL2Cache {
		r.logger.Warn("configwatch: l2.data_dir / l2.enable_l2_cache changed on disk; ignored, restart required")
	}

	r.facade.ApplyLiveConfig(cache.LiveConfig{
		L1MaxMemory:  next.L1.MaxMemory,
		L1MaxEntries: next.L1.MaxEntries,
		L1Policy:     l1.ParsePolicy(next.L1.EvictionStrategy),
		TTLMaxTTL:    next.TTL.MaxTTL,
	})

	r.logger.WithFields(logrus.Fields{
		"max_memory":  next.L1.MaxMemory,
		"max_entries": next.L1.MaxEntries,
		"policy":      next.L1.EvictionStrategy,
		"max_ttl":     next.TTL.MaxTTL,
	}).Info("configwatch: applied live config reload")

	r.last = next
}
