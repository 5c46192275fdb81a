package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rat_memcached.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesOverridesOverDefaults(t *testing.T) {
	path := writeTemp(t, `
[l1]
max_memory = 2048
eviction_strategy = "LFU"

[l2]
max_disk_size = 4096
compression_level = 5
`)
	f, err := Load(path, t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.L1.MaxMemory != 2048 {
		t.Fatalf("expected overridden max_memory, got %d", f.L1.MaxMemory)
	}
	if f.L1.MaxEntries != 100_000 {
		t.Fatalf("expected default max_entries to survive, got %d", f.L1.MaxEntries)
	}
	if f.L2.CompressionLevel != 5 {
		t.Fatalf("expected overridden compression_level, got %d", f.L2.CompressionLevel)
	}
}

func TestLoadRejectsZeroMaxMemory(t *testing.T) {
	path := writeTemp(t, "[l1]\nmax_memory = 0\n")
	if _, err := Load(path, t.TempDir()); err == nil {
		t.Fatalf("expected validation error for max_memory = 0")
	}
}

func TestLoadRejectsOutOfRangeCompressionLevel(t *testing.T) {
	path := writeTemp(t, "[l2]\ncompression_level = 13\n")
	if _, err := Load(path, t.TempDir()); err == nil {
		t.Fatalf("expected validation error for compression_level out of range")
	}
}

func TestLoadRejectsExpireExceedingMaxTTL(t *testing.T) {
	path := writeTemp(t, "[ttl]\nexpire_seconds = 100\nmax_ttl = 10\n")
	if _, err := Load(path, t.TempDir()); err == nil {
		t.Fatalf("expected validation error for expire_seconds > max_ttl")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml"), t.TempDir()); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestToFacadeConfigTranslatesFields(t *testing.T) {
	f := Default(t.TempDir())
	f.L1.MaxMemory = 8192
	f.L2.L2WriteStrategy = "never"

	cfg := f.ToFacadeConfig()
	if cfg.L1.MaxMemory != 8192 {
		t.Fatalf("expected translated max_memory, got %d", cfg.L1.MaxMemory)
	}
	if !cfg.EnableL2 {
		t.Fatalf("expected L2 enabled by default")
	}
}
