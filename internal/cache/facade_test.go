package cache

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestMain guards against leaking the TTL sweeper, stats publisher or
// performance-logger goroutines a Facade starts; every test here relies on
// t.Cleanup(f.Shutdown) to stop them before the process exits.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestFacade(t *testing.T, mutate func(*Config)) *Facade {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { f.Shutdown() })
	return f
}

func TestSetGet(t *testing.T) {
	f := newTestFacade(t, nil)

	if err := f.Set("k", []byte("v"), Options{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := f.Get("k", Options{})
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get: v=%s ok=%v err=%v", v, ok, err)
	}
}

func TestSetDeleteGet(t *testing.T) {
	f := newTestFacade(t, nil)

	_ = f.Set("k", []byte("v"), Options{})
	existed, err := f.Delete("k")
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}

	_, ok, _ := f.Get("k", Options{})
	if ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newTestFacade(t, nil)
	_ = f.Set("k", []byte("v"), Options{})

	first, _ := f.Delete("k")
	second, _ := f.Delete("k")
	if !first || second {
		t.Fatalf("expected true then false, got %v then %v", first, second)
	}
}

func TestLastWriteWins(t *testing.T) {
	f := newTestFacade(t, nil)

	_ = f.Set("k", []byte("first"), Options{})
	_ = f.Set("k", []byte("second"), Options{})

	v, ok, _ := f.Get("k", Options{})
	if !ok || string(v) != "second" {
		t.Fatalf("expected 'second', got %q", v)
	}
}

func TestClearEmptiesBothTiers(t *testing.T) {
	f := newTestFacade(t, func(c *Config) { c.L2WriteStrategy = Always })

	_ = f.Set("a", []byte("1"), Options{})
	_ = f.Set("b", []byte("2"), Options{})

	if err := f.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	n, err := f.Len()
	if err != nil || n != 0 {
		t.Fatalf("expected 0 keys after Clear, got %d err=%v", n, err)
	}
}

func TestTTLExpiryRemovesKey(t *testing.T) {
	f := newTestFacade(t, nil)

	if err := f.Set("k", []byte("v"), Options{HasTTL: true, TTLSeconds: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	_, ok, _ := f.Get("k", Options{})
	if ok {
		t.Fatalf("expected key expired")
	}
}

func TestLargeValueBypassesL1(t *testing.T) {
	f := newTestFacade(t, func(c *Config) {
		c.LargeValueThreshold = 16
		c.L2WriteStrategy = Always
	})

	big := make([]byte, 1024)
	if err := f.Set("k", big, Options{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	l1Keys := f.l1.Keys()
	for _, k := range l1Keys {
		if k == "k" {
			t.Fatalf("expected large value to bypass L1")
		}
	}

	v, ok, err := f.Get("k", Options{})
	if err != nil || !ok || len(v) != len(big) {
		t.Fatalf("expected to read back the large value from L2, ok=%v err=%v", ok, err)
	}
}

func TestEvictionUnderMemoryPressure(t *testing.T) {
	f := newTestFacade(t, func(c *Config) {
		c.L1.MaxMemory = 1024
		c.L1.MaxEntries = 5
		c.LargeValueThreshold = 1 << 20 // keep everything eligible for L1
	})

	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		if err := f.Set(key, make([]byte, 200), Options{}); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}

	stats := f.l1.Stats()
	if stats.EntryCount > 5 {
		t.Fatalf("expected at most 5 L1 entries under memory pressure, got %d", stats.EntryCount)
	}
}

func TestFacadeOperatesWithL2Disabled(t *testing.T) {
	f := newTestFacade(t, func(c *Config) { c.EnableL2 = false })

	if f.IsEnabled() {
		t.Fatalf("expected IsEnabled() false")
	}
	if err := f.Set("k", []byte("v"), Options{}); err != nil {
		t.Fatalf("Set with L2 disabled: %v", err)
	}
	v, ok, err := f.Get("k", Options{})
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get with L2 disabled: v=%s ok=%v err=%v", v, ok, err)
	}
}

func TestSkipL1ReadsFromL2(t *testing.T) {
	f := newTestFacade(t, func(c *Config) { c.L2WriteStrategy = Always })

	_ = f.Set("k", []byte("v"), Options{})
	f.l1.Delete("k") // simulate L1 eviction, leaving only L2

	v, ok, err := f.Get("k", Options{SkipL1: true})
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get(SkipL1): v=%s ok=%v err=%v", v, ok, err)
	}
}
