package middlewares

import (
	"testing"
	"time"
)

func TestPresetCachePutAndGet(t *testing.T) {
	cache := NewPresetCache(t.TempDir(), time.Hour)

	preset := &Preset{Version: "1.0", URLScheme: "https://hooks.example.com/{id}"}
	if err := cache.Put("https://example.com/slack.yaml", preset); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	got, err := cache.Get("https://example.com/slack.yaml")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Version != "1.0" {
		t.Errorf("expected cached preset version 1.0, got %q", got.Version)
	}
}

func TestPresetCacheMissReturnsError(t *testing.T) {
	cache := NewPresetCache(t.TempDir(), time.Hour)
	if _, err := cache.Get("https://example.com/missing.yaml"); err == nil {
		t.Error("expected a cache miss to return an error")
	}
}

func TestPresetCacheExpiredEntryIsEvicted(t *testing.T) {
	dir := t.TempDir()
	cache := NewPresetCache(dir, -time.Second)

	preset := &Preset{Version: "1.0", URLScheme: "https://hooks.example.com/{id}"}
	if err := cache.Put("https://example.com/slack.yaml", preset); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	// Force a read from disk by dropping the memory cache.
	cache.mu.Lock()
	cache.memory = make(map[string]*cachedPreset)
	cache.mu.Unlock()

	if _, err := cache.Get("https://example.com/slack.yaml"); err == nil {
		t.Error("expected an expired cache entry to be treated as a miss")
	}
}

func TestPresetCacheInvalidate(t *testing.T) {
	cache := NewPresetCache(t.TempDir(), time.Hour)
	url := "https://example.com/slack.yaml"

	_ = cache.Put(url, &Preset{Version: "1.0", URLScheme: "https://hooks.example.com/{id}"})
	cache.Invalidate(url)

	if _, err := cache.Get(url); err == nil {
		t.Error("expected invalidated entry to be a cache miss")
	}
}

func TestPresetCacheClear(t *testing.T) {
	cache := NewPresetCache(t.TempDir(), time.Hour)

	_ = cache.Put("https://example.com/a.yaml", &Preset{Version: "1.0", URLScheme: "https://hooks.example.com/{id}"})
	_ = cache.Put("https://example.com/b.yaml", &Preset{Version: "1.0", URLScheme: "https://hooks.example.com/{id}"})

	if err := cache.Clear(); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}

	stats := cache.Stats()
	if stats.MemoryEntries != 0 || stats.DiskEntries != 0 {
		t.Errorf("expected empty cache after Clear, got %+v", stats)
	}
}

func TestPresetCacheCleanupRemovesExpiredDiskEntries(t *testing.T) {
	cache := NewPresetCache(t.TempDir(), -time.Second)

	_ = cache.Put("https://example.com/a.yaml", &Preset{Version: "1.0", URLScheme: "https://hooks.example.com/{id}"})

	if err := cache.Cleanup(); err != nil {
		t.Fatalf("Cleanup returned error: %v", err)
	}

	stats := cache.Stats()
	if stats.DiskEntries != 0 {
		t.Errorf("expected Cleanup to remove expired disk entries, got %+v", stats)
	}
}

func TestPresetCacheStatsCountsEntries(t *testing.T) {
	cache := NewPresetCache(t.TempDir(), time.Hour)

	_ = cache.Put("https://example.com/a.yaml", &Preset{Version: "1.0", URLScheme: "https://hooks.example.com/{id}"})
	_ = cache.Put("https://example.com/b.yaml", &Preset{Version: "1.0", URLScheme: "https://hooks.example.com/{id}"})

	stats := cache.Stats()
	if stats.MemoryEntries != 2 || stats.DiskEntries != 2 {
		t.Errorf("expected 2 memory and 2 disk entries, got %+v", stats)
	}
}

func TestIsMetaFile(t *testing.T) {
	if !isMetaFile("abc123.meta.yaml") {
		t.Error("expected a .meta.yaml file to be recognized")
	}
	if isMetaFile("abc123.yaml") {
		t.Error("did not expect a plain .yaml file to be recognized as metadata")
	}
}
