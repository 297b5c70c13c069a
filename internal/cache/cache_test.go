package cache

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests advance cache time without sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(capacity int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := New(capacity, time.Minute)
	c.now = clock.now
	return c, clock
}

func TestCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache(10)

	c.Set("file:abc", "value")

	got, ok := c.Get("file:abc")
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if got != "value" {
		t.Errorf("Get: got %v, want %q", got, "value")
	}

	if _, ok := c.Get("file:missing"); ok {
		t.Error("Get returned ok for missing key")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock := newTestCache(10)

	c.SetTTL("files:list:u1:root", []string{"a"}, 30*time.Second)

	clock.advance(29 * time.Second)
	if _, ok := c.Get("files:list:u1:root"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	clock.advance(2 * time.Second)
	if _, ok := c.Get("files:list:u1:root"); ok {
		t.Fatal("entry survived past its TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed: Len = %d", c.Len())
	}
}

func TestCache_SetResetsTTL(t *testing.T) {
	c, clock := newTestCache(10)

	c.SetTTL("k", 1, 30*time.Second)
	clock.advance(20 * time.Second)
	c.SetTTL("k", 2, 30*time.Second)
	clock.advance(20 * time.Second)

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("rewritten entry expired on the old clock")
	}
	if got != 2 {
		t.Errorf("Get: got %v, want 2", got)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c, _ := newTestCache(3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the least recently used.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get a")
	}

	c.Set("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry survived eviction")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("entry %q evicted unexpectedly", key)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
}

func TestCache_EvictionKeepsCapacityUnderChurn(t *testing.T) {
	c, _ := newTestCache(5)

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
		if c.Len() > 5 {
			t.Fatalf("Len = %d after %d inserts, capacity 5", c.Len(), i+1)
		}
	}
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(10)

	c.Set("k", 1)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("deleted entry still present")
	}

	// Deleting a missing key is a no-op.
	c.Delete("missing")
}

func TestCache_InvalidateByPrefix(t *testing.T) {
	c, _ := newTestCache(10)

	c.Set("files:list:u1:root", 1)
	c.Set("files:list:u1:f1", 2)
	c.Set("files:list:u2:root", 3)
	c.Set("folder:size:f1", 4)

	n := c.InvalidateByPrefix("files:list:u1:")
	if n != 2 {
		t.Errorf("InvalidateByPrefix: got %d, want 2", n)
	}
	if _, ok := c.Get("files:list:u1:root"); ok {
		t.Error("invalidated entry still present")
	}
	if _, ok := c.Get("files:list:u2:root"); !ok {
		t.Error("unrelated owner's entry was invalidated")
	}
	if _, ok := c.Get("folder:size:f1"); !ok {
		t.Error("unrelated class entry was invalidated")
	}
}

func TestCache_InvalidateByPrefixEmptyClearsAll(t *testing.T) {
	c, _ := newTestCache(10)

	c.Set("a", 1)
	c.Set("b", 2)

	if n := c.InvalidateByPrefix(""); n != 2 {
		t.Errorf("InvalidateByPrefix(\"\"): got %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestKeyClass(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"files:list:u1:root", "files"},
		{"folder:size:f1", "folder"},
		{"download:u1/abc.png", "download"},
		{"bare", "other"},
	}
	for _, tt := range tests {
		if got := keyClass(tt.key); got != tt.want {
			t.Errorf("keyClass(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestKeys_RootPlaceholder(t *testing.T) {
	if got := FileListKey("u1", ""); got != "files:list:u1:root" {
		t.Errorf("FileListKey: got %q", got)
	}
	if got := FileListKey("u1", "f1"); got != "files:list:u1:f1" {
		t.Errorf("FileListKey: got %q", got)
	}
	if got := FolderListKey("u1", ""); got != "folders:list:u1:root" {
		t.Errorf("FolderListKey: got %q", got)
	}
}
