package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is the stored shape of one cached value, shared by both tiers. The
// disk tier serializes it verbatim.
type Entry struct {
	Value     []byte    `json:"value"`
	Digest    string    `json:"digest,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e *Entry) approxBytes() int64 {
	return int64(len(e.Value)) + int64(len(e.Digest)) + 64
}

// Cache is a two-tier cache: a size-bounded in-memory LRU in front of a
// content-addressed on-disk tier. A singleflight.Group coalesces concurrent
// computations for the same key.
type Cache struct {
	mem      *lru.Cache[string, *Entry]
	dir      string
	maxBytes int64

	mu    sync.Mutex // guards bytes accounting
	bytes int64

	group singleflight.Group
}

// New creates a Cache with the given entry cap, approximate byte cap, and
// disk directory. An empty dir disables the disk tier.
func New(maxEntries int, maxBytes int64, dir string) (*Cache, error) {
	c := &Cache{dir: dir, maxBytes: maxBytes}
	mem, err := lru.NewWithEvict[string, *Entry](maxEntries, func(_ string, e *Entry) {
		c.mu.Lock()
		c.bytes -= e.approxBytes()
		c.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("new lru: %w", err)
	}
	c.mem = mem
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cache dir: %w", err)
		}
	}
	return c, nil
}

// Get returns the cached value for key if present, unexpired, and (when
// expectedDigest is non-empty) carrying a matching digest. Disk entries with
// a digest mismatch are invalidated silently.
func (c *Cache) Get(key, expectedDigest string) ([]byte, bool) {
	now := time.Now()

	if e, ok := c.mem.Get(key); ok {
		if e.expired(now) || digestMismatch(e.Digest, expectedDigest) {
			c.mem.Remove(key)
		} else {
			return e.Value, true
		}
	}

	e := c.readDisk(key)
	if e == nil {
		return nil, false
	}
	if e.expired(now) || digestMismatch(e.Digest, expectedDigest) {
		os.Remove(c.diskPath(key)) // best effort
		return nil, false
	}
	c.addMem(key, e)
	return e.Value, true
}

// Put stores a value in both tiers with the given TTL. Disk write failures
// are ignored; the memory tier alone still serves the entry.
func (c *Cache) Put(key string, value []byte, digest string, ttl time.Duration) {
	now := time.Now()
	e := &Entry{
		Value:     value,
		Digest:    digest,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	c.addMem(key, e)
	c.writeDisk(key, e)
}

// GetOrCompute returns the cached value for key or computes it via factory.
// Concurrent callers for the same key coalesce: only one factory invocation
// proceeds per key per effective value. The cache is re-checked after the
// per-key lock is acquired.
func (c *Cache) GetOrCompute(ctx context.Context, key, expectedDigest string, ttl time.Duration, factory func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(key, expectedDigest); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Double-checked: a concurrent caller may have populated the
		// entry while we waited on the flight lock.
		if v, ok := c.Get(key, expectedDigest); ok {
			return v, nil
		}
		value, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, value, expectedDigest, ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Cleanup removes expired entries from the memory tier. The disk tier is
// left to the filesystem or an external process.
func (c *Cache) Cleanup() int {
	now := time.Now()
	removed := 0
	for _, key := range c.mem.Keys() {
		if e, ok := c.mem.Peek(key); ok && e.expired(now) {
			c.mem.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries in the memory tier.
func (c *Cache) Len() int {
	return c.mem.Len()
}

// Bytes returns the approximate byte footprint of the memory tier.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Cache) addMem(key string, e *Entry) {
	if old, ok := c.mem.Peek(key); ok {
		c.mu.Lock()
		c.bytes -= old.approxBytes()
		c.mu.Unlock()
		// Peek+Add replaces without firing the evict callback for the
		// overwritten value in lru/v2, so account for it here.
	}
	c.mem.Add(key, e)
	c.mu.Lock()
	c.bytes += e.approxBytes()
	over := c.maxBytes > 0 && c.bytes > c.maxBytes
	c.mu.Unlock()

	for over && c.mem.Len() > 1 {
		c.mem.RemoveOldest()
		c.mu.Lock()
		over = c.bytes > c.maxBytes
		c.mu.Unlock()
	}
}

func digestMismatch(have, want string) bool {
	return want != "" && have != "" && have != want
}

func (c *Cache) diskPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexKey := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, hexKey[:2], hexKey+".bin")
}

func (c *Cache) readDisk(key string) *Entry {
	if c.dir == "" {
		return nil
	}
	data, err := os.ReadFile(c.diskPath(key))
	if err != nil {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		os.Remove(c.diskPath(key)) // corrupt entry
		return nil
	}
	return &e
}

func (c *Cache) writeDisk(key string, e *Entry) {
	if c.dir == "" {
		return
	}
	path := c.diskPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	os.Rename(tmp, path)
}
