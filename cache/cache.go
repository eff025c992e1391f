/*
Package cache implements the decode cache shared by every level of an open slide.

The cache holds decoded tile buffers keyed by (file, level, tile x, tile y) and is
bounded by a count of tiles rather than bytes, so its memory use is capacity times
the decoded tile size.  Eviction is least-recently-used.  A cache is bound to exactly
one file identity before use and rejects keys of any other file.
*/
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"

	"github.com/janelia-flyem/wsitile/wsi"
)

// DefaultCapacity is the number of decoded tiles held when no capacity is given.
const DefaultCapacity = 2000

var (
	ErrDestroyed    = errors.New("decode cache destroyed")
	ErrUnbound      = errors.New("decode cache not bound to a file")
	ErrAlreadyBound = errors.New("decode cache already bound to a file")
	ErrForeignKey   = errors.New("key belongs to another file")
	ErrCapacity     = errors.New("decode cache capacity must be positive")
)

// Key identifies one decoded tile.
type Key struct {
	File  string
	Level int
	X     int64
	Y     int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d_%d", k.File, k.Level, k.X, k.Y)
}

// Stats reports cache activity since creation.
type Stats struct {
	Capacity  int
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Bytes     int64 // decoded pixel bytes plus key overhead
}

// Cache is a count-bounded LRU of decoded tile buffers.  It is safe for concurrent use.
// Buffers returned by the cache are shared and must not be modified.
type Cache struct {
	mu        sync.Mutex // guards everything below and the lru
	lru       *lru.Cache
	capacity  int
	file      string
	destroyed bool

	hits      uint64
	misses    uint64
	evictions uint64
	pixBytes  int64
	keyBytes  int64 // approximate memory of one key

	// collapses concurrent decodes of the same tile
	inflight singleflight.Group
}

// New returns an unbound cache holding at most capacity tiles.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, ErrCapacity
	}
	c := &Cache{
		lru:      lru.New(capacity),
		capacity: capacity,
	}
	c.lru.OnEvicted = func(key lru.Key, value interface{}) {
		c.evictions++
		c.pixBytes -= int64(len(value.([]byte)))
	}
	return c, nil
}

// Bind ties the cache to one file identity.  It can only be done once.
func (c *Cache) Bind(file string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	if file == "" {
		return fmt.Errorf("cannot bind decode cache to empty file identity")
	}
	if c.file != "" {
		return ErrAlreadyBound
	}
	c.file = file
	c.keyBytes = int64(size.Of(Key{File: file}))
	wsi.Debugf("Bound decode cache of %d tiles to file %s\n", c.capacity, file)
	return nil
}

// File returns the bound file identity or "" if unbound.
func (c *Cache) File() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file
}

// Capacity returns the maximum number of cached tiles.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Len returns the number of cached tiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0
	}
	return c.lru.Len()
}

// check must be called with the lock held.
func (c *Cache) check(k Key) error {
	if c.destroyed {
		return ErrDestroyed
	}
	if c.file == "" {
		return ErrUnbound
	}
	if k.File != c.file {
		return ErrForeignKey
	}
	return nil
}

// Get returns the cached tile for the key, if present.
func (c *Cache) Get(k Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.check(k) != nil {
		return nil, false
	}
	if v, found := c.lru.Get(k); found {
		c.hits++
		return v.([]byte), true
	}
	c.misses++
	return nil, false
}

// GetOrDecode returns the cached tile for the key or, on a miss, calls decode and
// caches its result.  Concurrent callers missing on the same key share a single
// decode call.
func (c *Cache) GetOrDecode(k Key, decode func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if err := c.check(k); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if v, found := c.lru.Get(k); found {
		c.hits++
		c.mu.Unlock()
		return v.([]byte), nil
	}
	c.misses++
	c.mu.Unlock()

	v, err := c.inflight.Do(k.String(), func() (interface{}, error) {
		// A decode that finished between our miss and this call already inserted the tile.
		c.mu.Lock()
		if v, found := c.lru.Get(k); found {
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()

		data, err := decode()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.destroyed {
			return nil, ErrDestroyed
		}
		c.lru.Add(k, data)
		c.pixBytes += int64(len(data))
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if !c.destroyed {
		s.Entries = c.lru.Len()
		s.Bytes = c.pixBytes + int64(s.Entries)*c.keyBytes
	}
	return s
}

// Destroy drops all cached tiles.  Every later call on the cache fails with
// ErrDestroyed, including a second Destroy.
func (c *Cache) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	c.destroyed = true
	c.lru.OnEvicted = nil
	c.lru.Clear()
	c.pixBytes = 0
	wsi.Debugf("Destroyed decode cache for file %s: %d hits, %d misses, %d evictions\n",
		c.file, c.hits, c.misses, c.evictions)
	return nil
}
