package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/janelia-flyem/go/gocheck"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type CacheSuite struct{}

var _ = Suite(&CacheSuite{})

func tileKey(file string, i int) Key {
	return Key{File: file, Level: i % 3, X: int64(i), Y: int64(i * 2)}
}

func tileData(i int) []byte {
	return []byte(fmt.Sprintf("tile-%04d", i))
}

func newBound(c *C, capacity int) *Cache {
	cache, err := New(capacity)
	c.Assert(err, IsNil)
	c.Assert(cache.Bind("file-a"), IsNil)
	return cache
}

func (s *CacheSuite) TestNewRejectsBadCapacity(c *C) {
	_, err := New(0)
	c.Assert(err, Equals, ErrCapacity)
	_, err = New(-5)
	c.Assert(err, Equals, ErrCapacity)
}

func (s *CacheSuite) TestBindOnce(c *C) {
	cache, err := New(4)
	c.Assert(err, IsNil)

	_, err = cache.GetOrDecode(tileKey("file-a", 0), func() ([]byte, error) { return tileData(0), nil })
	c.Assert(err, Equals, ErrUnbound)

	c.Assert(cache.Bind(""), NotNil)
	c.Assert(cache.Bind("file-a"), IsNil)
	c.Assert(cache.Bind("file-a"), Equals, ErrAlreadyBound)
	c.Assert(cache.Bind("file-b"), Equals, ErrAlreadyBound)
	c.Assert(cache.File(), Equals, "file-a")
}

func (s *CacheSuite) TestForeignKey(c *C) {
	cache := newBound(c, 4)
	_, err := cache.GetOrDecode(tileKey("file-b", 1), func() ([]byte, error) { return tileData(1), nil })
	c.Assert(err, Equals, ErrForeignKey)
	_, found := cache.Get(tileKey("file-b", 1))
	c.Assert(found, Equals, false)
}

func (s *CacheSuite) TestHitDoesNotDecode(c *C) {
	cache := newBound(c, 4)
	var decodes int
	decode := func() ([]byte, error) {
		decodes++
		return tileData(7), nil
	}
	k := tileKey("file-a", 7)
	first, err := cache.GetOrDecode(k, decode)
	c.Assert(err, IsNil)
	second, err := cache.GetOrDecode(k, decode)
	c.Assert(err, IsNil)
	c.Assert(decodes, Equals, 1)
	c.Assert(second, DeepEquals, first)

	stats := cache.Stats()
	c.Assert(stats.Hits, Equals, uint64(1))
	c.Assert(stats.Misses, Equals, uint64(1))
	c.Assert(stats.Entries, Equals, 1)
	c.Assert(stats.Bytes > int64(len(first)), Equals, true)
}

func (s *CacheSuite) TestDecodeErrorNotCached(c *C) {
	cache := newBound(c, 4)
	k := tileKey("file-a", 3)
	_, err := cache.GetOrDecode(k, func() ([]byte, error) { return nil, fmt.Errorf("corrupt tile") })
	c.Assert(err, ErrorMatches, "corrupt tile")
	c.Assert(cache.Len(), Equals, 0)

	data, err := cache.GetOrDecode(k, func() ([]byte, error) { return tileData(3), nil })
	c.Assert(err, IsNil)
	c.Assert(data, DeepEquals, tileData(3))
}

func (s *CacheSuite) TestSequentialEviction(c *C) {
	const capacity = 5
	const total = 12
	cache := newBound(c, capacity)
	for i := 0; i < total; i++ {
		i := i
		_, err := cache.GetOrDecode(tileKey("file-a", i), func() ([]byte, error) { return tileData(i), nil })
		c.Assert(err, IsNil)
		c.Assert(cache.Len() <= capacity, Equals, true)
	}
	c.Assert(cache.Len(), Equals, capacity)
	c.Assert(cache.Stats().Evictions, Equals, uint64(total-capacity))

	// Oldest entries go first under sequential access.
	for i := 0; i < total-capacity; i++ {
		_, found := cache.Get(tileKey("file-a", i))
		c.Assert(found, Equals, false, Commentf("tile %d should have been evicted", i))
	}
	for i := total - capacity; i < total; i++ {
		data, found := cache.Get(tileKey("file-a", i))
		c.Assert(found, Equals, true, Commentf("tile %d should be cached", i))
		c.Assert(data, DeepEquals, tileData(i))
	}
	c.Assert(cache.Stats().Bytes, Equals, int64(capacity*len(tileData(0)))+int64(capacity)*cache.keyBytes)
}

func (s *CacheSuite) TestRecencyProtectsEntry(c *C) {
	cache := newBound(c, 3)
	for i := 0; i < 3; i++ {
		i := i
		cache.GetOrDecode(tileKey("file-a", i), func() ([]byte, error) { return tileData(i), nil })
	}
	_, found := cache.Get(tileKey("file-a", 0))
	c.Assert(found, Equals, true)

	cache.GetOrDecode(tileKey("file-a", 3), func() ([]byte, error) { return tileData(3), nil })
	_, found = cache.Get(tileKey("file-a", 1))
	c.Assert(found, Equals, false)
	_, found = cache.Get(tileKey("file-a", 0))
	c.Assert(found, Equals, true)
}

func (s *CacheSuite) TestDestroy(c *C) {
	cache := newBound(c, 4)
	cache.GetOrDecode(tileKey("file-a", 1), func() ([]byte, error) { return tileData(1), nil })
	c.Assert(cache.Destroy(), IsNil)
	c.Assert(cache.Destroy(), Equals, ErrDestroyed)
	c.Assert(cache.Len(), Equals, 0)
	_, err := cache.GetOrDecode(tileKey("file-a", 1), func() ([]byte, error) { return tileData(1), nil })
	c.Assert(err, Equals, ErrDestroyed)
	c.Assert(cache.Bind("file-c"), Equals, ErrDestroyed)
	c.Assert(cache.Stats().Entries, Equals, 0)
}

func TestConcurrentMissesShareDecode(t *testing.T) {
	cache, err := New(16)
	if err != nil {
		t.Fatalf("unable to create cache: %v\n", err)
	}
	if err := cache.Bind("file-a"); err != nil {
		t.Fatalf("unable to bind cache: %v\n", err)
	}
	var decodes int32
	decode := func() ([]byte, error) {
		atomic.AddInt32(&decodes, 1)
		time.Sleep(20 * time.Millisecond)
		return tileData(5), nil
	}
	k := tileKey("file-a", 5)
	var wg sync.WaitGroup
	results := make([][]byte, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := cache.GetOrDecode(k, decode)
			if err != nil {
				t.Errorf("goroutine %d: %v\n", i, err)
			}
			results[i] = data
		}(i)
	}
	wg.Wait()
	if n := atomic.LoadInt32(&decodes); n != 1 {
		t.Errorf("expected a single decode for racing callers, got %d\n", n)
	}
	for i, data := range results {
		if string(data) != string(tileData(5)) {
			t.Errorf("goroutine %d got %q\n", i, data)
		}
	}
	if cache.Len() != 1 {
		t.Errorf("expected 1 cached tile, got %d\n", cache.Len())
	}
}

func TestConcurrentDistinctTiles(t *testing.T) {
	const capacity = 8
	cache, _ := New(capacity)
	cache.Bind("file-a")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				n := (g*50 + i) % 20
				data, err := cache.GetOrDecode(tileKey("file-a", n), func() ([]byte, error) { return tileData(n), nil })
				if err != nil {
					t.Errorf("tile %d: %v\n", n, err)
					return
				}
				if string(data) != string(tileData(n)) {
					t.Errorf("tile %d: got %q\n", n, data)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if cache.Len() > capacity {
		t.Errorf("cache holds %d tiles, capacity %d\n", cache.Len(), capacity)
	}
}
