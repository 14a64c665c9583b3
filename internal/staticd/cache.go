package staticd

import (
	"bytes"
	"io/fs"
	"os"
	"sync"
	"time"
)

type cacheItem struct {
	key  string
	ent  CacheEntry
	prev *cacheItem
	next *cacheItem
}

// ContentCache keeps small file bodies keyed by resolved path. Eviction is
// by insertion order: the oldest inserted entry goes first, reads do not
// reorder. Entries are checked against the file's mtime and size on every
// Get.
type ContentCache struct {
	maxEntries  int
	maxBodySize int64
	stat        func(string) (fs.FileInfo, error)

	mu    sync.Mutex
	items map[string]*cacheItem
	head  *cacheItem // newest
	tail  *cacheItem // oldest
	total int64
}

func NewContentCache(maxEntries int, maxBodySize int64) *ContentCache {
	return &ContentCache{
		maxEntries:  maxEntries,
		maxBodySize: maxBodySize,
		stat:        os.Stat,
		items:       map[string]*cacheItem{},
	}
}

// MaxBodySize is the largest body Put accepts.
func (c *ContentCache) MaxBodySize() int64 { return c.maxBodySize }

// Get returns a copy of the entry for path if it is still fresh. A stale
// entry is dropped and reported as a miss.
func (c *ContentCache) Get(path string) (CacheEntry, bool) {
	c.mu.Lock()
	it, ok := c.items[path]
	c.mu.Unlock()
	if !ok {
		return CacheEntry{}, false
	}

	st, err := c.stat(path)
	if err != nil || !st.Mode().IsRegular() || !st.ModTime().Equal(it.ent.ModTime) || st.Size() != int64(len(it.ent.Body)) {
		c.mu.Lock()
		// only drop the item we validated; a concurrent Put may have replaced it
		if cur, ok := c.items[path]; ok && cur == it {
			c.unlink(it)
		}
		c.mu.Unlock()
		return CacheEntry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.items[path]; !ok || cur != it {
		return CacheEntry{}, false
	}
	ent := it.ent
	ent.Body = bytes.Clone(it.ent.Body)
	return ent, true
}

// Put stores body for path. Bodies over the size limit are refused and
// false is returned. An existing entry for path is replaced and becomes the
// newest.
func (c *ContentCache) Put(path string, body []byte, mime string, modTime time.Time) bool {
	if c.maxEntries <= 0 || int64(len(body)) > c.maxBodySize {
		return false
	}
	ent := CacheEntry{
		Path:     path,
		Body:     bytes.Clone(body),
		MIME:     mime,
		ModTime:  modTime,
		CachedAt: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[path]; ok {
		c.unlink(it)
	}
	for len(c.items) >= c.maxEntries && c.tail != nil {
		c.unlink(c.tail)
	}

	it := &cacheItem{key: path, ent: ent}
	c.items[path] = it
	c.addToFront(it)
	c.total += int64(len(ent.Body))
	return true
}

func (c *ContentCache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[path]; ok {
		c.unlink(it)
	}
}

func (c *ContentCache) Contains(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[path]
	return ok
}

func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// TotalSize is the sum of cached body lengths.
func (c *ContentCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Keys lists cached paths from oldest to newest.
func (c *ContentCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for it := c.tail; it != nil; it = it.prev {
		out = append(out, it.key)
	}
	return out
}

func (c *ContentCache) unlink(it *cacheItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= int64(len(it.ent.Body))
}

func (c *ContentCache) addToFront(it *cacheItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ContentCache) remove(it *cacheItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}
