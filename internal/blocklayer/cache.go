package blocklayer

import (
	"container/list"
	"sync"

	"github.com/mwatts/acid-store/internal/codec"
)

// DefaultCacheSize is the number of decoded chunks kept resident by
// default.
const DefaultCacheSize = 256

// cache is a bounded, strong-reference LRU of decoded plaintext keyed by
// digest, standing in for the weak-reference-table-plus-small-LRU design
// the plaintext cache calls for: Go has no usable weak references, so
// reclamation here is explicit eviction on insert rather than GC-observed
// liveness. Capacity bounds the worst case instead of memory pressure
// driving it.
type cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[codec.Digest]*list.Element
}

type cacheEntry struct {
	digest    codec.Digest
	plaintext []byte
}

func newCache(capacity int) *cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[codec.Digest]*list.Element, capacity),
	}
}

// get returns the cached plaintext for digest, promoting it to
// most-recently-used, or (nil, false) on a miss.
func (c *cache) get(digest codec.Digest) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[digest]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).plaintext, true
}

// put inserts or refreshes digest's plaintext, evicting the
// least-recently-used entry if the cache is over capacity.
func (c *cache) put(digest codec.Digest, plaintext []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[digest]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).plaintext = plaintext
		return
	}
	el := c.ll.PushFront(&cacheEntry{digest: digest, plaintext: plaintext})
	c.items[digest] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).digest)
	}
}

// evict drops digest from the cache, e.g. after Release frees its block.
func (c *cache) evict(digest codec.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[digest]; ok {
		c.ll.Remove(el)
		delete(c.items, digest)
	}
}
