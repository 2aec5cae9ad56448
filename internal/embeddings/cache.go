package embeddings

import (
	"container/list"
	"context"
	"sync"

	"github.com/mehmetymw/cdcfed/internal/types"
)

type cacheKey struct {
	id  string
	seq types.Sequence
}

type cacheEntry struct {
	key    cacheKey
	vector []float32
}

// Cache memoizes embeddings per (document key, commit sequence) so a
// redelivered event gets the vector computed the first time.
type Cache struct {
	provider Provider
	size     int

	mu    sync.Mutex
	ll    *list.List
	items map[cacheKey]*list.Element
}

func NewCache(provider Provider, size int) *Cache {
	if size <= 0 {
		size = 1024
	}
	return &Cache{provider: provider, size: size, ll: list.New(), items: make(map[cacheKey]*list.Element)}
}

func (c *Cache) EmbedFor(ctx context.Context, id string, seq types.Sequence, text string) ([]float32, error) {
	k := cacheKey{id: id, seq: seq}
	if v, ok := c.get(k); ok {
		return v, nil
	}
	v, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.put(k, v)
	return v, nil
}

// Embed bypasses the cache; query text has no sequence to key on.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.provider.Embed(ctx, text)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) Close() error {
	return c.provider.Close()
}

func (c *Cache) get(k cacheKey) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheEntry).vector, true
	}
	return nil, false
}

func (c *Cache) put(k cacheKey, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).vector = v
		return
	}
	c.items[k] = c.ll.PushFront(&cacheEntry{key: k, vector: v})
	for c.ll.Len() > c.size {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.items, last.Value.(*cacheEntry).key)
	}
}
