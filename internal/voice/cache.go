package voice

import (
	"container/list"
	"sync"
)

// AudioCache 合成结果缓存，键为 发音人+文本，按LRU淘汰
type AudioCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key  string
	ulaw []byte
}

// NewAudioCache 创建缓存
func NewAudioCache(capacity int) *AudioCache {
	if capacity < 1 {
		capacity = 1
	}
	return &AudioCache{capacity: capacity, order: list.New(), items: make(map[string]*list.Element)}
}

func cacheKey(speaker, text string) string {
	return speaker + "\x00" + text
}

// Get 读取缓存
func (c *AudioCache) Get(speaker, text string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[cacheKey(speaker, text)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).ulaw, true
}

// Put 写入缓存
func (c *AudioCache) Put(speaker, text string, ulaw []byte) {
	key := cacheKey(speaker, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).ulaw = ulaw
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, ulaw: ulaw})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Len 缓存条目数
func (c *AudioCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
