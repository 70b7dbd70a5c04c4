// Package memcache holds decoded images for the lifetime of the process. It is
// bounded by entry count and aggregate cost and evicts least recently used
// images first; callers must not rely on which entries survive.
package memcache

import (
	"container/list"
	"sync"

	"github.com/any-hub/image-hub/internal/imaging"
)

// Options 控制容量上限。MaxEntries <= 0 表示关闭内存层，
// MaxBytes <= 0 表示只按条目数限制。
type Options struct {
	MaxEntries int
	MaxBytes   int64
}

// Cache 是并发安全的解码图片缓存。
type Cache struct {
	opts Options

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
	cost  int64
}

type entry struct {
	key  string
	img  *imaging.Image
	cost int64
}

// New 按 opts 创建缓存。
func New(opts Options) *Cache {
	return &Cache{
		opts:  opts,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

// Enabled 返回内存层是否生效。
func (c *Cache) Enabled() bool {
	return c != nil && c.opts.MaxEntries > 0
}

// Get 返回 key 对应的图片，并将其标记为最近使用。
func (c *Cache) Get(key string) (*imaging.Image, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*entry).img, true
}

// Put 写入图片；单张成本超过 MaxBytes 的图片不会被收录。
func (c *Cache) Put(key string, img *imaging.Image) {
	if !c.Enabled() || img == nil {
		return
	}
	cost := img.Cost()
	if c.opts.MaxBytes > 0 && cost > c.opts.MaxBytes {
		c.Remove(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		old := elem.Value.(*entry)
		c.cost += cost - old.cost
		old.img = img
		old.cost = cost
		c.ll.MoveToFront(elem)
	} else {
		c.items[key] = c.ll.PushFront(&entry{key: key, img: img, cost: cost})
		c.cost += cost
	}
	c.evictLocked()
}

// Remove 删除 key，不存在时忽略。
func (c *Cache) Remove(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

// Purge 清空所有条目。
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.cost = 0
}

// Len 返回当前条目数。
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Cost 返回当前累计成本。
func (c *Cache) Cost() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost
}

func (c *Cache) evictLocked() {
	for c.ll.Len() > c.opts.MaxEntries || (c.opts.MaxBytes > 0 && c.cost > c.opts.MaxBytes) {
		oldest := c.ll.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.ll.Remove(elem)
	delete(c.items, ent.key)
	c.cost -= ent.cost
}
