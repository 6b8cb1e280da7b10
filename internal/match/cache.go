package match

import (
	"container/list"
	"net/netip"
	"time"
)

type cacheEntry struct {
	host   string
	ip     netip.Addr // invalid for a failed lookup
	expire time.Time
}

// resolveCache is a size-bounded LRU of lookups with per-entry expiry.
// It is not safe for concurrent use.
type resolveCache struct {
	capacity int
	list     *list.List
	mapping  map[string]*list.Element
}

func newResolveCache(capacity int) *resolveCache {
	return &resolveCache{
		capacity: capacity,
		list:     list.New(),
		mapping:  make(map[string]*list.Element),
	}
}

func (c *resolveCache) load(host string, now time.Time) (netip.Addr, bool) {
	elem, ok := c.mapping[host]
	if !ok {
		return netip.Addr{}, false
	}
	e := elem.Value.(*cacheEntry)
	if now.After(e.expire) {
		c.remove(elem)
		return netip.Addr{}, false
	}
	c.list.MoveToFront(elem)
	return e.ip, true
}

func (c *resolveCache) add(host string, ip netip.Addr, expire time.Time) {
	if elem, ok := c.mapping[host]; ok {
		elem.Value = &cacheEntry{host: host, ip: ip, expire: expire}
		c.list.MoveToFront(elem)
		return
	}
	c.mapping[host] = c.list.PushFront(&cacheEntry{host: host, ip: ip, expire: expire})
	for c.capacity > 0 && c.list.Len() > c.capacity {
		c.remove(c.list.Back())
	}
}

func (c *resolveCache) remove(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.mapping, elem.Value.(*cacheEntry).host)
}

func (c *resolveCache) len() int { return c.list.Len() }
