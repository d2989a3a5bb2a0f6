package registry

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultTokenTTL          = time.Minute
	defaultTokenCacheMaxSize = 100
)

// tokenCache is an LRU cache of bearer tokens with per-entry expiry.
type tokenCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

type cachedToken struct {
	key     string
	token   string
	expires time.Time
}

func newTokenCache(maxSize int) *tokenCache {
	if maxSize <= 0 {
		maxSize = defaultTokenCacheMaxSize
	}
	return &tokenCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// tokenKey identifies a token by host, repository and scope.
func tokenKey(host, repository, scope string) string {
	return host + "\x00" + repository + "\x00" + scope
}

func (c *tokenCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}

	entry := elem.Value.(*cachedToken) //nolint:errcheck // type is guaranteed by set
	if !c.now().Before(entry.expires) {
		c.removeLocked(elem, key)
		return "", false
	}

	c.order.MoveToFront(elem)
	return entry.token, true
}

func (c *tokenCache) set(key, token string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cachedToken) //nolint:errcheck // type is guaranteed
		entry.token = token
		entry.expires = c.now().Add(ttl)
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		oldEntry := oldest.Value.(*cachedToken) //nolint:errcheck // type is guaranteed
		c.removeLocked(oldest, oldEntry.key)
	}

	entry := &cachedToken{
		key:     key,
		token:   token,
		expires: c.now().Add(ttl),
	}
	c.entries[key] = c.order.PushFront(entry)
}

func (c *tokenCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem, key)
	}
}

func (c *tokenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// removeLocked removes an element from both the list and map.
// Caller must hold c.mu.
func (c *tokenCache) removeLocked(elem *list.Element, key string) {
	c.order.Remove(elem)
	delete(c.entries, key)
}
