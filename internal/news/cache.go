package news

import (
	"sync"
	"time"
)

type cachedScore struct {
	score   float64
	expires time.Time
}

type scoreCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cachedScore
	now func() time.Time
}

func newScoreCache(ttl time.Duration) *scoreCache {
	return &scoreCache{ttl: ttl, m: make(map[string]cachedScore), now: time.Now}
}

func (c *scoreCache) get(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.m[key]
	if !ok || c.now().After(entry.expires) {
		delete(c.m, key)
		return 0, false
	}
	return entry.score, true
}

func (c *scoreCache) put(key string, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = cachedScore{score: score, expires: c.now().Add(c.ttl)}
}
