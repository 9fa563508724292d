package secrets

import (
	"context"
	"sync"
	"time"
)

// CachedProvider memoizes successful lookups from an inner Provider for a
// fixed TTL. Errors are never cached, so a backend outage does not pin a
// failure past its recovery.
type CachedProvider struct {
	inner Provider
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]cacheEntry{},
	}
}

func (c *CachedProvider) GetSecret(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err := c.inner.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[name] = cacheEntry{value: v, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

func (c *CachedProvider) GetJSON(ctx context.Context, name string, dst any) error {
	raw, err := c.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return decodeJSON(name, raw, dst)
}
