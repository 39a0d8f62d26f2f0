package source

import (
	"context"
	"log"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached memoizes successful fetches of another DataSource for a TTL.
// Failures are never cached.
type Cached struct {
	next  DataSource
	cache *cache.Cache
}

// NewCached wraps next. ttl <= 0 defaults to 5 minutes; expired entries are
// swept at twice the ttl.
func NewCached(next DataSource, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Fetch(ctx context.Context, url string) (string, error) {
	if v, ok := c.cache.Get(url); ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}

	text, err := c.next.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault(url, text)
	log.Printf("source: cached %s (%d bytes)", url, len(text))
	return text, nil
}

// Forget drops url from the cache.
func (c *Cached) Forget(url string) {
	c.cache.Delete(url)
}

var _ DataSource = (*Cached)(nil)
var _ DataSource = (*HTTP)(nil)
