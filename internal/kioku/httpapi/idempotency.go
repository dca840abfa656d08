package httpapi

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// IdempotencyHeader lets a client retry a mutating request safely: a
// replay within IdempotencyTTL returns the first response unchanged.
const (
	IdempotencyHeader = "X-Idempotency-Key"
	IdempotencyTTL    = 60 * time.Second
)

type cachedResponse struct {
	status int
	body   []byte
}

// idempotencyCache stores successful responses by owner, route and key.
type idempotencyCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
	once  sync.Once
}

func newIdempotencyCache(ttl time.Duration) (*idempotencyCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     32 << 20, // bytes of cached bodies
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &idempotencyCache{cache: c, ttl: ttl}, nil
}

func (c *idempotencyCache) get(key string) (cachedResponse, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return cachedResponse{}, false
	}
	resp, ok := v.(cachedResponse)
	return resp, ok
}

func (c *idempotencyCache) set(key string, resp cachedResponse) {
	c.cache.SetWithTTL(key, resp, int64(len(resp.body))+64, c.ttl)
	// A retry arriving right after this response must see the entry.
	c.cache.Wait()
}

func (c *idempotencyCache) close() { c.once.Do(c.cache.Close) }

// recorder captures a handler's response for caching.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
