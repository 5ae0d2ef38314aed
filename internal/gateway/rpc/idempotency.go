package rpc

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Idempotency cache bounds.
const (
	DefaultIdempotencyCapacity = 1024
	DefaultIdempotencyTTL      = 10 * time.Minute
)

// IdempotencyCache remembers responses for requests that carried an
// idempotency key, scoped per connection. Entries expire after the TTL;
// beyond capacity the least recently used entry goes first.
type IdempotencyCache struct {
	lru *expirable.LRU[string, *Response]
}

// NewIdempotencyCache builds a cache with the given bounds; zero values
// take the defaults.
func NewIdempotencyCache(capacity int, ttl time.Duration) *IdempotencyCache {
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyCache{
		lru: expirable.NewLRU[string, *Response](capacity, nil, ttl),
	}
}

// Get returns the cached response for a (connection, key) pair.
func (c *IdempotencyCache) Get(connID, key string) (*Response, bool) {
	return c.lru.Get(cacheKey(connID, key))
}

// Put stores a response under a (connection, key) pair.
func (c *IdempotencyCache) Put(connID, key string, resp *Response) {
	c.lru.Add(cacheKey(connID, key), resp)
}

// Len returns the number of live entries.
func (c *IdempotencyCache) Len() int {
	return c.lru.Len()
}

// cacheKey joins the scope and key with a separator no client can embed
// in a connection ID.
func cacheKey(connID, key string) string {
	return connID + "\x00" + key
}
