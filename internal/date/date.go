// Package date provides a cached, thread-safe HTTP Date header value.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Cache holds the formatted Date value. It is refreshed by the heartbeat so
// no request formats a time itself.
type Cache struct {
	current atomic.Pointer[[]byte]
}

// NewCache returns a cache primed with the current time.
func NewCache() *Cache {
	c := &Cache{}
	c.OnHeartbeat(time.Now())
	return c
}

// OnHeartbeat refreshes the cached value.
func (c *Cache) OnHeartbeat(now time.Time) {
	b := now.UTC().AppendFormat(make([]byte, 0, len(http.TimeFormat)), http.TimeFormat)
	c.current.Store(&b)
}

// Bytes returns the cached value. Callers must not modify it.
func (c *Cache) Bytes() []byte {
	if p := c.current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().AppendFormat(nil, http.TimeFormat)
}

// String returns the cached value as a string.
func (c *Cache) String() string {
	return string(c.Bytes())
}
