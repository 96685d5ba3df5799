// Package features implements the typed capability bag through which the
// engine and applications exchange per-connection and per-request state.
package features

import (
	"reflect"
	"sync"
)

// Collection maps a feature type to its implementation. A nil value means the
// capability is absent. Every mutation bumps Revision so that cached
// references can detect staleness.
//
// A Collection is owned by one request at a time and is not safe for
// concurrent mutation; concurrent readers are tolerated.
type Collection struct {
	mu       sync.RWMutex
	items    map[reflect.Type]any
	revision int
	defaults *Collection
}

// NewCollection returns an empty collection. If defaults is non-nil it is
// consulted when a lookup misses.
func NewCollection(defaults *Collection) *Collection {
	return &Collection{defaults: defaults}
}

// Revision reports the current mutation counter, including the defaults'.
func (c *Collection) Revision() int {
	c.mu.RLock()
	r := c.revision
	c.mu.RUnlock()
	if c.defaults != nil {
		r += c.defaults.Revision()
	}
	return r
}

// Lookup returns the value stored under key, consulting defaults on a miss.
func (c *Collection) Lookup(key reflect.Type) any {
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()
	if ok {
		return v
	}
	if c.defaults != nil {
		return c.defaults.Lookup(key)
	}
	return nil
}

// Store sets key to value. A nil value removes the local entry.
func (c *Collection) Store(key reflect.Type, value any) {
	c.mu.Lock()
	if value == nil {
		delete(c.items, key)
	} else {
		if c.items == nil {
			c.items = make(map[reflect.Type]any, 8)
		}
		c.items[key] = value
	}
	c.revision++
	c.mu.Unlock()
}

// Reset drops every local entry and bumps the revision. Defaults are kept.
func (c *Collection) Reset() {
	c.mu.Lock()
	clear(c.items)
	c.revision++
	c.mu.Unlock()
}

// Len reports the number of local entries.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Key returns the lookup key for the feature type T.
func Key[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// Get returns the feature registered for T, or the zero value if absent.
func Get[T any](c *Collection) T {
	v, _ := c.Lookup(Key[T]()).(T)
	return v
}

// Set registers value as the implementation of T.
func Set[T any](c *Collection, value T) {
	var v any = value
	if isNil(v) {
		v = nil
	}
	c.Store(Key[T](), v)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
