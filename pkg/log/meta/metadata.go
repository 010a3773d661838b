package meta

import (
	"context"
	"sync"
)

// Well-known keys carried through a connection's context.
const (
	KeyRequestID = "request_id"
	KeyOrigin    = "origin"
	KeyClientIP  = "client_ip"
)

type metadata struct {
	carrier map[string]interface{}
	mu      sync.RWMutex
}

func (c *metadata) Value(key string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.carrier[key]
}

func (c *metadata) WithValue(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carrier[key] = value
}

func (c *metadata) snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.carrier))
	for k, v := range c.carrier {
		out[k] = v
	}
	return out
}

type contextKey struct{}

var metaContextKey = contextKey{}

// Begin attaches a metadata carrier to parent. Call it as close to the root
// context as possible; calling it again on a context that already carries
// one returns parent unchanged.
func Begin(parent context.Context) context.Context {
	if parent.Value(metaContextKey) != nil {
		return parent
	}
	return context.WithValue(parent, metaContextKey, &metadata{
		carrier: make(map[string]interface{}),
	})
}

func metadataFrom(parent context.Context) *metadata {
	value, _ := parent.Value(metaContextKey).(*metadata)
	return value
}

// WithValue stores key/val on the carrier; without Begin it is a no-op.
func WithValue(parent context.Context, key string, val interface{}) {
	if m := metadataFrom(parent); m != nil {
		m.WithValue(key, val)
	}
}

// Value reads key from the carrier.
func Value(parent context.Context, key string) interface{} {
	m := metadataFrom(parent)
	if m == nil {
		return nil
	}
	return m.Value(key)
}

// String reads key as a string, empty when absent.
func String(parent context.Context, key string) string {
	s, _ := Value(parent, key).(string)
	return s
}

// Fields returns a copy of everything on the carrier, for log lines.
func Fields(parent context.Context) map[string]interface{} {
	m := metadataFrom(parent)
	if m == nil {
		return nil
	}
	return m.snapshot()
}
