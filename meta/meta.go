// Package meta carries request-scoped rate limiting metadata through a
// context.Context so handlers behind the middleware can see how the request
// was classified and judged.
package meta

import (
	"context"
	"fmt"
	"sync"
)

// Well-known keys set by the rate limiting middleware.
const (
	KeyClient   = "X-Meta-Client"
	KeyCategory = "X-Meta-Category"
	KeyVerdict  = "X-Meta-Verdict"
)

type metadataKey struct{}

// Metadata is a concurrency-safe key-value store attached to a request.
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty Metadata.
func New() *Metadata {
	return &Metadata{data: make(map[string]any)}
}

// Set stores value under key.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// WithContext returns a copy of ctx carrying m.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext returns the Metadata carried by ctx, or nil.
func FromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return nil
	}
	md, _ := ctx.Value(metadataKey{}).(*Metadata)
	return md
}

// Ensure returns the Metadata carried by ctx, attaching a new one when absent.
func Ensure(ctx context.Context) (context.Context, *Metadata) {
	if md := FromContext(ctx); md != nil {
		return ctx, md
	}
	md := New()
	return md.WithContext(ctx), md
}

// Get reads key from the metadata in ctx as a T.
func Get[T any](ctx context.Context, key string) (t T, err error) {
	raw, ok := FromContext(ctx).Get(key)
	if !ok {
		return t, fmt.Errorf("meta: key '%s' not found in context metadata", key)
	}
	typed, ok := raw.(T)
	if !ok {
		return t, fmt.Errorf("meta: value for key '%s' has type %T, but type %T was requested", key, raw, t)
	}
	return typed, nil
}

// Client returns the resolved client key, or "".
func Client(ctx context.Context) string {
	s, _ := Get[string](ctx, KeyClient)
	return s
}

// Category returns the endpoint category, or "".
func Category(ctx context.Context) string {
	s, _ := Get[string](ctx, KeyCategory)
	return s
}
