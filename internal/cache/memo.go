package cache

import (
	"context"
	"encoding/json"
)

// Memo is a typed view of one namespace. Values are stored as JSON.
type Memo[T any] struct {
	cache *Cache
	ns    Namespace
}

// NewMemo binds a Memo to ns.
func NewMemo[T any](c *Cache, ns Namespace) *Memo[T] {
	return &Memo[T]{cache: c, ns: ns}
}

// Namespace returns the namespace backing m.
func (m *Memo[T]) Namespace() Namespace { return m.ns }

// Get returns the cached value for subject.
func (m *Memo[T]) Get(ctx context.Context, subject string) (T, bool) {
	var v T
	raw, ok := m.cache.Get(ctx, m.ns, subject)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		m.cache.logger.Warn("cache: undecodable entry", "namespace", m.ns.Name, "error", err)
		return v, false
	}
	return v, true
}

// Put stores v for subject.
func (m *Memo[T]) Put(ctx context.Context, subject string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.cache.Put(ctx, m.ns, subject, raw)
}

// Resolve returns the cached value for subject or calls fetch and caches its
// result. No lock is held while fetch runs, so concurrent misses for the same
// subject may each call fetch; the later write simply adds a newer entry.
// Errors from fetch are returned and not cached.
func (m *Memo[T]) Resolve(ctx context.Context, subject string, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := m.Get(ctx, subject); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	if err := m.Put(ctx, subject, v); err != nil {
		m.cache.logger.Warn("cache: store result", "namespace", m.ns.Name, "error", err)
	}
	return v, nil
}
