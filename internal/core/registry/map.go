// Package registry holds the lock-guarded tables the transport keeps about
// its listeners and in-flight queries.
package registry

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("registry entry not found")

// Map is a mutex guarded map. The zero value is ready to use.
type Map[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[k]
	return v, ok
}

// Upsert stores v under k and returns the value it replaced, if any.
func (m *Map[K, V]) Upsert(k K, v V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = make(map[K]V)
	}
	prev, ok := m.m[k]
	m.m[k] = v
	return prev, ok
}

// Take removes k and returns its value.
func (m *Map[K, V]) Take(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[k]
	if ok {
		delete(m.m, k)
	}
	return v, ok
}

// Remove deletes k, failing with ErrNotFound when it is absent.
func (m *Map[K, V]) Remove(k K) (V, error) {
	v, ok := m.Take(k)
	if !ok {
		return v, ErrNotFound
	}
	return v, nil
}

// RemoveIf deletes every entry for which pred returns true and returns them.
// pred runs under the map lock and must not call back into m.
func (m *Map[K, V]) RemoveIf(pred func(K, V) bool) map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[K]V)
	for k, v := range m.m {
		if pred(k, v) {
			removed[k] = v
			delete(m.m, k)
		}
	}
	return removed
}

func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// Drain empties the map and returns what it held.
func (m *Map[K, V]) Drain() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.m
	m.m = nil
	if out == nil {
		out = map[K]V{}
	}
	return out
}
