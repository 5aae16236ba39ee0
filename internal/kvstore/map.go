// Package kvstore is a process-local keyed store with atomic
// read-modify-write operations. Keys are independent; no operation locks
// more than the one map.
package kvstore

import (
	"errors"
	"sync"
)

var (
	// ErrExists is returned by Insert when the key is already present.
	ErrExists = errors.New("key already exists")
	// ErrFull is returned by Insert when the map holds its capacity.
	ErrFull = errors.New("store is full")
)

// Map is a concurrency-safe map. A capacity of zero means unbounded.
type Map[K comparable, V any] struct {
	mu       sync.RWMutex
	data     map[K]V
	capacity int
}

// New returns an empty map holding at most capacity entries.
func New[K comparable, V any](capacity int) *Map[K, V] {
	return &Map[K, V]{data: make(map[K]V), capacity: capacity}
}

// Get returns the value stored under k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[k]
	return v, ok
}

// Has reports whether k is present.
func (m *Map[K, V]) Has(k K) bool {
	_, ok := m.Get(k)
	return ok
}

// Insert stores v under k unless k is present or the map is full.
func (m *Map[K, V]) Insert(k K, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[k]; ok {
		return ErrExists
	}
	if m.capacity > 0 && len(m.data) >= m.capacity {
		return ErrFull
	}
	m.data[k] = v
	return nil
}

// Put stores v under k, replacing any previous value. Put ignores capacity.
func (m *Map[K, V]) Put(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k] = v
}

// Upsert applies fn to the current value of k under the write lock and
// stores the result. When fn fails nothing is stored.
func (m *Map[K, V]) Upsert(k K, fn func(cur V, exists bool) (V, error)) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[k]
	next, err := fn(cur, ok)
	if err != nil {
		var zero V
		return zero, err
	}
	if !ok && m.capacity > 0 && len(m.data) >= m.capacity {
		var zero V
		return zero, ErrFull
	}
	m.data[k] = next
	return next, nil
}

// Update is Upsert for keys that must already exist. It reports false when
// k is absent.
func (m *Map[K, V]) Update(k K, fn func(cur V) (V, error)) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[k]
	if !ok {
		var zero V
		return zero, false, nil
	}
	next, err := fn(cur)
	if err != nil {
		var zero V
		return zero, true, err
	}
	m.data[k] = next
	return next, true, nil
}

// Delete removes k.
func (m *Map[K, V]) Delete(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, k)
}

// DeleteFunc removes every entry for which drop returns true and reports
// how many were removed.
func (m *Map[K, V]) DeleteFunc(drop func(k K, v V) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.data {
		if drop(k, v) {
			delete(m.data, k)
			n++
		}
	}
	return n
}

// Len is the number of entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Values returns a snapshot of the stored values in no particular order.
func (m *Map[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]V, 0, len(m.data))
	for _, v := range m.data {
		out = append(out, v)
	}
	return out
}
