// Package syncmap provides a typed concurrent map and per-key mutexes built on it.
package syncmap

import "sync"

// Map is a type-safe concurrent map guarded by a RWMutex.
type Map[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

// New creates an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		m: make(map[K]V),
	}
}

// Load returns the value stored for key. The ok result reports whether it was present.
func (sm *Map[K, V]) Load(key K) (value V, ok bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	value, ok = sm.m[key]
	return
}

// Store sets the value for a key.
func (sm *Map[K, V]) Store(key K, value V) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m[key] = value
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (sm *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	sm.mu.RLock()
	actual, loaded = sm.m[key]
	sm.mu.RUnlock()
	if loaded {
		return actual, true
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Another goroutine may have stored between the two locks.
	actual, loaded = sm.m[key]
	if loaded {
		return actual, true
	}

	sm.m[key] = value
	return value, false
}

// Delete deletes the value for a key.
func (sm *Map[K, V]) Delete(key K) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.m, key)
}

// Len returns the number of items in the map.
func (sm *Map[K, V]) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.m)
}

// Locks hands out one mutex per key. Mutexes are created on first use and
// live until Forget is called for the key.
type Locks[K comparable] struct {
	m *Map[K, *sync.Mutex]
}

// NewLocks creates an empty lock table.
func NewLocks[K comparable]() *Locks[K] {
	return &Locks[K]{m: New[K, *sync.Mutex]()}
}

// Get returns the mutex for key, creating it if needed.
func (l *Locks[K]) Get(key K) *sync.Mutex {
	if lock, ok := l.m.Load(key); ok {
		return lock
	}
	actual, _ := l.m.LoadOrStore(key, &sync.Mutex{})
	return actual
}

// Lock blocks until the key's mutex is held and returns its unlock function.
func (l *Locks[K]) Lock(key K) func() {
	mu := l.Get(key)
	mu.Lock()
	return mu.Unlock
}

// TryLock acquires the key's mutex without blocking.
func (l *Locks[K]) TryLock(key K) (unlock func(), ok bool) {
	mu := l.Get(key)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// Forget drops the mutex of a key whose work is done. It may be called with
// the lock held; goroutines already waiting keep the old mutex, so callers
// must tolerate one more locker finding nothing to do.
func (l *Locks[K]) Forget(key K) {
	l.m.Delete(key)
}

// Len returns the number of tracked keys.
func (l *Locks[K]) Len() int {
	return l.m.Len()
}
