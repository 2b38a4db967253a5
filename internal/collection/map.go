package collection

import "sync"

// SyncMap is a map guarded by a read-write lock.
type SyncMap[K comparable, V any] struct {
	m   map[K]V
	mux sync.RWMutex
}

func (m *SyncMap[K, V]) Get(k K) (V, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	v, ok := m.m[k]
	return v, ok
}

func (m *SyncMap[K, V]) Put(k K, v V) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.m[k] = v
}

// Delete removes k and reports whether it was present.
func (m *SyncMap[K, V]) Delete(k K) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.m[k]; ok {
		delete(m.m, k)
		return true
	}
	return false
}

func (m *SyncMap[K, V]) Len() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return len(m.m)
}

// Values returns a snapshot of the stored values.
func (m *SyncMap[K, V]) Values() []V {
	m.mux.RLock()
	defer m.mux.RUnlock()
	ret := make([]V, 0, len(m.m))
	for _, v := range m.m {
		ret = append(ret, v)
	}
	return ret
}

// Range calls f over a snapshot, so f may modify the map.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.mux.RLock()
	keys := make([]K, 0, len(m.m))
	values := make([]V, 0, len(m.m))
	for k, v := range m.m {
		keys = append(keys, k)
		values = append(values, v)
	}
	m.mux.RUnlock()
	for i := range keys {
		if !f(keys[i], values[i]) {
			return
		}
	}
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{m: make(map[K]V)}
}
