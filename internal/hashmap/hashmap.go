// Package hashmap provides a closed-address hash map with a fixed bucket
// count, keyed by uint64. Buckets are doubly-linked chains; all operations
// are O(1) expected for the workloads the filter sees (thousands of live
// keys). The map is not internally synchronized — callers hold the
// appropriate lock.
package hashmap

const bucketCount = 100

type node[V any] struct {
	key   uint64
	value V
	prev  *node[V]
	next  *node[V]
}

// Map is a fixed-bucket chained hash map from uint64 to V.
type Map[V any] struct {
	buckets [bucketCount]*node[V]
	size    int
}

// New creates an empty Map.
func New[V any]() *Map[V] {
	return &Map[V]{}
}

func (m *Map[V]) bucket(key uint64) int {
	return int(key % bucketCount)
}

// Insert sets key to value. If the key already existed its prior value is
// returned with replaced=true; otherwise the newly set value is returned
// with replaced=false, so callers can detect a first insertion.
func (m *Map[V]) Insert(key uint64, value V) (prior V, replaced bool) {
	idx := m.bucket(key)
	for n := m.buckets[idx]; n != nil; n = n.next {
		if n.key == key {
			prior = n.value
			n.value = value
			return prior, true
		}
	}
	n := &node[V]{key: key, value: value, next: m.buckets[idx]}
	if n.next != nil {
		n.next.prev = n
	}
	m.buckets[idx] = n
	m.size++
	return value, false
}

// Erase removes key and returns its value, or the zero value and false if
// the key was absent.
func (m *Map[V]) Erase(key uint64) (V, bool) {
	idx := m.bucket(key)
	for n := m.buckets[idx]; n != nil; n = n.next {
		if n.key != key {
			continue
		}
		if n.prev != nil {
			n.prev.next = n.next
		} else {
			m.buckets[idx] = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		}
		m.size--
		return n.value, true
	}
	var zero V
	return zero, false
}

// Lookup returns the value stored under key.
func (m *Map[V]) Lookup(key uint64) (V, bool) {
	for n := m.buckets[m.bucket(key)]; n != nil; n = n.next {
		if n.key == key {
			return n.value, true
		}
	}
	var zero V
	return zero, false
}

// Len returns the number of stored keys.
func (m *Map[V]) Len() int {
	return m.size
}

// Clear drops every entry.
func (m *Map[V]) Clear() {
	for i := range m.buckets {
		m.buckets[i] = nil
	}
	m.size = 0
}
