// Package roots holds the set of protected directory prefixes the agent
// has asked the filter to scrutinize. The set is short (typically a
// handful of entries) and prefix matching is case-sensitive on the raw
// path text.
package roots

import (
	"strings"
	"sync"
)

// Set is a list of directory-prefix strings, safe for concurrent use.
type Set struct {
	mu      sync.Mutex
	entries []string
}

// New creates an empty Set.
func New() *Set {
	return &Set{}
}

// Add inserts prefix unless an already-present entry is a prefix of it,
// in which case the insert is rejected. Returns true on insert.
//
// Note the test is not symmetric: "C:\Users" then "C:\Users\Alice"
// rejects the second, while the opposite order accepts both.
func (s *Set) Add(prefix string) bool {
	if prefix == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if strings.HasPrefix(prefix, e) {
			return false
		}
	}
	s.entries = append(s.entries, prefix)
	return true
}

// Remove drops the first entry whose stored prefix is a prefix of path
// and returns it; ok is false when nothing matched.
func (s *Set) Remove(path string) (removed string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if strings.HasPrefix(path, e) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return e, true
		}
	}
	return "", false
}

// ContainsPrefixOf reports whether any stored prefix is a prefix of path.
func (s *Set) ContainsPrefixOf(path string) bool {
	if path == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if strings.HasPrefix(path, e) {
			return true
		}
	}
	return false
}

// Len returns the number of stored prefixes.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear empties the set.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
