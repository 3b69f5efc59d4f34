// Package lockset provides mutexes keyed by string. Keys are created on first
// use and dropped when no goroutine holds or waits on them.
package lockset

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set is a collection of keyed mutexes. The zero value is ready to use.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock acquires every key in canonical (sorted, deduplicated) order and
// returns a function that releases them. Taking keys in one global order
// keeps two callers with overlapping key sets from deadlocking.
func (s *Set) Lock(keys ...string) (unlock func()) {
	keys = canonical(keys)

	held := make([]*entry, 0, len(keys))
	for _, k := range keys {
		e := s.acquire(k)
		e.mu.Lock()
		held = append(held, e)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			s.release(keys[i])
		}
	}
}

// Len reports how many keys are currently tracked.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Set) acquire(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]*entry)
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	return e
}

func (s *Set) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

func canonical(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
