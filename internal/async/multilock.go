package async

import (
	"sort"
	"sync"
)

// Multilock scopes mutual exclusion to a set of string keys, so writers
// contend only when they touch the same entity (block append key, round
// number, transfer id, rotation chain) instead of a single global lock.
type Multilock struct {
	keys []string
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*lockEntry)
)

// NewMultilock returns a lock over the given keys. Keys are deduplicated and
// always acquired in sorted order, so overlapping multilocks cannot deadlock
// against each other.
func NewMultilock(keys ...string) *Multilock {
	seen := make(map[string]struct{}, len(keys))
	uniq := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)
	return &Multilock{keys: uniq}
}

// Lock acquires every key in order, blocking on keys held elsewhere.
func (m *Multilock) Lock() {
	for _, k := range m.keys {
		registryMu.Lock()
		e, ok := registry[k]
		if !ok {
			e = &lockEntry{}
			registry[k] = e
		}
		e.refs++
		registryMu.Unlock()
		e.mu.Lock()
	}
}

// Unlock releases every key in reverse order. Entries with no remaining
// holders are dropped from the registry.
func (m *Multilock) Unlock() {
	for i := len(m.keys) - 1; i >= 0; i-- {
		registryMu.Lock()
		e := registry[m.keys[i]]
		if e != nil {
			e.mu.Unlock()
			e.refs--
			if e.refs == 0 {
				delete(registry, m.keys[i])
			}
		}
		registryMu.Unlock()
	}
}
