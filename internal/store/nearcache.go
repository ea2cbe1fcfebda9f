package store

import (
	"sync"
	"time"
)

// NearCache is the per-process in-memory cache fronting the shared cache.
// It is what the cross-instance invalidation protocol keeps coherent: a
// writer anywhere in the instance broadcasts an invalidation message and
// every process evicts the named key from its near cache. Entries also
// expire on their own TTL, which bounds staleness if a message is missed.
type NearCache struct {
	mu         sync.RWMutex
	entries    map[string]nearEntry
	ttl        time.Duration
	maxEntries int
}

type nearEntry struct {
	value     CacheEntry
	expiresAt time.Time
}

// NewNearCache creates a near cache holding at most maxEntries entries,
// each expiring after ttl.
func NewNearCache(ttl time.Duration, maxEntries int) *NearCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &NearCache{
		entries:    make(map[string]nearEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get returns the entry for key, or false if absent or expired.
func (n *NearCache) Get(key string) (*CacheEntry, bool) {
	n.mu.RLock()
	entry, ok := n.entries[key]
	n.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	value := entry.value
	return &value, true
}

// Put stores an entry under key. When the cache is full, expired entries
// are swept first; if still full, an arbitrary entry is dropped so the
// cache stays bounded.
func (n *NearCache) Put(key string, value CacheEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.entries[key]; !exists && len(n.entries) >= n.maxEntries {
		now := time.Now()
		for k, e := range n.entries {
			if now.After(e.expiresAt) {
				delete(n.entries, k)
			}
		}
		if len(n.entries) >= n.maxEntries {
			for k := range n.entries {
				delete(n.entries, k)
				break
			}
		}
	}

	n.entries[key] = nearEntry{
		value:     value,
		expiresAt: time.Now().Add(n.ttl),
	}
}

// Evict removes the entry for key. Evicting an absent key is a no-op, so
// reprocessing the same invalidation message is harmless.
func (n *NearCache) Evict(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.entries, key)
}

// Len reports the number of stored entries, including not-yet-swept
// expired ones.
func (n *NearCache) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.entries)
}
