// Package shardedMap provides a concurrent map split into independently locked
// shards so that operations on unrelated keys do not contend.
package shardedMap

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultShardCount = 32

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

type ShardedMap[K comparable, V any] struct {
	shards  []*shard[K, V]
	keyFunc func(K) []byte
}

// NewShardedMap creates a map with shardCount shards. keyFunc returns the bytes
// hashed to pick a shard for a key.
func NewShardedMap[K comparable, V any](shardCount int, keyFunc func(K) []byte) *ShardedMap[K, V] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	m := &ShardedMap[K, V]{
		shards:  make([]*shard[K, V], shardCount),
		keyFunc: keyFunc,
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

func (m *ShardedMap[K, V]) shardFor(key K) *shard[K, V] {
	h := xxhash.Sum64(m.keyFunc(key))
	return m.shards[h%uint64(len(m.shards))]
}

func (m *ShardedMap[K, V]) Get(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (m *ShardedMap[K, V]) Set(key K, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

func (m *ShardedMap[K, V]) Delete(key K) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Compute runs fn under the key's shard write lock. fn receives the current value
// and whether it exists, and returns the value to store and whether to keep it.
// Returning keep=false deletes the key. fn must not call back into the map.
func (m *ShardedMap[K, V]) Compute(key K, fn func(current V, exists bool) (next V, keep bool)) V {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.items[key]
	next, keep := fn(current, exists)
	if keep {
		s.items[key] = next
	} else {
		delete(s.items, key)
	}
	return next
}

// Range calls fn for every entry, one shard at a time, until fn returns false.
// fn runs under a shard read lock and must not mutate the map.
func (m *ShardedMap[K, V]) Range(fn func(key K, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// DeleteIf removes every entry for which pred returns true and reports how many
// were removed.
func (m *ShardedMap[K, V]) DeleteIf(pred func(key K, value V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if pred(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *ShardedMap[K, V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
