package store

import (
	"hash/maphash"
	"sync"
)

const defaultShardCount = 32

type shard[V any] struct {
	mu sync.RWMutex
	m  map[UserKey]V
}

// Sharded is a map keyed by UserKey split across independently locked shards,
// so operations for different users rarely contend. Locks are only held for the
// duration of the callback.
type Sharded[V any] struct {
	seed   maphash.Seed
	shards []*shard[V]
}

func NewSharded[V any](n int) *Sharded[V] {
	if n <= 0 {
		n = defaultShardCount
	}
	s := &Sharded[V]{seed: maphash.MakeSeed(), shards: make([]*shard[V], n)}
	for i := range s.shards {
		s.shards[i] = &shard[V]{m: make(map[UserKey]V)}
	}
	return s
}

func (s *Sharded[V]) shardFor(user UserKey) *shard[V] {
	h := maphash.String(s.seed, string(user))
	return s.shards[h%uint64(len(s.shards))]
}

// Update runs fn with exclusive access to the shard owning user.
func (s *Sharded[V]) Update(user UserKey, fn func(m map[UserKey]V)) {
	sh := s.shardFor(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn(sh.m)
}

// View runs fn with shared access to the shard owning user. fn must not mutate.
func (s *Sharded[V]) View(user UserKey, fn func(m map[UserKey]V)) {
	sh := s.shardFor(user)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	fn(sh.m)
}

// Each visits every entry, one shard at a time, under the shard's write lock.
// Returning false from fn stops the walk.
func (s *Sharded[V]) Each(fn func(m map[UserKey]V) bool) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		cont := fn(sh.m)
		sh.mu.Unlock()
		if !cont {
			return
		}
	}
}

// Reset drops every entry.
func (s *Sharded[V]) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.m = make(map[UserKey]V)
		sh.mu.Unlock()
	}
}
