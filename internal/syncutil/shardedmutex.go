// Package syncutil provides the per-key locks the escrow and settlement
// services use to serialize work on a single entity, keyed by escrow or
// auction ID.
package syncutil

import "sync"

const shardCount = 256

// shardIndex hashes a key into the shard pool with FNV-1a.
func shardIndex(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % shardCount
}

// ShardedMutex hands out per-key locks from a fixed pool of shards, so
// memory stays flat no matter how many distinct keys pass through. Keys
// that hash to the same shard contend with each other; with escrow IDs
// as keys that collision is rare and harmless. The zero value is ready
// to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}
