// Package syncutil carries the in-process locking primitives the
// services serialize per-entity work with.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex serializes work per string key over a fixed pool of
// mutexes. Memory stays bounded no matter how many listing, offer, or
// credit IDs pass through; two IDs hashing to the same shard contend
// with each other, which is harmless for correctness.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &s.shards[h.Sum32()%shardCount]
	mu.Lock()
	return mu.Unlock
}
