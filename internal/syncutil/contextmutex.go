package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is the cancellable counterpart of ShardedMutex.
// Each shard is a one-slot channel, so a caller waiting on a busy shard
// can give up when its context is cancelled instead of blocking for the
// duration of someone else's settlement. The zero value is ready to use.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the shard for key or returns ctx.Err() if the
// context ends first. On success the caller must invoke the returned
// unlock function.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIndex(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
