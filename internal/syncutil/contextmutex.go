// Package syncutil holds small concurrency helpers shared by the services.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Waiters can give up when their context ends. Keys that hash to the
// same shard share a lock, so memory stays bounded no matter how many escrow
// ids pass through.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key. On success the caller MUST call the
// returned unlock function. If ctx ends first it returns ctx.Err().
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		var once sync.Once
		return func() { once.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithLock runs fn while holding the lock for key.
func (m *ContextShardedMutex) WithLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := m.LockContext(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
