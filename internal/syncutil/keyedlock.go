// Package syncutil provides per-key locking with bounded memory.
//
// Keys (content ids, idempotency keys) are hashed onto a fixed pool of
// shards, so two unrelated keys occasionally share a lock. That is
// acceptable for the short critical sections used by the in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ContextKeyedMutex serializes work on the same key. Waiters give up when
// their context ends. Each shard is a one-slot channel holding the token.
type ContextKeyedMutex struct {
	once   sync.Once
	tokens [shardCount]chan struct{}
}

// NewContextKeyedMutex returns a ready-to-use ContextKeyedMutex.
func NewContextKeyedMutex() *ContextKeyedMutex {
	m := &ContextKeyedMutex{}
	m.init()
	return m
}

func (m *ContextKeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.tokens {
			m.tokens[i] = make(chan struct{}, 1)
			m.tokens[i] <- struct{}{}
		}
	})
}

// LockContext waits for the lock on key. It returns ctx.Err() if the
// context ends first; otherwise the caller must invoke the returned unlock.
func (m *ContextKeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	token := m.tokens[shardOf(key)]

	select {
	case <-token:
		return func() { token <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
