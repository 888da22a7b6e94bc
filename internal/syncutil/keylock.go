// Package syncutil provides per-key locking for in-process serialization of
// escrow transitions.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock.
const DefaultShards = 256

// KeyLock serializes work per key over a fixed pool of channel semaphores.
// Memory is bounded by the shard count; two keys may share a shard and then
// wait on each other. Waiters can give up when their context ends.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock returns a KeyLock with DefaultShards shards.
func NewKeyLock() *KeyLock {
	return NewKeyLockShards(DefaultShards)
}

// NewKeyLockShards returns a KeyLock with n shards (minimum 1).
func NewKeyLockShards(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until key's shard is free or ctx ends. On success the
// returned func releases the lock and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	sem := k.shards[k.shard(key)]
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key's shard without waiting.
func (k *KeyLock) TryLock(key string) (func(), bool) {
	sem := k.shards[k.shard(key)]
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}

func (k *KeyLock) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.shards)))
}
