// Package syncutil provides keyed locking for per-entity critical sections
// such as a tenant profile mutation or a deposit capture.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock is a fixed pool of channel-based mutexes addressed by key. Memory
// stays bounded no matter how many keys are seen; two keys may share a shard.
// Waiters give up when their context ends.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock returns a KeyLock with every shard unlocked.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock blocks until key's shard is free or ctx is done. On success the caller
// must call the returned unlock exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	ch := k.shards[shardOf(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn while holding key's lock.
func (k *KeyLock) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := k.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
