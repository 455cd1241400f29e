package state

import (
	"context"
	"sync"
)

type keyEntry struct {
	sem  chan struct{}
	refs int
}

// KeyMutex serializes callers per key. Entries are reference counted and
// dropped once no caller holds or waits for them.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

// NewKeyMutex returns an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*keyEntry)}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (k *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry := k.acquire(key)
	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			k.release(key)
		}, nil
	case <-ctx.Done():
		k.release(key)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently tracked.
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *KeyMutex) acquire(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (k *KeyMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(k.entries, key)
	}
}
