package session

import (
	"context"
	"sync"
)

// Keyed serializes work per session key: concurrent arrivals for the same
// key queue FIFO, while distinct keys run in parallel. Each waiter chains on
// its predecessor's completion channel, which fixes the ordering at enqueue
// time.
type Keyed struct {
	mu    sync.Mutex
	tails map[Key]chan struct{}
}

// NewKeyed creates an empty keyed serializer.
func NewKeyed() *Keyed {
	return &Keyed{tails: make(map[Key]chan struct{})}
}

// Do runs fn once every earlier request for the same key has finished. The
// context only bounds the wait; once fn starts it runs to completion.
func (k *Keyed) Do(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	done := make(chan struct{})

	k.mu.Lock()
	prev := k.tails[key]
	k.tails[key] = done
	k.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Abandon the slot without breaking the chain: successors may
			// only run after the predecessor is truly finished.
			go func() {
				<-prev
				k.release(key, done)
			}()
			return ctx.Err()
		}
	}

	err := fn(ctx)
	k.release(key, done)
	return err
}

func (k *Keyed) release(key Key, done chan struct{}) {
	close(done)
	k.mu.Lock()
	// Only the last waiter removes the lane.
	if k.tails[key] == done {
		delete(k.tails, key)
	}
	k.mu.Unlock()
}
