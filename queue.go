package metarelay

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// keyedQueue admits one holder per address at a time. Waiters are admitted
// in arrival order as far as the Go scheduler allows, and give up when their
// context ends.
type keyedQueue struct {
	mu    sync.Mutex
	slots map[common.Address]*queueSlot
}

type queueSlot struct {
	sem  chan struct{}
	refs int
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{slots: make(map[common.Address]*queueSlot)}
}

// acquire blocks until key is free. The returned release must be called exactly once.
func (q *keyedQueue) acquire(ctx context.Context, key common.Address) (func(), error) {
	q.mu.Lock()
	slot, ok := q.slots[key]
	if !ok {
		slot = &queueSlot{sem: make(chan struct{}, 1)}
		q.slots[key] = slot
	}
	slot.refs++
	q.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		q.unref(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			q.unref(key, slot)
		})
	}, nil
}

func (q *keyedQueue) unref(key common.Address, slot *queueSlot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(q.slots, key)
	}
}

// len returns the number of addresses with a holder or waiter
func (q *keyedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
