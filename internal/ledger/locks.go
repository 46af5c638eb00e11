package ledger

import (
	"context"
	"sync"
)

// chainLocks serializes appends per chain. Each chain gets a one-slot
// semaphore so waiters can give up when their context ends. Entries are
// dropped once nobody holds or waits on them.
type chainLocks struct {
	mu    sync.Mutex
	slots map[string]*chainSlot
}

type chainSlot struct {
	sem  chan struct{}
	refs int
}

func newChainLocks() *chainLocks {
	return &chainLocks{slots: make(map[string]*chainSlot)}
}

// lock blocks until chainID is free or ctx is done. The returned func releases it.
func (l *chainLocks) lock(ctx context.Context, chainID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[chainID]
	if !ok {
		slot = &chainSlot{sem: make(chan struct{}, 1)}
		l.slots[chainID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
		return func() {
			<-slot.sem
			l.release(chainID, slot)
		}, nil
	case <-ctx.Done():
		l.release(chainID, slot)
		return nil, ctx.Err()
	}
}

func (l *chainLocks) release(chainID string, slot *chainSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, chainID)
	}
}

func (l *chainLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
