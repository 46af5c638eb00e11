package ledger

import (
	"context"
	"sort"
	"sync"
)

// Store persists chains. There is deliberately no update or delete.
type Store interface {
	// Append assigns the next sequence position and stores ev. It must fail
	// with ErrChainConflict when ev.PreviousHash is not the current head hash.
	Append(ctx context.Context, chainID string, ev AuditEvent) (AuditEvent, error)
	// LatestHash returns the head content hash, or "" for an empty chain.
	LatestHash(ctx context.Context, chainID string) (string, error)
	// ReadAll returns every event of the chain, oldest first.
	ReadAll(ctx context.Context, chainID string) ([]AuditEvent, error)
	// ReadPage returns up to limit events with Sequence > after, oldest first.
	ReadPage(ctx context.Context, chainID string, after int64, limit int) ([]AuditEvent, error)
	// Chains lists the known chain ids.
	Chains(ctx context.Context) ([]string, error)
}

// MemoryStore keeps chains in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]AuditEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]AuditEvent)}
}

func (s *MemoryStore) Append(ctx context.Context, chainID string, ev AuditEvent) (AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return AuditEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.chains[chainID]
	head := ""
	if n := len(events); n > 0 {
		head = events[n-1].ContentHash
	}
	if ev.PreviousHash != head {
		return AuditEvent{}, ErrChainConflict
	}
	ev.ChainID = chainID
	ev.Sequence = int64(len(events)) + 1
	s.chains[chainID] = append(events, cloneEvent(ev))
	return cloneEvent(ev), nil
}

func (s *MemoryStore) LatestHash(ctx context.Context, chainID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.chains[chainID]
	if len(events) == 0 {
		return "", nil
	}
	return events[len(events)-1].ContentHash, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, chainID string) ([]AuditEvent, error) {
	return s.ReadPage(ctx, chainID, 0, 0)
}

func (s *MemoryStore) ReadPage(ctx context.Context, chainID string, after int64, limit int) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.chains[chainID]
	out := make([]AuditEvent, 0)
	for _, ev := range events {
		if ev.Sequence <= after {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Chains(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// cloneEvent detaches the optional state pointers so callers cannot reach
// stored records.
func cloneEvent(ev AuditEvent) AuditEvent {
	if ev.Before != nil {
		b := *ev.Before
		ev.Before = &b
	}
	if ev.After != nil {
		a := *ev.After
		ev.After = &a
	}
	return ev
}
