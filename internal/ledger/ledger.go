package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Publisher receives events after they are committed.
type Publisher interface {
	Publish(ctx context.Context, ev AuditEvent) error
}

// Ledger is the single write path into a Store.
type Ledger struct {
	store     Store
	locks     *chainLocks
	now       func() time.Time
	logger    *slog.Logger
	publisher Publisher
	verifyMax int
}

type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPublisher fans committed events out to p.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithVerifyConcurrency bounds how many chains VerifyAll replays at once.
func WithVerifyConcurrency(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.verifyMax = n
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		locks:     newChainLocks(),
		now:       time.Now,
		logger:    slog.Default(),
		verifyMax: 4,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordEvent appends one chain-linked event to chainID.
func (l *Ledger) RecordEvent(ctx context.Context, chainID string, in EventInput) (AuditEvent, error) {
	if err := validateInput(chainID, in); err != nil {
		return AuditEvent{}, err
	}

	unlock, err := l.locks.lock(ctx, chainID)
	if err != nil {
		return AuditEvent{}, &PersistenceError{ChainID: chainID, Err: err}
	}
	ev, err := l.appendLocked(ctx, chainID, in)
	unlock()
	if err != nil {
		return AuditEvent{}, err
	}

	l.logger.Info("ledger event recorded",
		slog.String("chainId", chainID),
		slog.Int64("sequence", ev.Sequence),
		slog.String("action", ev.Action),
		slog.String("resourceType", ev.ResourceType),
		slog.String("resourceId", ev.ResourceID),
	)
	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, ev); err != nil {
			l.logger.Warn("ledger event publish failed",
				slog.String("chainId", chainID),
				slog.Int64("sequence", ev.Sequence),
				slog.String("error", err.Error()),
			)
		}
	}
	return ev, nil
}

func (l *Ledger) appendLocked(ctx context.Context, chainID string, in EventInput) (AuditEvent, error) {
	prev, err := l.store.LatestHash(ctx, chainID)
	if err != nil {
		return AuditEvent{}, &StorageReadError{ChainID: chainID, Err: err}
	}

	ev := AuditEvent{
		ChainID:      chainID,
		Timestamp:    l.now().UTC(),
		ActorID:      in.ActorID,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Before:       in.Before,
		After:        in.After,
		PreviousHash: prev,
	}
	ev.ContentHash = ev.RecomputeHash()

	// A request that timed out while reading the head must not write.
	if err := ctx.Err(); err != nil {
		return AuditEvent{}, &PersistenceError{ChainID: chainID, Err: err}
	}
	stored, err := l.store.Append(ctx, chainID, ev)
	if err != nil {
		return AuditEvent{}, &PersistenceError{ChainID: chainID, Err: err}
	}
	return stored, nil
}

func validateInput(chainID string, in EventInput) error {
	required := []struct{ field, value string }{
		{"chain_id", chainID},
		{"actor_id", in.ActorID},
		{"action", in.Action},
		{"resource_type", in.ResourceType},
		{"resource_id", in.ResourceID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "required"}
		}
		// Invalid bytes would be hashed as U+FFFD.
		if !utf8.ValidString(r.value) {
			return &ValidationError{Field: r.field, Reason: "invalid UTF-8"}
		}
	}
	if in.Before != nil {
		if err := in.Before.validate("before_state"); err != nil {
			return &ValidationError{Field: "before_state", Reason: err.Error()}
		}
	}
	if in.After != nil {
		if err := in.After.validate("after_state"); err != nil {
			return &ValidationError{Field: "after_state", Reason: err.Error()}
		}
	}
	return nil
}

// Events pages through a chain, oldest first.
func (l *Ledger) Events(ctx context.Context, chainID string, after int64, limit int) ([]AuditEvent, error) {
	events, err := l.store.ReadPage(ctx, chainID, after, limit)
	if err != nil {
		return nil, &StorageReadError{ChainID: chainID, Err: err}
	}
	return events, nil
}

// Chains lists every chain known to the store.
func (l *Ledger) Chains(ctx context.Context) ([]string, error) {
	ids, err := l.store.Chains(ctx)
	if err != nil {
		return nil, &StorageReadError{Err: fmt.Errorf("list chains: %w", err)}
	}
	return ids, nil
}
