// Package store provides database-backed ledger stores.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/yourorg/lpdp/internal/ledger"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name       string
	DriverName string
	TxOptions  *sql.TxOptions
	schema     []string
	isConflict func(error) bool
}

var (
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		TxOptions:  &sql.TxOptions{},
		schema: []string{
			`CREATE TABLE IF NOT EXISTS ledger_events (
				chain_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				recorded_at TEXT NOT NULL,
				actor_id TEXT NOT NULL,
				action TEXT NOT NULL,
				resource_type TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				before_state TEXT,
				after_state TEXT,
				previous_hash TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				PRIMARY KEY (chain_id, seq),
				UNIQUE (chain_id, previous_hash)
			)`,
		},
		isConflict: func(err error) bool {
			return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
				strings.Contains(err.Error(), "database is locked")
		},
	}

	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "postgres",
		TxOptions:  &sql.TxOptions{Isolation: sql.LevelSerializable},
		schema: []string{
			`CREATE TABLE IF NOT EXISTS ledger_events (
				chain_id TEXT NOT NULL,
				seq BIGINT NOT NULL,
				recorded_at TEXT NOT NULL,
				actor_id TEXT NOT NULL,
				action TEXT NOT NULL,
				resource_type TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				before_state TEXT,
				after_state TEXT,
				previous_hash TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				PRIMARY KEY (chain_id, seq),
				UNIQUE (chain_id, previous_hash)
			)`,
		},
		isConflict: func(err error) bool {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) {
				// unique_violation, serialization_failure
				return pqErr.Code == "23505" || pqErr.Code == "40001"
			}
			return false
		},
	}
)

// rebind rewrites ? placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	if d.Name != Postgres.Name {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements ledger.Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	closed  atomic.Bool
}

// OpenSQLite opens (or creates) the ledger database file at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("store: sqlite path required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create state dir: %w", err)
		}
	}
	db, err := sql.Open(SQLite.DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer at a time; sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	return New(db, SQLite)
}

// OpenPostgres connects with a lib/pq DSN.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open(Postgres.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return New(db, Postgres)
}

// New wraps an open database and ensures the schema exists.
func New(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	for _, stmt := range dialect.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: init %s schema: %w", dialect.Name, err)
		}
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Dialect() string { return s.dialect.Name }

// runInTx executes fn in a transaction and commits when fn succeeds.
func (s *SQLStore) runInTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	if s.closed.Load() {
		return ledger.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, s.dialect.TxOptions)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Append inserts ev as the next event of chainID if it links to the head.
func (s *SQLStore) Append(ctx context.Context, chainID string, ev ledger.AuditEvent) (ledger.AuditEvent, error) {
	before, err := encodeState(ev.Before)
	if err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("encode before_state: %w", err)
	}
	after, err := encodeState(ev.After)
	if err != nil {
		return ledger.AuditEvent{}, fmt.Errorf("encode after_state: %w", err)
	}

	err = s.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var seq int64
		var head string
		row := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT seq, content_hash FROM ledger_events WHERE chain_id = ? ORDER BY seq DESC LIMIT 1`), chainID)
		switch err := row.Scan(&seq, &head); {
		case errors.Is(err, sql.ErrNoRows):
			seq, head = 0, ""
		case err != nil:
			return err
		}
		if head != ev.PreviousHash {
			return ledger.ErrChainConflict
		}

		ev.ChainID = chainID
		ev.Sequence = seq + 1
		_, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO ledger_events (chain_id, seq, recorded_at, actor_id, action, resource_type, resource_id, before_state, after_state, previous_hash, content_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			chainID, ev.Sequence, ev.Timestamp.UTC().Format(ledger.TimestampLayout),
			ev.ActorID, ev.Action, ev.ResourceType, ev.ResourceID,
			before, after, ev.PreviousHash, ev.ContentHash,
		)
		return err
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrChainConflict) && s.dialect.isConflict(err) {
			err = fmt.Errorf("%w: %v", ledger.ErrChainConflict, err)
		}
		return ledger.AuditEvent{}, err
	}
	return ev, nil
}

func (s *SQLStore) LatestHash(ctx context.Context, chainID string) (string, error) {
	if s.closed.Load() {
		return "", ledger.ErrStoreClosed
	}
	var head string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT content_hash FROM ledger_events WHERE chain_id = ? ORDER BY seq DESC LIMIT 1`), chainID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return head, err
}

func (s *SQLStore) ReadAll(ctx context.Context, chainID string) ([]ledger.AuditEvent, error) {
	return s.ReadPage(ctx, chainID, 0, 0)
}

// ReadPage reads in a single statement so a concurrent append is either fully
// visible or not at all.
func (s *SQLStore) ReadPage(ctx context.Context, chainID string, after int64, limit int) ([]ledger.AuditEvent, error) {
	if s.closed.Load() {
		return nil, ledger.ErrStoreClosed
	}
	query := `SELECT seq, recorded_at, actor_id, action, resource_type, resource_id, before_state, after_state, previous_hash, content_hash
		FROM ledger_events WHERE chain_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{chainID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]ledger.AuditEvent, 0)
	for rows.Next() {
		var (
			ev            ledger.AuditEvent
			recordedAt    string
			before, after sql.NullString
		)
		if err := rows.Scan(&ev.Sequence, &recordedAt, &ev.ActorID, &ev.Action, &ev.ResourceType, &ev.ResourceID,
			&before, &after, &ev.PreviousHash, &ev.ContentHash); err != nil {
			return nil, err
		}
		ev.ChainID = chainID
		if ev.Timestamp, err = time.Parse(ledger.TimestampLayout, recordedAt); err != nil {
			return nil, fmt.Errorf("event %d: parse recorded_at: %w", ev.Sequence, err)
		}
		if ev.Before, err = decodeState(before); err != nil {
			return nil, fmt.Errorf("event %d: decode before_state: %w", ev.Sequence, err)
		}
		if ev.After, err = decodeState(after); err != nil {
			return nil, fmt.Errorf("event %d: decode after_state: %w", ev.Sequence, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLStore) Chains(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ledger.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chain_id FROM ledger_events ORDER BY chain_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeState(v *ledger.Value) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeState(ns sql.NullString) (*ledger.Value, error) {
	if !ns.Valid {
		return nil, nil
	}
	var v ledger.Value
	if err := v.UnmarshalJSON([]byte(ns.String)); err != nil {
		return nil, err
	}
	return &v, nil
}
