package store

import (
	"fmt"
	"io"

	"github.com/yourorg/lpdp/internal/config"
	"github.com/yourorg/lpdp/internal/ledger"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open returns the store selected by cfg.StoreDriver and its closer.
func Open(cfg config.Config) (ledger.Store, io.Closer, error) {
	switch cfg.StoreDriver {
	case "memory":
		return ledger.NewMemoryStore(), nopCloser{}, nil
	case "sqlite":
		s, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "postgres":
		s, err := OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("store: unknown driver %q", cfg.StoreDriver)
	}
}
