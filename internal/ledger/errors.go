package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrChainConflict is returned by a Store when the appended event no
	// longer links to the chain head.
	ErrChainConflict = errors.New("ledger: chain head moved")
	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("ledger: store closed")
)

// ValidationError reports a missing or malformed input field. Nothing is recorded.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError reports a failed write. The chain is unchanged and the
// whole append may be retried.
type PersistenceError struct {
	ChainID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger: persist event on chain %q: %v", e.ChainID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StorageReadError reports a failed read during hash lookup or verification.
type StorageReadError struct {
	ChainID string
	Err     error
}

func (e *StorageReadError) Error() string {
	return fmt.Sprintf("ledger: read chain %q: %v", e.ChainID, e.Err)
}

func (e *StorageReadError) Unwrap() error { return e.Err }
