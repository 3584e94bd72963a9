package store

import "errors"

// Common errors returned by store implementations.
var (
	// ErrAlreadyInTx is returned when Begin is called on a handle already inside a transaction.
	ErrAlreadyInTx = errors.New("already in tx")
	// ErrNotInTx is returned when Commit/Rollback is called on a non-transactional handle.
	ErrNotInTx = errors.New("not in tx")
)
