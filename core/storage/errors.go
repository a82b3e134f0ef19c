package storage

import "errors"

var (
	ErrNotFound      = errors.New("key not found")
	ErrEmptyKey      = errors.New("key must not be empty")
	ErrReadOnly      = errors.New("write in read-only transaction")
	ErrTxnDone       = errors.New("transaction already finished")
	ErrConflict      = errors.New("transaction conflicts with a concurrent commit")
	ErrClosed        = errors.New("store closed")
	ErrNotAssociated = errors.New("storage session not associated with a transaction branch")
	ErrUnknownKind   = errors.New("unknown store kind")
)
