package database

import "errors"

var (
	ErrDatabaseClosed = errors.New("database closed")
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownStore   = errors.New("unknown store")
	ErrNoSystemStore  = errors.New("system store not registered")
	ErrDuplicateStore = errors.New("store registered twice")
	ErrNotInitiated   = errors.New("operation context not bound to a transaction")

	ErrExternallyManaged = errors.New("internal transaction control used on an externally managed session")
	ErrInternallyManaged = errors.New("external transaction control used on an internally managed session")
)
