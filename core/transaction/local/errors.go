package local

import "errors"

var (
	ErrNestedBegin       = errors.New("goroutine already has an active transaction")
	ErrNoTransaction     = errors.New("no transaction associated with goroutine")
	ErrAlreadyAssociated = errors.New("transaction is associated with another goroutine")
	ErrForeignHandle     = errors.New("transaction handle was not created by this manager")
	ErrNotActive         = errors.New("transaction is not active")
	ErrRolledBack        = errors.New("transaction rolled back")
)
