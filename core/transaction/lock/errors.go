package lock

import "errors"

var (
	ErrNotHolder    = errors.New("mutex released by a goroutine that does not hold it")
	ErrTimeout      = errors.New("timed out waiting to acquire mutex")
	ErrInterrupted  = errors.New("mutex holder interrupted")
	ErrInvalidOwner = errors.New("write lock owner must not be empty")

	ErrHeldByOther        = errors.New("write lock held by another session")
	ErrReservedByOther    = errors.New("write lock reserved by another session")
	ErrReserveWithoutHold = errors.New("attempt to reserve write lock without holding it")
	ErrAlreadyReserved    = errors.New("attempt to reserve write lock when it is already reserved")
	ErrReleaseReserve     = errors.New("attempt to release write lock reservation without holding it")
)
