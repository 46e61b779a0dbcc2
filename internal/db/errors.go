package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPersistence matches every *PersistenceError via errors.Is.
	ErrPersistence = errors.New("persistence failure")

	// ErrCredentialsLocked is returned when provider credentials are changed
	// while an active webhook subscription depends on them.
	ErrCredentialsLocked = errors.New("provider credentials are locked by an active subscription")

	// ErrSubscriptionExists is returned when a second active subscription
	// would be recorded for the same client and scope.
	ErrSubscriptionExists = errors.New("active subscription already exists for scope")
)

// PersistenceError is a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
