package tenantdb

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionUnavailable matches every *ConnectionUnavailableError.
	ErrConnectionUnavailable = errors.New("tenantdb: connection unavailable")

	// ErrConfigChanged is reported when the owner's config was invalidated
	// while a handle was being built for it.
	ErrConfigChanged = errors.New("tenantdb: config changed during construction")

	// ErrNoPrivateDatabase is returned when an operation needs an active
	// private-cloud config and the owner has none.
	ErrNoPrivateDatabase = errors.New("tenantdb: no active private database")

	// ErrCircuitOpen is reported while construction for an owner is paused
	// after repeated failures.
	ErrCircuitOpen = errors.New("tenantdb: circuit open")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tenantdb: provider closed")
)

// ConnectionUnavailableError reports that the private database of Owner
// could not be reached. Callers fall back to the main handle.
type ConnectionUnavailableError struct {
	Owner string
	Err   error
}

func (e *ConnectionUnavailableError) Error() string {
	return fmt.Sprintf("private database for %s unavailable: %v", e.Owner, e.Err)
}

func (e *ConnectionUnavailableError) Unwrap() error { return e.Err }

func (e *ConnectionUnavailableError) Is(target error) bool {
	return target == ErrConnectionUnavailable
}
