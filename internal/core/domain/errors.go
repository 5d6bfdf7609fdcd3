package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when an environment id does not exist in the
// catalog.
var ErrNotFound = errors.New("environment not found")

// ErrBusy is returned when an operation is already in flight for the same
// environment. Callers are rejected immediately, never queued.
var ErrBusy = errors.New("operation already in progress for this environment")

// ErrRuntimeUnavailable is returned when the container runtime cannot be
// reached at all, daemon down or compose binary missing.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// PortConflictError is a start failure caused by another container already
// publishing one of the requested host ports. It carries enough structure
// for the console to name the occupiers.
type PortConflictError struct {
	Port        int
	Conflicting []string // names of the containers holding the port
	Detail      string   // raw runtime message
}

func (e *PortConflictError) Error() string {
	if len(e.Conflicting) > 0 {
		return fmt.Sprintf("host port %d is already allocated by %s", e.Port, strings.Join(e.Conflicting, ", "))
	}
	return fmt.Sprintf("host port %d is already allocated", e.Port)
}
