package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrNotFound    = errors.New("room not found")
	ErrConflict    = errors.New("room already exists")
	ErrUnavailable = errors.New("store unavailable")
	ErrRateLimited = errors.New("rate limited")
	ErrInvalid     = errors.New("invalid request")
)

// Error is a store failure other than a plain miss: transport, auth or schema.
type Error struct {
	Op     string // "fetch", "create", "write"
	RoomID string
	Err    error
}

func (e *Error) Error() string {
	if e.RoomID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.RoomID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with the failing operation. Misses and nil pass through untouched.
func Wrap(op, roomID string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, RoomID: roomID, Err: err}
}

// IsStoreError reports whether err is a StoreError rather than a miss.
func IsStoreError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
