package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrUnresolvedConnector = errors.New("unresolved connector")
	ErrFetchFailure        = errors.New("fetch failure")
	ErrPersistenceFailure  = errors.New("persistence failure")
	ErrContentTooShort     = errors.New("content too short")
	ErrNotFound            = errors.New("not found")
	ErrClaimLost           = errors.New("job claim lost")
	ErrInvalidTransition   = errors.New("invalid job status transition")
)

// UnresolvedConnectorError is returned when no registered connector owns a URL.
type UnresolvedConnectorError struct {
	URL       string
	Available []string
}

func (e *UnresolvedConnectorError) Error() string {
	return fmt.Sprintf("no connector owns %s (available: %v)", e.URL, e.Available)
}

// Is matches ErrUnresolvedConnector.
func (e *UnresolvedConnectorError) Is(target error) bool {
	return target == ErrUnresolvedConnector
}

// FetchError wraps a navigation, render, or timeout failure for a URL.
type FetchError struct {
	URL   string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Is matches ErrFetchFailure.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailure
}

// NewFetchError wraps cause for url.
func NewFetchError(url string, cause error) error {
	return &FetchError{URL: url, Cause: cause}
}

// PersistenceError wraps a rejected store write.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// Is matches ErrPersistenceFailure.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

// NewPersistenceError wraps cause for op.
func NewPersistenceError(op string, cause error) error {
	return &PersistenceError{Op: op, Cause: cause}
}

// ContentTooShortError is a soft warning; the content is still persisted.
type ContentTooShortError struct {
	Number int
	Length int
	Min    int
}

func (e *ContentTooShortError) Error() string {
	return fmt.Sprintf("chapter %d content has %d characters, want at least %d", e.Number, e.Length, e.Min)
}

// Is matches ErrContentTooShort.
func (e *ContentTooShortError) Is(target error) bool {
	return target == ErrContentTooShort
}
