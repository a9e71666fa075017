package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrItemNotFound         = errors.New("cart item not found")
	ErrAlreadyAuthenticated = errors.New("cart already belongs to a user")
	ErrOwnershipTransition  = errors.New("cart ownership can only move from guest to user once")
)

// ValidationError is returned synchronously for requests that never reach the network
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RemoteError is a failed call to the remote cart API.
// Status is the HTTP status, or 0 when no response was received.
type RemoteError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote %s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("remote %s failed with status %d: %s", e.Op, e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// PersistenceError is a failed read or write of the local cart store
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("local store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// EstimationError is a failed shipping preview. It never leaves the engine.
type EstimationError struct {
	Version uint64
	Err     error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("shipping estimate for version %d: %v", e.Version, e.Err)
}

func (e *EstimationError) Unwrap() error {
	return e.Err
}

// MergeFailure describes one guest line that could not be merged
type MergeFailure struct {
	Item LineItem
	Err  error
}

// PartialMergeFailure lists the guest lines a reconciliation could not merge.
// Lines not listed were merged and stay merged.
type PartialMergeFailure struct {
	Failures []MergeFailure
}

func (e *PartialMergeFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", VariantKey(f.Item.ProductID, f.Item.Variant), f.Err))
	}
	return fmt.Sprintf("%d item(s) failed to merge: %s", len(e.Failures), strings.Join(parts, "; "))
}

// IsValidation reports whether err carries a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// AsRemote extracts a RemoteError from err
func AsRemote(err error) (*RemoteError, bool) {
	var r *RemoteError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
