package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable means an embedding or language model call failed
	// or its circuit is open.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrDimensionMismatch means a vector does not have the deployment dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrStore wraps persistence failures.
	ErrStore = errors.New("store error")
	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTagName is returned when a tag candidate normalises to nothing.
	ErrInvalidTagName = errors.New("invalid tag name")
	// ErrSearchFailed is returned when every search leg failed.
	ErrSearchFailed = errors.New("search failed")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)

type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("store: failed to %s: %v", e.op, e.err)
}

func (e *storeError) Unwrap() []error {
	return []error{ErrStore, e.err}
}

// StoreError wraps err so that errors.Is(err, ErrStore) holds while the
// original cause stays reachable.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storeError{op: op, err: err}
}

func providerError(op string, err error) error {
	if errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrProviderUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
}
