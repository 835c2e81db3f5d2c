// Package secretstore defines the narrow capability cfgsecrets needs from a
// secret storage backend.
//
// Storage backends (AWS Secrets Manager, GCP Secret Manager, Azure Key Vault,
// HashiCorp Vault, a local SQL table, the OS keyring) are external systems.
// The engine depends only on SecretPersistence: read, write and delete a
// plaintext value by coordinate. Concrete implementations live in
// internal/persistence.
//
// # Error Handling
//
// Backends report failures with the typed errors of this package:
//   - NotFoundError: the coordinate has no stored value
//   - UnavailableError: a transient or unexpected backend failure
//   - ValidationError: the request can never succeed (for example writing an
//     external coordinate, or writing to a read-only storage)
//
// Use errors.Is with ErrNotFound and ErrStorageUnavailable to classify them.
// Errors must never be swallowed: a lost write followed by a persisted
// coordinate reference is a dangling pointer.
//
// # Security Considerations
//
// Implementations must:
//   - Never log plaintext values (use logging.Secret)
//   - Support context cancellation for timeouts
//   - Be safe for concurrent use; a backend may serve many scopes at once
//   - Not cache plaintext beyond a single call
package secretstore

import (
	"context"
	"errors"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

// SecretPersistence reads and writes plaintext secret values by coordinate.
//
// Every method is a blocking I/O boundary and must honour ctx.
//
// Example:
//
//	if err := store.Write(ctx, c, []byte("sk_live_123")); err != nil {
//	    return fmt.Errorf("persist secret: %w", err)
//	}
//	value, err := store.Read(ctx, c)
//	if errors.Is(err, secretstore.ErrNotFound) {
//	    // coordinate was garbage collected
//	}
type SecretPersistence interface {
	// Name returns the storage name used in logs, metrics and errors.
	Name() string

	// Read returns the plaintext stored at c. It returns a NotFoundError when
	// nothing is stored there.
	Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error)

	// Write stores value at c. Writing the same value to the same coordinate
	// twice must succeed both times.
	Write(ctx context.Context, c coordinate.Coordinate, value []byte) error

	// Delete removes the value stored at c. It is only called by external
	// garbage collection, never by split or hydrate.
	Delete(ctx context.Context, c coordinate.Coordinate) error
}

// Sentinel errors matched by the typed errors below.
var (
	ErrNotFound           = errors.New("secret not found")
	ErrStorageUnavailable = errors.New("secret storage unavailable")
)

// NotFoundError indicates that a coordinate has no stored value.
type NotFoundError struct {
	// Store is the name of the storage that was queried.
	Store string

	// Coordinate is the rendered coordinate that could not be found.
	Coordinate string
}

// Error implements the error interface.
func (e NotFoundError) Error() string {
	return "secret not found: " + e.Coordinate + " in store " + e.Store
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// UnavailableError wraps a backend failure that may succeed on retry.
type UnavailableError struct {
	// Store is the name of the storage that failed.
	Store string

	// Op is the attempted operation: "read", "write" or "delete".
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e UnavailableError) Error() string {
	msg := "secret storage " + e.Store + " unavailable during " + e.Op
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStorageUnavailable) true.
func (e UnavailableError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// ValidationError indicates a request that can never succeed.
type ValidationError struct {
	// Store is the name of the storage where validation failed.
	// May be empty for general validation errors.
	Store string

	// Message provides details about what validation failed.
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Store == "" {
		return "validation failed: " + e.Message
	}
	return "validation failed for store " + e.Store + ": " + e.Message
}

// Classify passes typed errors of this package through and wraps anything
// else as an UnavailableError. It returns nil for a nil err.
func Classify(store, op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		nf  NotFoundError
		nfp *NotFoundError
		ua  UnavailableError
		ve  ValidationError
	)
	if errors.As(err, &nf) || errors.As(err, &nfp) || errors.As(err, &ua) || errors.As(err, &ve) {
		return err
	}
	// cancellation is reported as unavailability so callers may retry
	return UnavailableError{Store: store, Op: op, Err: err}
}

// IsNotFound reports whether err means the coordinate has no stored value.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
