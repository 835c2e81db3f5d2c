package references

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store persists secret rows.
type Store interface {
	// Commit records new secrets and repoints the owner's references in one
	// transaction. It returns a StateConflictError when a rotation does not
	// move past the latest stored version.
	Commit(ctx context.Context, c Commit) error

	// ActiveReferences lists the owner's active references by path.
	ActiveReferences(ctx context.Context, ownerID string) ([]SecretReference, error)

	// SecretConfigByCoordinate finds the row for a base and version
	// (version 0 for external ids).
	SecretConfigByCoordinate(ctx context.Context, base string, version uint64) (SecretConfig, error)

	// LatestVersion returns the highest recorded version of a managed base.
	LatestVersion(ctx context.Context, base string) (uint64, bool, error)

	SaveStorage(ctx context.Context, s SecretStorage) error
	StorageForScope(ctx context.Context, scopeType ScopeType, scopeID string) ([]SecretStorage, error)
	ListStorages(ctx context.Context) ([]SecretStorage, error)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("reference row not found")

// ErrStateConflict matches StateConflictError.
var ErrStateConflict = errors.New("secret state conflict")

// StateConflictError reports a rotation to a version the store already
// holds, meaning another writer rotated the same secret concurrently.
type StateConflictError struct {
	Base      string
	Requested uint64
	Latest    uint64
}

func (e StateConflictError) Error() string {
	return fmt.Sprintf("secret %s is already at version %d; refusing to rotate to version %d", e.Base, e.Latest, e.Requested)
}

// Is makes errors.Is(err, ErrStateConflict) true.
func (e StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

// WriteMode selects whether split results are also recorded as rows.
type WriteMode string

const (
	// ModeLegacy keeps only the rendered coordinate inside the configuration.
	ModeLegacy WriteMode = "legacy"
	// ModeDualWrite also records SecretConfig and SecretReference rows.
	ModeDualWrite WriteMode = "dual_write"
)

// ParseWriteMode validates a write mode name. Empty means legacy.
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLegacy:
		return ModeLegacy, nil
	case ModeDualWrite, "dual-write", "dualwrite":
		return ModeDualWrite, nil
	default:
		return "", fmt.Errorf("unknown reference write mode %q (expected legacy or dual_write)", s)
	}
}
