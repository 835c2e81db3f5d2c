// Package references records which secret coordinates exist and which
// configuration paths point at them.
//
// Rows are an index for auditing and management, never a hydration
// dependency: the rendered coordinate inside a configuration stays the
// source of truth. Rows are never hard-deleted here; removing orphaned
// rows is a separately scheduled garbage-collection job.
package references

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

// ScopeType is the kind of entity a secret is namespaced under.
type ScopeType string

const (
	ScopeWorkspace    ScopeType = "workspace"
	ScopeOrganization ScopeType = "organization"
	ScopeInstance     ScopeType = "instance"
)

// ParseScopeType validates a scope type name. Empty means workspace.
func ParseScopeType(s string) (ScopeType, error) {
	switch ScopeType(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeWorkspace:
		return ScopeWorkspace, nil
	case ScopeOrganization:
		return ScopeOrganization, nil
	case ScopeInstance:
		return ScopeInstance, nil
	default:
		return "", fmt.Errorf("unknown scope type %q (expected workspace, organization or instance)", s)
	}
}

// SecretConfig is one logical secret value. A rotation creates a new row
// with a higher version; rows are never mutated once versioned.
type SecretConfig struct {
	ID        string
	ScopeType ScopeType
	ScopeID   string
	StorageID string

	// Coordinate is the managed base, or the opaque id for external secrets.
	Coordinate string
	// Version is 0 for external secrets.
	Version uint64

	AirbyteManaged bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullCoordinate renders the coordinate this row describes.
func (c SecretConfig) FullCoordinate() string {
	if !c.AirbyteManaged {
		return c.Coordinate
	}
	return c.Coordinate + coordinate.VersionDelimiter + strconv.FormatUint(c.Version, 10)
}

// Coord returns the typed coordinate for the row.
func (c SecretConfig) Coord() coordinate.Coordinate {
	if !c.AirbyteManaged {
		return coordinate.External{ID: c.Coordinate}
	}
	return coordinate.Managed{Base: c.Coordinate, Version: c.Version}
}

// SecretReference links one (owner, JSON pointer) pair to a SecretConfig.
// At most one reference per pair is active.
type SecretReference struct {
	ID             string
	OwnerID        string
	Path           string
	SecretConfigID string
	Active         bool
	CreatedAt      time.Time
	RetiredAt      *time.Time
}

// SecretStorage describes a configured backend and the scope it serves.
type SecretStorage struct {
	ID         string
	Name       string
	Type       string
	ScopeType  ScopeType
	ScopeID    string
	ReadOnly   bool
	Descriptor map[string]interface{}
	CreatedAt  time.Time
}

// PathCoordinate is the coordinate found at one secret path after a split.
type PathCoordinate struct {
	Path       string
	Coordinate coordinate.Coordinate
}

// Commit is everything a successful split wants recorded.
type Commit struct {
	ScopeType ScopeType
	ScopeID   string
	OwnerID   string

	// StorageID is the managed storage the new values were written to.
	StorageID string
	// ExternalStorageID, if set, is recorded on backfilled external rows.
	ExternalStorageID string

	// NewConfigs holds created and rotated secrets only.
	NewConfigs []SecretConfig
	// Paths lists every secret path of the configuration and its coordinate.
	Paths []PathCoordinate
}

func configKey(base string, version uint64) string {
	return base + "\x00" + strconv.FormatUint(version, 10)
}

func coordKey(c coordinate.Coordinate) (string, uint64) {
	switch v := c.(type) {
	case coordinate.Managed:
		return v.Base, v.Version
	case coordinate.External:
		return v.ID, 0
	default:
		panic(fmt.Sprintf("references: unknown coordinate %T", c))
	}
}
