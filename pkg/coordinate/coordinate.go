// Package coordinate defines the typed identifiers that replace secret values
// inside redacted connector configurations.
//
// A coordinate is one of two variants:
//
//   - Managed: a secret whose plaintext is written by cfgsecrets into one of
//     its own storage backends. Managed coordinates are versioned and render as
//     base + "_v" + version, for example:
//
//     airbyte_ws-42_3f1c9a2e-5b7d-4c1e-9a0f-2d6b8e4c7a11_v2
//
//   - External: an opaque identifier understood only by a customer-operated
//     secret manager. cfgsecrets never writes plaintext for it and never
//     assigns a version.
//
// Every string parses to exactly one variant. Parsing first tries the managed
// grammar (prefix, scope marker, random id, "_v" and a decimal version) and
// falls back to External. Only empty input is rejected.
//
// The prefix is carried by a Format value rather than a package global so
// callers inject deployment-specific constants at construction time:
//
//	f := coordinate.Format{Prefix: "airbyte_"}
//	c := f.Mint("ws-42")                // version 1
//	next := coordinate.NextVersion(c)   // same base, version 2
//	s := coordinate.Render(next)
//	back, _ := f.Parse(s)               // back == next
package coordinate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultPrefix is the managed coordinate prefix used when none is configured.
	DefaultPrefix = "airbyte_"

	// VersionDelimiter separates a managed coordinate base from its version.
	VersionDelimiter = "_v"

	// scopeDelimiter separates the scope marker from the random id.
	scopeDelimiter = "_"
)

// ErrMalformedCoordinate is returned when a coordinate string cannot be
// represented at all (empty input).
var ErrMalformedCoordinate = errors.New("malformed coordinate")

// Coordinate is a stored secret identifier. The only implementations are
// Managed and External.
type Coordinate interface {
	isCoordinate()
}

// Managed is a system-generated, versioned coordinate.
type Managed struct {
	Base    string
	Version uint64
}

func (Managed) isCoordinate() {}

// String renders the full coordinate.
func (m Managed) String() string {
	return Render(m)
}

// External is an opaque coordinate owned by a customer secret manager.
type External struct {
	ID string
}

func (External) isCoordinate() {}

// String renders the opaque id.
func (e External) String() string {
	return Render(e)
}

// Format holds the injected grammar parameters for managed coordinates.
type Format struct {
	Prefix string
}

// DefaultFormat returns a Format using DefaultPrefix.
func DefaultFormat() Format {
	return Format{Prefix: DefaultPrefix}
}

func (f Format) prefix() string {
	if f.Prefix == "" {
		return DefaultPrefix
	}
	return f.Prefix
}

// Mint creates a fresh version 1 managed coordinate namespaced under scopeID.
func (f Format) Mint(scopeID string) Managed {
	return Managed{
		Base:    f.prefix() + scopeID + scopeDelimiter + uuid.NewString(),
		Version: 1,
	}
}

// Parse converts a full coordinate string into its variant. It only fails for
// empty input.
func (f Format) Parse(full string) (Coordinate, error) {
	if strings.TrimSpace(full) == "" {
		return nil, fmt.Errorf("%w: empty coordinate", ErrMalformedCoordinate)
	}
	if m, ok := f.parseManaged(full); ok {
		return m, nil
	}
	return External{ID: full}, nil
}

// IsManaged reports whether s matches the managed grammar.
func (f Format) IsManaged(s string) bool {
	_, ok := f.parseManaged(s)
	return ok
}

func (f Format) parseManaged(full string) (Managed, bool) {
	prefix := f.prefix()
	if !strings.HasPrefix(full, prefix) {
		return Managed{}, false
	}
	idx := strings.LastIndex(full, VersionDelimiter)
	if idx <= len(prefix) {
		return Managed{}, false
	}
	digits := full[idx+len(VersionDelimiter):]
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return Managed{}, false
	}
	version, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || version == 0 {
		return Managed{}, false
	}
	// "v01" would not survive a render round trip
	if strconv.FormatUint(version, 10) != digits {
		return Managed{}, false
	}
	return Managed{Base: full[:idx], Version: version}, true
}

// Render returns the canonical string form of c.
func Render(c Coordinate) string {
	switch v := c.(type) {
	case Managed:
		return v.Base + VersionDelimiter + strconv.FormatUint(v.Version, 10)
	case External:
		return v.ID
	default:
		panic(fmt.Sprintf("coordinate: unknown variant %T", c))
	}
}

// NextVersion returns a copy of m with its version incremented.
func NextVersion(m Managed) Managed {
	return Managed{Base: m.Base, Version: m.Version + 1}
}

// IsManaged reports whether c is the managed variant.
func IsManaged(c Coordinate) bool {
	_, ok := c.(Managed)
	return ok
}

// Equal compares two coordinates by variant and value.
func Equal(a, b Coordinate) bool {
	switch av := a.(type) {
	case Managed:
		bv, ok := b.(Managed)
		return ok && av == bv
	case External:
		bv, ok := b.(External)
		return ok && av == bv
	default:
		return a == nil && b == nil
	}
}
