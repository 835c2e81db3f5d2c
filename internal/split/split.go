// Package split separates secret values from a configuration.
//
// Split scans the new configuration for secret paths, decides for each one
// whether its value is new, unchanged, rotated or already a coordinate,
// writes new plaintext through a SecretPersistence and returns a redacted
// copy where every secret is replaced by its coordinate.
//
// Plaintext is always written before the caller can record a reference to
// it. A failed write aborts the whole call and nothing is returned, so a
// reference can never point at a value that was not stored.
package split

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/systmms/cfgsecrets/internal/logging"
	"github.com/systmms/cfgsecrets/internal/metrics"
	"github.com/systmms/cfgsecrets/internal/references"
	"github.com/systmms/cfgsecrets/internal/scan"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// Action is the decision taken for one secret path.
type Action string

const (
	// ActionSkipped means the value was empty or null.
	ActionSkipped Action = "skipped"
	// ActionCreated means a fresh version 1 coordinate was minted.
	ActionCreated Action = "created"
	// ActionUnchanged means the previous coordinate already holds the value.
	ActionUnchanged Action = "unchanged"
	// ActionRotated means the previous coordinate moved to its next version.
	ActionRotated Action = "rotated"
	// ActionKept means the value already was a coordinate.
	ActionKept Action = "kept"
)

// VersionGuard reports the highest version known for a managed base.
// references.Store satisfies it.
type VersionGuard interface {
	LatestVersion(ctx context.Context, base string) (uint64, bool, error)
}

// Request is the input to Split.
type Request struct {
	// ScopeID namespaces minted coordinates.
	ScopeID string
	// Config is the submitted configuration. It is never modified.
	Config map[string]interface{}
	Schema *scan.Schema
	// Previous is the stored redacted configuration, nil on first write.
	Previous map[string]interface{}
}

// Decision records what happened at one path.
type Decision struct {
	Path       string
	Action     Action
	Coordinate coordinate.Coordinate
}

// Result is the output of a successful Split.
type Result struct {
	// Redacted is a copy of the configuration with secrets replaced.
	Redacted map[string]interface{}
	// SecretConfigs lists created and rotated secrets only.
	SecretConfigs []references.SecretConfig
	// Paths lists every secret path that carries a coordinate.
	Paths []references.PathCoordinate
	// Decisions holds one entry per scanned path, skipped ones included.
	Decisions []Decision
}

// ValidationError reports a secret field whose value cannot be stored.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid secret at %s: %s", e.Path, e.Message)
}

// Splitter extracts secrets. The zero value is usable and uses the default
// coordinate format and secret marker.
type Splitter struct {
	Format  coordinate.Format
	Scanner *scan.Scanner
	// Guard, when set, is checked before any rotated value is written.
	Guard  VersionGuard
	Logger *logging.Logger
	Now    func() time.Time
}

// New creates a splitter.
func New(format coordinate.Format, scanner *scan.Scanner, guard VersionGuard, logger *logging.Logger) *Splitter {
	return &Splitter{Format: format, Scanner: scanner, Guard: guard, Logger: logger}
}

type pending struct {
	decision  Decision
	plaintext []byte
}

// Split runs the extraction. On error no value has been committed anywhere
// except, possibly, plaintext written to fresh coordinates that nothing
// references yet.
func (s *Splitter) Split(ctx context.Context, req Request, store secretstore.SecretPersistence) (*Result, error) {
	if req.Config == nil {
		return nil, fmt.Errorf("split: configuration is required")
	}
	if store == nil {
		return nil, fmt.Errorf("split: secret persistence is required")
	}
	if req.ScopeID == "" {
		return nil, fmt.Errorf("split: scope id is required")
	}

	paths, err := s.scanner().Scan(req.Config, req.Schema)
	if err != nil {
		return nil, fmt.Errorf("scan configuration: %w", err)
	}

	plan := make([]pending, 0, len(paths))
	defer func() {
		for _, p := range plan {
			wipe(p.plaintext)
		}
	}()

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.decide(ctx, req, path, store)
		if err != nil {
			return nil, err
		}
		s.logger().Debug("split %s: %s %s", path, p.decision.Action, renderOrEmpty(p.decision.Coordinate))
		plan = append(plan, p)
	}

	if err := s.checkVersions(ctx, plan); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	result := &Result{}
	for _, p := range plan {
		d := p.decision
		result.Decisions = append(result.Decisions, d)
		if d.Action == ActionSkipped {
			continue
		}
		result.Paths = append(result.Paths, references.PathCoordinate{Path: d.Path, Coordinate: d.Coordinate})

		if d.Action != ActionCreated && d.Action != ActionRotated {
			continue
		}
		if err := store.Write(ctx, d.Coordinate, p.plaintext); err != nil {
			return nil, fmt.Errorf("write secret for %s to %s: %w", d.Path, store.Name(), err)
		}
		kind := metrics.KindCreated
		if d.Action == ActionRotated {
			kind = metrics.KindRotated
		}
		metrics.RecordSecretWritten(store.Name(), kind)

		m := d.Coordinate.(coordinate.Managed)
		result.SecretConfigs = append(result.SecretConfigs, references.SecretConfig{
			ScopeID:        req.ScopeID,
			Coordinate:     m.Base,
			Version:        m.Version,
			AirbyteManaged: true,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	redacted, err := redact(req.Config, result.Decisions)
	if err != nil {
		return nil, err
	}
	result.Redacted = redacted
	return result, nil
}

func (s *Splitter) decide(ctx context.Context, req Request, path string, store secretstore.SecretPersistence) (pending, error) {
	value, err := scan.Get(req.Config, path)
	if err != nil {
		return pending{}, fmt.Errorf("read value at %s: %w", path, err)
	}

	switch v := value.(type) {
	case nil:
		return pending{decision: Decision{Path: path, Action: ActionSkipped}}, nil
	case string:
		if v == "" {
			return pending{decision: Decision{Path: path, Action: ActionSkipped}}, nil
		}
		if s.Format.IsManaged(v) {
			c, _ := s.Format.Parse(v)
			return pending{decision: Decision{Path: path, Action: ActionKept, Coordinate: c}}, nil
		}
		return s.decidePlaintext(ctx, req, path, []byte(v), store)
	case map[string]interface{}:
		if !coordinate.IsReferenceObject(v) {
			return pending{}, ValidationError{Path: path, Message: "secret value must be a string or a reference object"}
		}
		ref, ok := coordinate.ReferenceValue(v)
		if !ok {
			return pending{}, ValidationError{Path: path, Message: fmt.Sprintf("%s must be a string", coordinate.ReferenceKey)}
		}
		c, err := s.Format.Parse(ref)
		if err != nil {
			return pending{}, ValidationError{Path: path, Message: err.Error()}
		}
		return pending{decision: Decision{Path: path, Action: ActionKept, Coordinate: c}}, nil
	default:
		return pending{}, ValidationError{Path: path, Message: fmt.Sprintf("secret value must be a string, got %T", value)}
	}
}

func (s *Splitter) decidePlaintext(ctx context.Context, req Request, path string, plaintext []byte, store secretstore.SecretPersistence) (pending, error) {
	prev, ok := s.previousCoordinate(req.Previous, path)
	if !ok {
		return pending{
			decision:  Decision{Path: path, Action: ActionCreated, Coordinate: s.Format.Mint(req.ScopeID)},
			plaintext: plaintext,
		}, nil
	}

	old, err := store.Read(ctx, prev)
	switch {
	case secretstore.IsNotFound(err):
		// the previous value is gone; a new version still keeps the base
	case err != nil:
		return pending{}, fmt.Errorf("read previous secret for %s: %w", path, err)
	default:
		same := subtle.ConstantTimeCompare(old, plaintext) == 1
		wipe(old)
		if same {
			wipe(plaintext)
			return pending{decision: Decision{Path: path, Action: ActionUnchanged, Coordinate: prev}}, nil
		}
	}

	return pending{
		decision:  Decision{Path: path, Action: ActionRotated, Coordinate: coordinate.NextVersion(prev)},
		plaintext: plaintext,
	}, nil
}

// previousCoordinate returns the managed coordinate stored at path in the
// previous configuration. External references and plaintext do not count.
func (s *Splitter) previousCoordinate(previous map[string]interface{}, path string) (coordinate.Managed, bool) {
	if previous == nil {
		return coordinate.Managed{}, false
	}
	v, err := scan.Get(previous, path)
	if err != nil {
		return coordinate.Managed{}, false
	}

	raw, ok := v.(string)
	if !ok {
		if raw, ok = coordinate.ReferenceValue(v); !ok {
			return coordinate.Managed{}, false
		}
	}
	if !s.Format.IsManaged(raw) {
		return coordinate.Managed{}, false
	}
	c, err := s.Format.Parse(raw)
	if err != nil {
		return coordinate.Managed{}, false
	}
	m, ok := c.(coordinate.Managed)
	return m, ok
}

func (s *Splitter) checkVersions(ctx context.Context, plan []pending) error {
	if s.Guard == nil {
		return nil
	}
	for _, p := range plan {
		if p.decision.Action != ActionRotated {
			continue
		}
		m := p.decision.Coordinate.(coordinate.Managed)
		latest, ok, err := s.Guard.LatestVersion(ctx, m.Base)
		if err != nil {
			return fmt.Errorf("check latest version of %s: %w", m.Base, err)
		}
		if ok && latest >= m.Version {
			return references.StateConflictError{Base: m.Base, Requested: m.Version, Latest: latest}
		}
	}
	return nil
}

func redact(config map[string]interface{}, decisions []Decision) (map[string]interface{}, error) {
	redacted, ok := deepcopy.Copy(config).(map[string]interface{})
	if !ok {
		return nil, errors.New("split: configuration copy failed")
	}
	for _, d := range decisions {
		if d.Action == ActionSkipped || d.Action == ActionKept {
			continue
		}
		if err := scan.Set(redacted, d.Path, coordinate.Render(d.Coordinate)); err != nil {
			return nil, fmt.Errorf("redact %s: %w", d.Path, err)
		}
	}
	return redacted, nil
}

func (s *Splitter) scanner() *scan.Scanner {
	if s.Scanner == nil {
		return scan.NewScanner()
	}
	return s.Scanner
}

func (s *Splitter) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.Nop()
	}
	return s.Logger
}

func (s *Splitter) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func renderOrEmpty(c coordinate.Coordinate) string {
	if c == nil {
		return ""
	}
	return coordinate.Render(c)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
