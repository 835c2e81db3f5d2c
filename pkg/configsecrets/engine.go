// Package configsecrets is the library boundary of cfgsecrets: split a
// connector configuration into a redacted configuration plus stored secrets,
// hydrate a redacted configuration back into plaintext, and parse or render
// coordinates.
//
// An Engine is safe for concurrent use. It holds no plaintext between
// calls; every split or hydrate resolves its storages, runs, and returns.
//
//	engine := configsecrets.New(resolver,
//	    configsecrets.WithReferenceStore(store, references.ModeDualWrite))
//	res, err := engine.Split(ctx, configsecrets.SplitRequest{
//	    ScopeID: "ws-42",
//	    OwnerID: "source-1",
//	    Config:  cfg,
//	    Schema:  schemaJSON,
//	})
//	full, err := engine.Hydrate(ctx, configsecrets.HydrateRequest{
//	    ScopeID: "ws-42",
//	    Config:  res.Redacted,
//	})
package configsecrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/systmms/cfgsecrets/internal/hydrate"
	"github.com/systmms/cfgsecrets/internal/logging"
	"github.com/systmms/cfgsecrets/internal/metrics"
	"github.com/systmms/cfgsecrets/internal/references"
	"github.com/systmms/cfgsecrets/internal/scan"
	"github.com/systmms/cfgsecrets/internal/split"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

// SplitRequest is the input to Engine.Split.
type SplitRequest struct {
	// ScopeID namespaces new coordinates. Empty means the default scope.
	ScopeID string
	// ScopeType selects storages. Empty means workspace.
	ScopeType references.ScopeType
	// OwnerID identifies the configuration in reference rows.
	OwnerID string
	Config  map[string]interface{}
	// Schema is the JSON schema marking secret fields.
	Schema []byte
	// Previous is the stored redacted configuration, if any.
	Previous map[string]interface{}
}

// SplitResult is the output of Engine.Split.
type SplitResult struct {
	Redacted      map[string]interface{}
	SecretConfigs []references.SecretConfig
	Paths         []references.PathCoordinate
	// StorageID is the storage new values were written to.
	StorageID string
}

// HydrateRequest is the input to Engine.Hydrate.
type HydrateRequest struct {
	ScopeID   string
	ScopeType references.ScopeType
	Config    map[string]interface{}
}

// CommitError reports that secrets were stored and the redacted
// configuration is valid, but recording reference rows failed. The
// SplitResult returned alongside it may be persisted; the commit may be
// retried by splitting again.
type CommitError struct {
	Err error
}

func (e CommitError) Error() string {
	return "record secret references: " + e.Err.Error()
}

func (e CommitError) Unwrap() error {
	return e.Err
}

// Engine runs split and hydrate against the storages of each scope.
type Engine struct {
	format         coordinate.Format
	scanner        *scan.Scanner
	resolver       StorageResolver
	refs           references.Store
	mode           references.WriteMode
	defaultScopeID string
	logger         *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFormat sets the coordinate format.
func WithFormat(f coordinate.Format) Option {
	return func(e *Engine) { e.format = f }
}

// WithSecretMarkers sets the schema keywords that mark a field secret.
func WithSecretMarkers(markers ...string) Option {
	return func(e *Engine) { e.scanner = scan.NewScanner(markers...) }
}

// WithReferenceStore records split results in store. In dual_write mode
// the store is also consulted before any rotation.
func WithReferenceStore(store references.Store, mode references.WriteMode) Option {
	return func(e *Engine) {
		e.refs = store
		e.mode = mode
	}
}

// WithDefaultScope sets the scope used by requests without a ScopeID.
func WithDefaultScope(scopeID string) Option {
	return func(e *Engine) { e.defaultScopeID = scopeID }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine.
func New(resolver StorageResolver, opts ...Option) *Engine {
	e := &Engine{
		format:   coordinate.DefaultFormat(),
		scanner:  scan.NewScanner(),
		resolver: resolver,
		mode:     references.ModeLegacy,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) scope(scopeType references.ScopeType, scopeID string) (references.ScopeType, string, error) {
	if scopeType == "" {
		scopeType = references.ScopeWorkspace
	}
	if scopeID == "" {
		scopeID = e.defaultScopeID
	}
	if scopeID == "" {
		return "", "", errors.New("scope id is required")
	}
	return scopeType, scopeID, nil
}

func (e *Engine) dualWrite() bool {
	return e.refs != nil && e.mode == references.ModeDualWrite
}

// Split extracts the secrets of req.Config, stores new and changed values
// and returns the redacted configuration. In dual_write mode the result is
// also recorded in the reference store; if only that step fails, the result
// is returned together with a CommitError.
func (e *Engine) Split(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	res, err := e.split(ctx, req)
	switch {
	case err == nil:
		metrics.RecordSplit(metrics.ResultSuccess)
	case errors.Is(err, references.ErrStateConflict):
		metrics.RecordSplit(metrics.ResultConflict)
	default:
		metrics.RecordSplit(metrics.ResultFailure)
	}
	return res, err
}

func (e *Engine) split(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	scopeType, scopeID, err := e.scope(req.ScopeType, req.ScopeID)
	if err != nil {
		return nil, err
	}
	if e.dualWrite() && req.OwnerID == "" {
		return nil, errors.New("owner id is required when recording references")
	}

	schema, err := e.scanner.ParseSchema(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	binding, err := e.resolver.Resolve(ctx, scopeType, scopeID)
	if err != nil {
		return nil, fmt.Errorf("resolve storage: %w", err)
	}

	splitter := split.New(e.format, e.scanner, nil, e.logger)
	if e.dualWrite() {
		splitter.Guard = e.refs
	}

	out, err := splitter.Split(ctx, split.Request{
		ScopeID:  scopeID,
		Config:   req.Config,
		Schema:   schema,
		Previous: req.Previous,
	}, binding.Router())
	if err != nil {
		return nil, err
	}

	for i := range out.SecretConfigs {
		out.SecretConfigs[i].ScopeType = scopeType
		out.SecretConfigs[i].StorageID = binding.ManagedID
	}
	res := &SplitResult{
		Redacted:      out.Redacted,
		SecretConfigs: out.SecretConfigs,
		Paths:         out.Paths,
		StorageID:     binding.ManagedID,
	}
	e.logger.Debug("split %s/%s: %d new secrets, %d secret paths", scopeType, scopeID, len(res.SecretConfigs), len(res.Paths))

	if !e.dualWrite() {
		return res, nil
	}

	err = e.refs.Commit(ctx, references.Commit{
		ScopeType:         scopeType,
		ScopeID:           scopeID,
		OwnerID:           req.OwnerID,
		StorageID:         binding.ManagedID,
		ExternalStorageID: binding.ExternalID,
		NewConfigs:        res.SecretConfigs,
		Paths:             res.Paths,
	})
	if err != nil {
		e.logger.Error("Failed to record secret references for %s: %v", req.OwnerID, err)
		return res, CommitError{Err: err}
	}
	return res, nil
}

// Hydrate resolves every coordinate in req.Config. It returns either a
// fully hydrated copy or an error, never a partial result.
func (e *Engine) Hydrate(ctx context.Context, req HydrateRequest) (map[string]interface{}, error) {
	full, err := e.hydrate(ctx, req)
	if err != nil {
		metrics.RecordHydrate(metrics.ResultFailure)
		return nil, err
	}
	metrics.RecordHydrate(metrics.ResultSuccess)
	return full, nil
}

func (e *Engine) hydrate(ctx context.Context, req HydrateRequest) (map[string]interface{}, error) {
	scopeType, scopeID, err := e.scope(req.ScopeType, req.ScopeID)
	if err != nil {
		return nil, err
	}
	binding, err := e.resolver.Resolve(ctx, scopeType, scopeID)
	if err != nil {
		return nil, fmt.Errorf("resolve storage: %w", err)
	}
	return hydrate.New(e.format, e.logger).Hydrate(ctx, req.Config, binding.Router())
}

// ParseCoordinate parses s with the engine's coordinate format.
func (e *Engine) ParseCoordinate(s string) (coordinate.Coordinate, error) {
	return e.format.Parse(s)
}

// RenderCoordinate renders c.
func (e *Engine) RenderCoordinate(c coordinate.Coordinate) string {
	return coordinate.Render(c)
}

// Format returns the engine's coordinate format.
func (e *Engine) Format() coordinate.Format {
	return e.format
}
