// Package hydrate resolves the coordinates in a redacted configuration back
// into plaintext.
package hydrate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/systmms/cfgsecrets/internal/logging"
	"github.com/systmms/cfgsecrets/internal/scan"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// HydrationError names the path whose coordinate could not be resolved.
type HydrationError struct {
	Path       string
	Coordinate string
	Err        error
}

func (e HydrationError) Error() string {
	return fmt.Sprintf("hydrate %s (%s): %v", e.Path, e.Coordinate, e.Err)
}

func (e HydrationError) Unwrap() error {
	return e.Err
}

// Hydrator replaces coordinates with plaintext. The zero value uses the
// default coordinate format.
type Hydrator struct {
	Format coordinate.Format
	Logger *logging.Logger
}

// New creates a hydrator.
func New(format coordinate.Format, logger *logging.Logger) *Hydrator {
	return &Hydrator{Format: format, Logger: logger}
}

// Hydrate returns a copy of redacted with every managed coordinate string and
// every reference object replaced by the stored plaintext. It either resolves
// everything or returns an error and no configuration.
func (h *Hydrator) Hydrate(ctx context.Context, redacted map[string]interface{}, store secretstore.SecretPersistence) (map[string]interface{}, error) {
	if redacted == nil {
		return nil, fmt.Errorf("hydrate: configuration is required")
	}
	if store == nil {
		return nil, fmt.Errorf("hydrate: secret persistence is required")
	}

	w := &walker{h: h, store: store}
	out, err := w.walk(ctx, redacted, nil)
	if err != nil {
		return nil, err
	}
	full, ok := out.(map[string]interface{})
	if !ok {
		return nil, HydrationError{Err: fmt.Errorf("the document root cannot be a secret reference")}
	}
	h.logger().Debug("hydrated %d secrets from %s", w.resolved, store.Name())
	return full, nil
}

// Coordinates lists the coordinates a hydration of redacted would read,
// keyed by JSON pointer. Nothing is read.
func (h *Hydrator) Coordinates(redacted map[string]interface{}) map[string]coordinate.Coordinate {
	out := make(map[string]coordinate.Coordinate)
	h.collect(redacted, nil, out)
	return out
}

func (h *Hydrator) collect(v interface{}, tokens []string, out map[string]coordinate.Coordinate) {
	if c, ok := h.coordinateOf(v); ok {
		out[scan.Pointer(tokens...)] = c
		return
	}
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			h.collect(child, append(tokens[:len(tokens):len(tokens)], k), out)
		}
	case []interface{}:
		for i, child := range t {
			h.collect(child, append(tokens[:len(tokens):len(tokens)], strconv.Itoa(i)), out)
		}
	}
}

// coordinateOf recognises a managed coordinate string or a reference object.
func (h *Hydrator) coordinateOf(v interface{}) (coordinate.Coordinate, bool) {
	switch t := v.(type) {
	case string:
		if !h.Format.IsManaged(t) {
			return nil, false
		}
		c, err := h.Format.Parse(t)
		return c, err == nil
	case map[string]interface{}:
		ref, ok := coordinate.ReferenceValue(t)
		if !ok {
			return nil, false
		}
		c, err := h.Format.Parse(ref)
		return c, err == nil
	}
	return nil, false
}

type walker struct {
	h        *Hydrator
	store    secretstore.SecretPersistence
	resolved int
}

// walk builds a fresh tree. Map keys are visited in sorted order so the
// first failure reported is stable.
func (w *walker) walk(ctx context.Context, v interface{}, tokens []string) (interface{}, error) {
	if c, ok := w.h.coordinateOf(v); ok {
		return w.resolve(ctx, c, tokens)
	}
	if coordinate.IsReferenceObject(v) {
		return nil, HydrationError{Path: scan.Pointer(tokens...), Err: fmt.Errorf("malformed %s reference", coordinate.ReferenceKey)}
	}

	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			child, err := w.walk(ctx, t[k], append(tokens[:len(tokens):len(tokens)], k))
			if err != nil {
				return nil, err
			}
			out[k] = child
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			child, err := w.walk(ctx, item, append(tokens[:len(tokens):len(tokens)], strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	default:
		return v, nil
	}
}

func (w *walker) resolve(ctx context.Context, c coordinate.Coordinate, tokens []string) (interface{}, error) {
	path := scan.Pointer(tokens...)
	if err := ctx.Err(); err != nil {
		return nil, HydrationError{Path: path, Coordinate: coordinate.Render(c), Err: err}
	}
	b, err := w.store.Read(ctx, c)
	if err != nil {
		return nil, HydrationError{Path: path, Coordinate: coordinate.Render(c), Err: err}
	}
	value := string(b)
	for i := range b {
		b[i] = 0
	}
	w.resolved++
	return value, nil
}

func (h *Hydrator) logger() *logging.Logger {
	if h.Logger == nil {
		return logging.Nop()
	}
	return h.Logger
}
