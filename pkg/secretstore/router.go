package secretstore

import (
	"context"
	"fmt"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

// Router dispatches coordinates to the backend that owns them: managed
// coordinates go to the writable managed storage, external coordinates to
// the customer storage configured for the scope.
type Router struct {
	Managed  SecretPersistence
	External SecretPersistence
}

// NewRouter creates a router. external may be nil when the scope has no
// customer storage; external coordinates are then read from managed.
func NewRouter(managed, external SecretPersistence) *Router {
	return &Router{Managed: managed, External: external}
}

// Name returns the managed storage name.
func (r *Router) Name() string {
	if r.Managed == nil {
		return "unrouted"
	}
	return r.Managed.Name()
}

func (r *Router) target(c coordinate.Coordinate) (SecretPersistence, error) {
	switch c.(type) {
	case coordinate.Managed:
		if r.Managed == nil {
			return nil, ValidationError{Message: "no managed storage configured"}
		}
		return r.Managed, nil
	case coordinate.External:
		if r.External != nil {
			return r.External, nil
		}
		if r.Managed == nil {
			return nil, ValidationError{Message: "no storage configured for external coordinates"}
		}
		return r.Managed, nil
	default:
		return nil, ValidationError{Message: fmt.Sprintf("unsupported coordinate %T", c)}
	}
}

// Read resolves c against its owning backend.
func (r *Router) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	p, err := r.target(c)
	if err != nil {
		return nil, err
	}
	return p.Read(ctx, c)
}

// Write stores a managed coordinate. External coordinates are never written.
func (r *Router) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	if _, ok := c.(coordinate.External); ok {
		return ValidationError{Store: r.Name(), Message: "external coordinates are read-only"}
	}
	p, err := r.target(c)
	if err != nil {
		return err
	}
	return p.Write(ctx, c, value)
}

// Delete removes a managed coordinate.
func (r *Router) Delete(ctx context.Context, c coordinate.Coordinate) error {
	if _, ok := c.(coordinate.External); ok {
		return ValidationError{Store: r.Name(), Message: "external coordinates are read-only"}
	}
	p, err := r.target(c)
	if err != nil {
		return err
	}
	return p.Delete(ctx, c)
}

var _ SecretPersistence = (*Router)(nil)
