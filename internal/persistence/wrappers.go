package persistence

import (
	"context"
	"io"
	"time"

	"github.com/systmms/cfgsecrets/internal/metrics"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

type instrumented struct {
	next secretstore.SecretPersistence
}

// Instrument times every call into p and classifies its errors.
func Instrument(p secretstore.SecretPersistence) secretstore.SecretPersistence {
	if _, ok := p.(*instrumented); ok {
		return p
	}
	return &instrumented{next: p}
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	defer metrics.ObservePersistence(i.next.Name(), "read", time.Now())
	v, err := i.next.Read(ctx, c)
	if err != nil {
		return nil, secretstore.Classify(i.next.Name(), "read", err)
	}
	return v, nil
}

func (i *instrumented) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	defer metrics.ObservePersistence(i.next.Name(), "write", time.Now())
	return secretstore.Classify(i.next.Name(), "write", i.next.Write(ctx, c, value))
}

func (i *instrumented) Delete(ctx context.Context, c coordinate.Coordinate) error {
	defer metrics.ObservePersistence(i.next.Name(), "delete", time.Now())
	return secretstore.Classify(i.next.Name(), "delete", i.next.Delete(ctx, c))
}

// Close closes the wrapped backend if it holds resources.
func (i *instrumented) Close() error {
	return closeBackend(i.next)
}

func closeBackend(p secretstore.SecretPersistence) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type readOnly struct {
	secretstore.SecretPersistence
}

// ReadOnly rejects writes and deletes on p. Customer storages are wrapped
// with it so cfgsecrets never writes into them.
func ReadOnly(p secretstore.SecretPersistence) secretstore.SecretPersistence {
	return readOnly{SecretPersistence: p}
}

func (r readOnly) Write(context.Context, coordinate.Coordinate, []byte) error {
	return secretstore.ValidationError{Store: r.Name(), Message: "storage is read-only"}
}

func (r readOnly) Delete(context.Context, coordinate.Coordinate) error {
	return secretstore.ValidationError{Store: r.Name(), Message: "storage is read-only"}
}

func (r readOnly) Close() error {
	return closeBackend(r.SecretPersistence)
}
