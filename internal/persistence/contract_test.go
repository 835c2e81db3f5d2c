package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

// runPersistenceContract checks the behaviour every backend must share.
func runPersistenceContract(t *testing.T, p secretstore.SecretPersistence) {
	t.Helper()
	ctx := context.Background()

	c := coordinate.DefaultFormat().Mint("ws-42")

	_, err := p.Read(ctx, c)
	require.Error(t, err)
	assert.True(t, secretstore.IsNotFound(err), "missing coordinate must be NotFound, got %v", err)

	require.NoError(t, p.Write(ctx, c, []byte("sk_live_123")))
	// idempotent for the same coordinate and value
	require.NoError(t, p.Write(ctx, c, []byte("sk_live_123")))

	got, err := p.Read(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_123", string(got))

	next := coordinate.NextVersion(c)
	require.NoError(t, p.Write(ctx, next, []byte("sk_live_456")))

	got, err = p.Read(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_456", string(got))

	require.NoError(t, p.Delete(ctx, c))
	_, err = p.Read(ctx, c)
	assert.True(t, secretstore.IsNotFound(err))

	// deleting an old version leaves the newer one readable
	got, err = p.Read(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_456", string(got))
}
