package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyringContract(t *testing.T) {
	// MockInit swaps the process-wide keyring provider, so no t.Parallel
	keyring.MockInit()

	p, err := NewKeyringFactory("keyring", map[string]interface{}{"service": "cfgsecrets-test"})
	require.NoError(t, err)
	runPersistenceContract(t, p)
}
