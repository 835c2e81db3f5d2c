package secure

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealReveal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "api key", data: []byte("sk_live_123")},
		{name: "binary data", data: []byte{0x00, 0xFF, 0x10, 0x20}},
		{name: "large value", data: bytes.Repeat([]byte("x"), 4096)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			original := append([]byte(nil), tt.data...)
			buf := Seal(tt.data)
			defer buf.Destroy()

			assert.Equal(t, original, tt.data, "Seal must not wipe the caller's slice")
			assert.Equal(t, len(original), buf.Len())

			got, err := buf.Reveal()
			require.NoError(t, err)
			assert.Equal(t, original, got)
		})
	}
}

func TestSealEmpty(t *testing.T) {
	t.Parallel()

	buf := Seal(nil)
	got, err := buf.Reveal()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRevealAfterDestroy(t *testing.T) {
	t.Parallel()

	buf := Seal([]byte("secret-to-destroy"))
	buf.Destroy()
	buf.Destroy() // idempotent

	_, err := buf.Reveal()
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestRevealReturnsIndependentCopies(t *testing.T) {
	t.Parallel()

	buf := Seal([]byte("sk_live_456"))
	defer buf.Destroy()

	a, err := buf.Reveal()
	require.NoError(t, err)
	a[0] = 'X'

	b, err := buf.Reveal()
	require.NoError(t, err)
	assert.Equal(t, []byte("sk_live_456"), b)
}

func TestConcurrentReveal(t *testing.T) {
	t.Parallel()

	buf := Seal([]byte("concurrent-secret"))
	defer buf.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := buf.Reveal()
			assert.NoError(t, err)
			assert.Equal(t, []byte("concurrent-secret"), got)
		}()
	}
	wg.Wait()
}
