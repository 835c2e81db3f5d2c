package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a destroyed buffer is revealed.
var ErrDestroyed = errors.New("secure buffer destroyed")

// SecureBuffer provides memory-safe storage for a single secret value.
// It wraps memguard.Enclave to encrypt the value at rest in memory.
//
// memguard.Enclave has no Destroy method; dropping the reference is enough
// since the enclave content is encrypted. Call memguard.Purge at exit for
// a full wipe.
type SecureBuffer struct {
	enclave   *memguard.Enclave
	size      int
	mu        sync.RWMutex
	destroyed bool
}

// Seal copies data into a new encrypted enclave. data is not modified.
func Seal(data []byte) *SecureBuffer {
	// memguard wipes the slice it is given
	scratch := make([]byte, len(data))
	copy(scratch, data)

	return &SecureBuffer{
		enclave: memguard.NewEnclave(scratch),
		size:    len(data),
	}
}

// Len returns the plaintext length.
func (s *SecureBuffer) Len() int {
	return s.size
}

// Open decrypts the value into a locked buffer. The caller MUST call
// Destroy on the returned buffer when done.
func (s *SecureBuffer) Open() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, ErrDestroyed
	}
	if s.enclave == nil {
		// memguard refuses to seal empty input
		return memguard.NewBuffer(0), nil
	}
	return s.enclave.Open()
}

// Reveal returns a copy of the plaintext and wipes the intermediate locked
// buffer.
func (s *SecureBuffer) Reveal() ([]byte, error) {
	locked, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer locked.Destroy()

	out := make([]byte, locked.Size())
	copy(out, locked.Bytes())
	return out, nil
}

// Destroy marks the buffer unusable. It is idempotent.
func (s *SecureBuffer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.enclave = nil
	s.destroyed = true
}
