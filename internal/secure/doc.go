// Package secure keeps plaintext secret values sealed in memory.
//
// It wraps memguard so values held by the in-memory storage backend are
// encrypted at rest in process memory and protected from swapping:
//
//	buf := secure.Seal([]byte("sk_live_123"))
//	defer buf.Destroy()
//
//	plaintext, err := buf.Reveal() // a fresh copy; caller owns it
//
// Seal copies its input, so the caller's slice is left untouched.
//
// This does NOT protect against attackers with root access to the running
// process or hardware-level attacks.
package secure
