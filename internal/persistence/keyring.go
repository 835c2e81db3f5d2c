package persistence

import (
	"context"
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

const defaultKeyringService = "cfgsecrets"

// KeyringPersistence stores values in the OS keyring (macOS Keychain,
// Secret Service on Linux, Windows Credential Manager), one item per
// coordinate under a single service name. Intended for single-user CLI use.
type KeyringPersistence struct {
	name    string
	service string
}

// NewKeyringPersistence creates a keyring backend.
//
// Settings: service (default "cfgsecrets").
func NewKeyringPersistence(name string, settings map[string]interface{}) *KeyringPersistence {
	return &KeyringPersistence{
		name:    name,
		service: stringSetting(settings, "service", defaultKeyringService),
	}
}

// NewKeyringFactory creates a keyring backend from settings.
func NewKeyringFactory(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewKeyringPersistence(name, settings), nil
}

// Name returns the storage name.
func (k *KeyringPersistence) Name() string {
	return k.name
}

// Read gets the keyring item for c.
func (k *KeyringPersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	account := coordinate.Render(c)
	secret, err := keyring.Get(k.service, account)
	if err != nil {
		return nil, k.handleError(err, account, "read")
	}
	return []byte(secret), nil
}

// Write sets the keyring item for c.
func (k *KeyringPersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	account := coordinate.Render(c)
	if err := keyring.Set(k.service, account, string(value)); err != nil {
		return k.handleError(err, account, "write")
	}
	return nil
}

// Delete removes the keyring item for c.
func (k *KeyringPersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	account := coordinate.Render(c)
	if err := keyring.Delete(k.service, account); err != nil {
		return k.handleError(err, account, "delete")
	}
	return nil
}

func (k *KeyringPersistence) handleError(err error, account, op string) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return secretstore.NotFoundError{Store: k.name, Coordinate: account}
	}
	if errors.Is(err, keyring.ErrSetDataTooBig) {
		return secretstore.ValidationError{Store: k.name, Message: "value too large for the OS keyring"}
	}
	return secretstore.UnavailableError{Store: k.name, Op: op, Err: err}
}
