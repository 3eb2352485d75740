package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// Keyring keeps the KV entries in the OS secret store (Keychain, Secret Service, KWallet,
// Windows Credential Manager), falling back to an encrypted file under fileDir.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the keyring for service. passphrase unlocks the file backend only.
func OpenKeyring(service, fileDir, passphrase string) (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    service,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		FileDir:                        fileDir,
		FilePasswordFunc:               keyring.FixedStringPrompt(passphrase),
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring %s: %w", service, err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

func (k *Keyring) Get(_ context.Context, key string) (string, bool, error) {
	item, err := k.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("keyring get %s: %w", key, err)
	}
	return string(item.Data), true, nil
}

func (k *Keyring) Set(_ context.Context, key, value string) error {
	if err := k.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: key}); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

func (k *Keyring) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if err := k.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("keyring remove %s: %w", key, err)
		}
	}
	return nil
}
