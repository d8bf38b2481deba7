package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// ErrKeyringPassword is returned when only the file backend could serve and
// no password was configured for it.
var ErrKeyringPassword = errors.New("keyring file backend requires a password")

// Keyring keeps values in the OS secret store, falling back to an encrypted
// file under dir when no native backend is available and a password is set.
type Keyring struct {
	ring keyring.Keyring
}

type KeyringConfig struct {
	Service  string
	Dir      string
	Password string
}

func OpenKeyring(cfg KeyringConfig) (*Keyring, error) {
	if cfg.Service == "" {
		cfg.Service = "gemchat"
	}
	if cfg.Dir == "" {
		cfg.Dir = "~/.config/gemchat/keyring"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              cfg.Service,
		AllowedBackends:          keyringBackends(cfg.Password),
		FileDir:                  cfg.Dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.Password),
		KeychainTrustApplication: true,
	})
	if errors.Is(err, keyring.ErrNoAvailImpl) && cfg.Password == "" {
		return nil, fmt.Errorf("opening keyring: %w", ErrKeyringPassword)
	}
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// keyringBackends leaves out the file backend unless a password is set.
func keyringBackends(password string) []keyring.BackendType {
	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
	}
	if password != "" {
		backends = append(backends, keyring.FileBackend)
	}
	return backends
}

// NewKeyring wraps an already opened ring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

func (k *Keyring) Get(_ context.Context, key string) (string, bool, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting %q: %w", key, err)
	}
	return string(item.Data), true, nil
}

func (k *Keyring) Set(_ context.Context, key, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "gemchat " + key,
	})
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

func (k *Keyring) Remove(_ context.Context, key string) error {
	err := k.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("removing %q: %w", key, err)
	}
	return nil
}
