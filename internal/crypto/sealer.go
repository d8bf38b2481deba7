// Package crypto seals credentials at rest with AES-GCM under a rotating set
// of master keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SealedPrefix marks a string produced by SealString.
const SealedPrefix = "sealed:"

var (
	ErrNoKeys     = errors.New("no master keys configured")
	ErrUnknownKey = errors.New("unknown master key")
	ErrNotSealed  = errors.New("value is not sealed")
)

type envelope struct {
	KeyID      string `json:"kid"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"ct"`
}

// Manager holds every key able to open old values; new values are sealed with
// the current key only.
type Manager struct {
	currentKeyID string
	keys         map[string]cipher.AEAD
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("%w: current key %q", ErrUnknownKey, currentKeyID)
	}

	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Manager{currentKeyID: currentKeyID, keys: aeads}, nil
}

func (m *Manager) CurrentKeyID() string {
	return m.currentKeyID
}

// IsSealed reports whether raw looks like the output of SealString.
func IsSealed(raw string) bool {
	return strings.HasPrefix(raw, SealedPrefix)
}

func (m *Manager) SealString(value string) (string, error) {
	aead := m.keys[m.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	env := envelope{
		KeyID:      m.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(value), []byte(m.currentKeyID))),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func (m *Manager) OpenString(raw string) (string, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return "", err
	}
	aead, ok := m.keys[env.KeyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce has %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	plain, err := aead.Open(nil, nonce, ct, []byte(env.KeyID))
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

// Reseal re-encrypts raw under the current key. Values already sealed with
// the current key are returned unchanged.
func (m *Manager) Reseal(raw string) (string, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return "", err
	}
	if env.KeyID == m.currentKeyID {
		return raw, nil
	}
	plain, err := m.OpenString(raw)
	if err != nil {
		return "", err
	}
	return m.SealString(plain)
}

func decodeEnvelope(raw string) (envelope, error) {
	if !IsSealed(raw) {
		return envelope{}, ErrNotSealed
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(raw, SealedPrefix))
	if err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
