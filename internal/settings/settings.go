// Package settings holds the user configuration record and persists it as a
// single JSON blob.
package settings

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	DefaultMaxTokens   = 8192
	DefaultTemperature = 0.7
	DefaultTheme       = "light"
	DefaultModel       = "gemini-2.0-flash-001"

	// MaskedValue replaces the credential in exports.
	MaskedValue = "[MASKED]"
)

var (
	ErrInvalidValue  = errors.New("invalid settings value")
	ErrInvalidImport = errors.New("invalid settings import")
)

type Settings struct {
	Credential  string  `json:"geminiToken"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	AutoSave    bool    `json:"autoSave"`
	Theme       string  `json:"theme"`
	Model       string  `json:"model"`
}

func Defaults() Settings {
	return Settings{
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		AutoSave:    true,
		Theme:       DefaultTheme,
		Model:       DefaultModel,
	}
}

func (s Settings) IsConfigured() bool {
	return strings.TrimSpace(s.Credential) != ""
}

func (s Settings) validate() error {
	if s.MaxTokens <= 0 {
		return fmt.Errorf("%w: maxTokens must be positive", ErrInvalidValue)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidValue)
	}
	return nil
}

// Patch is a partial update; nil fields are left alone.
type Patch struct {
	Credential  *string  `json:"geminiToken,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	AutoSave    *bool    `json:"autoSave,omitempty"`
	Theme       *string  `json:"theme,omitempty"`
	Model       *string  `json:"model,omitempty"`
}

func (p Patch) apply(s Settings) Settings {
	if p.Credential != nil {
		s.Credential = *p.Credential
	}
	if p.MaxTokens != nil {
		s.MaxTokens = *p.MaxTokens
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.AutoSave != nil {
		s.AutoSave = *p.AutoSave
	}
	if p.Theme != nil {
		s.Theme = *p.Theme
	}
	if p.Model != nil {
		s.Model = *p.Model
	}
	return s
}

// Change is delivered to OnChange listeners after every successful mutation.
// Explicit marks saves the user asked for; field setters are implicit.
type Change struct {
	Settings Settings
	Explicit bool
	Cleared  bool
}

type Store struct {
	mu        sync.RWMutex
	cur       Settings
	listeners []func(Change)
}

func New() *Store {
	return &Store{cur: Defaults()}
}

func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Store) IsConfigured() bool {
	return s.Get().IsConfigured()
}

// MaskedCredential shows the first ten characters of the credential.
func (s *Store) MaskedCredential() string {
	return Mask(s.Get().Credential)
}

func Mask(credential string) string {
	if credential == "" {
		return ""
	}
	r := []rune(credential)
	if len(r) > 10 {
		r = r[:10]
	}
	return string(r) + "..."
}

// Fingerprint identifies a credential in logs by its length and a short
// sha256 prefix. No characters of the credential are included.
func Fingerprint(credential string) string {
	if credential == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(credential))
	return fmt.Sprintf("len=%d sha256:%s", utf8.RuneCountInString(credential), hex.EncodeToString(sum[:4]))
}

func (s *Store) Save(p Patch) (Settings, error) {
	return s.mutate(func(cur Settings) Settings { return p.apply(cur) }, true)
}

func (s *Store) UpdateCredential(credential string) (Settings, error) {
	return s.mutate(func(cur Settings) Settings {
		cur.Credential = credential
		return cur
	}, true)
}

func (s *Store) SetTheme(theme string) (Settings, error) {
	return s.mutate(func(cur Settings) Settings {
		cur.Theme = theme
		return cur
	}, false)
}

func (s *Store) SetTemperature(t float64) (Settings, error) {
	return s.mutate(func(cur Settings) Settings {
		cur.Temperature = t
		return cur
	}, false)
}

func (s *Store) SetMaxTokens(n int) (Settings, error) {
	return s.mutate(func(cur Settings) Settings {
		cur.MaxTokens = n
		return cur
	}, false)
}

func (s *Store) SetModel(model string) (Settings, error) {
	return s.mutate(func(cur Settings) Settings {
		cur.Model = model
		return cur
	}, false)
}

func (s *Store) SetAutoSave(on bool) (Settings, error) {
	return s.mutate(func(cur Settings) Settings {
		cur.AutoSave = on
		return cur
	}, false)
}

// Clear restores the defaults and asks listeners to drop the persisted copy.
func (s *Store) Clear() Settings {
	s.mu.Lock()
	s.cur = Defaults()
	snap, listeners := s.cur, s.listenersLocked()
	s.mu.Unlock()
	notify(listeners, Change{Settings: snap, Explicit: true, Cleared: true})
	return snap
}

// Export renders the record as indented JSON with the credential masked.
func (s *Store) Export() (string, error) {
	out := s.Get()
	if out.Credential != "" {
		out.Credential = MaskedValue
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	return string(b), nil
}

// Import merges raw over the current record. A masked credential is ignored
// so exported files can be re-imported without wiping the stored one.
func (s *Store) Import(raw string) (Settings, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if tok, ok := fields["geminiToken"]; ok {
		var v string
		if json.Unmarshal(tok, &v) == nil && v == MaskedValue {
			delete(fields, "geminiToken")
		}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	probe := Defaults()
	if err := json.Unmarshal(b, &probe); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	return s.mutate(func(cur Settings) Settings {
		_ = json.Unmarshal(b, &cur)
		return cur
	}, true)
}

// replace swaps the record without notifying listeners.
func (s *Store) replace(next Settings) {
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
}

func (s *Store) mutate(fn func(Settings) Settings, explicit bool) (Settings, error) {
	s.mu.Lock()
	next := fn(s.cur)
	if err := next.validate(); err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	s.cur = next
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, Change{Settings: next, Explicit: explicit})
	return next, nil
}

func (s *Store) listenersLocked() []func(Change) {
	out := make([]func(Change), len(s.listeners))
	copy(out, s.listeners)
	return out
}

func notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}
