package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gemchat/internal/crypto"
	"gemchat/internal/kv"
)

const DefaultKey = "chat-ai-config"

type PersisterConfig struct {
	Store kv.Store
	Key   string
	// Sealer is optional. When set, the credential is sealed before it is
	// written and opened on load.
	Sealer  *crypto.Manager
	Logger  zerolog.Logger
	Timeout time.Duration
}

// Persister writes the settings blob whenever the store reports a change
// that should be kept.
type Persister struct {
	kv      kv.Store
	key     string
	sealer  *crypto.Manager
	logger  zerolog.Logger
	timeout time.Duration
}

func NewPersister(cfg PersisterConfig) *Persister {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Persister{
		kv:      cfg.Store,
		key:     cfg.Key,
		sealer:  cfg.Sealer,
		logger:  cfg.Logger,
		timeout: cfg.Timeout,
	}
}

// Attach subscribes p to s. Write failures are logged; the in-memory record
// stays authoritative.
func (p *Persister) Attach(s *Store) {
	s.OnChange(func(c Change) {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Apply(ctx, c); err != nil {
			p.logger.Error().Err(err).Str("key", p.key).Msg("failed to persist settings")
		}
	})
}

func (p *Persister) Apply(ctx context.Context, c Change) error {
	switch {
	case c.Cleared:
		if err := p.kv.Remove(ctx, p.key); err != nil {
			return fmt.Errorf("remove settings: %w", err)
		}
		p.logger.Info().Msg("settings cleared")
		return nil
	case c.Explicit || c.Settings.AutoSave:
		return p.Write(ctx, c.Settings)
	default:
		return nil
	}
}

func (p *Persister) Write(ctx context.Context, s Settings) error {
	if p.sealer != nil && s.Credential != "" {
		sealed, err := p.sealer.SealString(s.Credential)
		if err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
		s.Credential = sealed
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := p.kv.Set(ctx, p.key, string(b)); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	p.logger.Debug().Msg("settings saved")
	return nil
}

// Read returns the persisted record merged over the defaults. Missing or
// unreadable data yields the defaults and found=false.
func (p *Persister) Read(ctx context.Context) (Settings, bool) {
	out := Defaults()
	raw, found, err := p.kv.Get(ctx, p.key)
	if err != nil {
		p.logger.Error().Err(err).Str("key", p.key).Msg("failed to load settings, using defaults")
		return out, false
	}
	if !found {
		return out, false
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		p.logger.Error().Err(err).Str("key", p.key).Msg("corrupt settings, using defaults")
		return Defaults(), false
	}
	if err := out.validate(); err != nil {
		p.logger.Warn().Err(err).Msg("persisted settings out of range, using defaults")
		return Defaults(), false
	}

	if crypto.IsSealed(out.Credential) {
		out.Credential = p.open(ctx, out)
	}
	return out, true
}

func (p *Persister) open(ctx context.Context, rec Settings) string {
	if p.sealer == nil {
		p.logger.Warn().Msg("stored credential is sealed but no master key is configured")
		return ""
	}
	plain, err := p.sealer.OpenString(rec.Credential)
	if err != nil {
		p.logger.Warn().Err(err).Msg("stored credential could not be opened")
		return ""
	}

	resealed, err := p.sealer.Reseal(rec.Credential)
	if err != nil || resealed == rec.Credential {
		return plain
	}
	rec.Credential = resealed
	if b, err := json.Marshal(rec); err == nil {
		if err := p.kv.Set(ctx, p.key, string(b)); err != nil {
			p.logger.Warn().Err(err).Msg("failed to store resealed credential")
		} else {
			p.logger.Info().Str("key_id", p.sealer.CurrentKeyID()).Msg("credential resealed under current key")
		}
	}
	return plain
}

// Load replaces the in-memory record with the persisted one without firing
// change notifications. It reports whether a stored record was found.
func (s *Store) Load(ctx context.Context, p *Persister) bool {
	rec, found := p.Read(ctx)
	s.replace(rec)
	return found
}
