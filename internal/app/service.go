// Package app ties settings, conversation, workspace and the gateway together
// into the request-at-a-time service the HTTP API exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"gemchat/internal/conversation"
	"gemchat/internal/gateway"
	"gemchat/internal/ledger"
	"gemchat/internal/settings"
	"gemchat/internal/workspace"
)

var (
	ErrNotConfigured    = errors.New("gemini credential is not configured")
	ErrBusy             = errors.New("a request is already in progress")
	ErrConnectionFailed = errors.New("connection test failed")
)

type Config struct {
	Settings     *settings.Store
	Gateway      *gateway.Gateway
	Ledger       *ledger.Ledger
	Conversation *conversation.Store
	Workspace    *workspace.Workspace
	Logger       zerolog.Logger
}

type Service struct {
	settings *settings.Store
	gateway  *gateway.Gateway
	ledger   *ledger.Ledger
	conv     *conversation.Store
	ws       *workspace.Workspace
	logger   zerolog.Logger

	initMu sync.Mutex

	mu           sync.Mutex
	ready        bool
	bound        settings.Settings
	processing   bool
	lastError    string
	requestCount int64
}

func New(cfg Config) *Service {
	if cfg.Conversation == nil {
		cfg.Conversation = conversation.New()
	}
	if cfg.Workspace == nil {
		cfg.Workspace = workspace.New()
	}
	s := &Service{
		settings: cfg.Settings,
		gateway:  cfg.Gateway,
		ledger:   cfg.Ledger,
		conv:     cfg.Conversation,
		ws:       cfg.Workspace,
		logger:   cfg.Logger,
	}
	cfg.Settings.OnChange(s.onSettingsChange)
	return s
}

func (s *Service) Settings() *settings.Store { return s.settings }

func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

func (s *Service) Conversation() *conversation.Store { return s.conv }

func (s *Service) Workspace() *workspace.Workspace { return s.ws }

// EnsureReady initializes the gateway from the current settings and verifies
// the credential with a probe. It is a no-op once verified.
func (s *Service) EnsureReady(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	cur := s.settings.Get()
	if !cur.IsConfigured() {
		return ErrNotConfigured
	}
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		return nil
	}

	err := s.gateway.Initialize(cur.Credential, gateway.Options{
		Model:       cur.Model,
		Temperature: cur.Temperature,
		MaxTokens:   cur.MaxTokens,
	})
	if err == nil {
		var ok bool
		ok, err = s.gateway.TestConnection(ctx)
		if err == nil && !ok {
			err = ErrConnectionFailed
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.ready = false
		s.lastError = err.Error()
		s.logger.Warn().Err(err).Str("credential", settings.Fingerprint(cur.Credential)).Msg("gemini service initialization failed")
		return err
	}
	s.ready = true
	s.bound = cur
	s.logger.Info().Str("model", cur.Model).Msg("gemini service ready")
	return nil
}

// call runs fn with the processing flag held. Calls that overlap get ErrBusy.
func (s *Service) call(ctx context.Context, fn func(context.Context) error) error {
	if !s.settings.IsConfigured() {
		return ErrNotConfigured
	}

	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return ErrBusy
	}
	s.processing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	if err := s.EnsureReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.requestCount++
	s.lastError = ""
	s.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Service) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()

	var pe *gateway.ProviderError
	if errors.As(err, &pe) && pe.CredentialRejected() {
		s.ready = false
		s.logger.Warn().Str("reason", pe.Message).Msg("credential rejected, service will re-initialize")
	}
}

type Reply struct {
	User      conversation.Message `json:"user"`
	Assistant conversation.Message `json:"assistant"`
}

// SendMessage appends the user message, asks the model with the prior
// transcript and the working context, and appends the reply.
func (s *Service) SendMessage(ctx context.Context, text string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, fmt.Errorf("%w: message is required", gateway.ErrInvalidArgument)
	}

	var out Reply
	err := s.call(ctx, func(ctx context.Context) error {
		history := s.conv.History()
		out.User = s.conv.AddUser(text)
		s.conv.SetTyping(true)
		defer s.conv.SetTyping(false)

		reply, err := s.gateway.Chat(ctx, text, history, s.ws.Text())
		if err != nil {
			return err
		}
		out.Assistant = s.conv.AddAssistant(reply)
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return out, nil
}

// EditContext rewrites the working context according to instruction. With
// apply set the result replaces the stored context.
func (s *Service) EditContext(ctx context.Context, instruction string, apply bool) (string, error) {
	if strings.TrimSpace(instruction) == "" {
		return "", fmt.Errorf("%w: instruction is required", gateway.ErrInvalidArgument)
	}
	var out string
	err := s.call(ctx, func(ctx context.Context) error {
		s.ws.SetProcessing(true)
		defer s.ws.SetProcessing(false)
		s.ws.AddPrompt(instruction)

		text, err := s.gateway.EditContext(ctx, instruction, s.ws.Text())
		if err != nil {
			return err
		}
		if apply {
			s.ws.Update(text)
		}
		out = text
		return nil
	})
	return out, err
}

func (s *Service) StreamContextEdit(ctx context.Context, instruction string, apply bool, onChunk func(string) error) (string, error) {
	if strings.TrimSpace(instruction) == "" {
		return "", fmt.Errorf("%w: instruction is required", gateway.ErrInvalidArgument)
	}
	var out string
	err := s.call(ctx, func(ctx context.Context) error {
		s.ws.SetProcessing(true)
		defer s.ws.SetProcessing(false)
		s.ws.AddPrompt(instruction)

		prompt := gateway.BuildContextPrompt(instruction, s.ws.Text())
		text, err := s.gateway.CompleteStreaming(ctx, prompt, onChunk)
		if err != nil {
			return err
		}
		if apply {
			s.ws.Update(text)
		}
		out = text
		return nil
	})
	return out, err
}

func (s *Service) Complete(ctx context.Context, prompt string, opts gateway.CallOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", gateway.ErrInvalidArgument)
	}
	var out string
	err := s.call(ctx, func(ctx context.Context) error {
		text, err := s.gateway.Complete(ctx, prompt, opts)
		out = text
		return err
	})
	return out, err
}

func (s *Service) CompleteStreaming(ctx context.Context, prompt string, onChunk func(string) error) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", gateway.ErrInvalidArgument)
	}
	var out string
	err := s.call(ctx, func(ctx context.Context) error {
		text, err := s.gateway.CompleteStreaming(ctx, prompt, onChunk)
		out = text
		return err
	})
	return out, err
}

// TestConnection verifies the credential. A service that is not yet ready is
// verified by initialization itself.
func (s *Service) TestConnection(ctx context.Context) (bool, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	if !ready {
		if err := s.EnsureReady(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	ok, err := s.gateway.TestConnection(ctx)
	if err != nil {
		s.fail(err)
		return false, err
	}
	return ok, nil
}

// Reset drops the gateway session and all per-run state.
func (s *Service) Reset() {
	s.gateway.Reset()
	s.mu.Lock()
	s.ready = false
	s.processing = false
	s.lastError = ""
	s.mu.Unlock()
}

func (s *Service) ResetStats() {
	s.mu.Lock()
	s.requestCount = 0
	s.lastError = ""
	s.mu.Unlock()
}

func (s *Service) ClearError() {
	s.mu.Lock()
	s.lastError = ""
	s.mu.Unlock()
}

type Info struct {
	gateway.Info
	Configured   bool   `json:"configured"`
	Ready        bool   `json:"ready"`
	Processing   bool   `json:"processing"`
	RequestCount int64  `json:"requestCount"`
	LastError    string `json:"lastError,omitempty"`
}

func (s *Service) Info() Info {
	gi := s.gateway.Info()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Info:         gi,
		Configured:   s.settings.IsConfigured(),
		Ready:        s.ready,
		Processing:   s.processing,
		RequestCount: s.requestCount,
		LastError:    s.lastError,
	}
}

// onSettingsChange invalidates the verified session when a field the
// gateway was initialized with changes.
func (s *Service) onSettingsChange(c settings.Change) {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return
	}
	b, n := s.bound, c.Settings
	stale := b.Credential != n.Credential || b.Model != n.Model || b.Temperature != n.Temperature || b.MaxTokens != n.MaxTokens
	if stale {
		s.ready = false
	}
	s.mu.Unlock()

	if stale {
		s.gateway.Reset()
		s.logger.Info().Msg("settings changed, gemini session dropped")
	}
}
