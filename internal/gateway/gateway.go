// Package gateway brackets every provider call with ledger bookkeeping and
// turns provider failures into classified errors.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gemchat/internal/classify"
	"gemchat/internal/ledger"
	"gemchat/internal/observe"
	"gemchat/internal/providers"
	"gemchat/internal/ratelimit"
)

const (
	KindChat           = "chat"
	KindComplete       = "complete"
	KindStream         = "stream"
	KindTestConnection = "test-connection"
	KindContextEdit    = "context-edit"

	Backend = "gemini-rest"

	DefaultModel       = "gemini-2.0-flash-001"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048

	probePrompt      = "Hi"
	probeTemperature = 0.1
	probeMaxTokens   = 10
)

// Options are the generation defaults bound at Initialize. A negative
// Temperature selects DefaultTemperature; zero is a valid setting.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// CallOptions override Options for a single Complete call. Empty fields and
// a nil Temperature fall back to the initialized defaults.
type CallOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

type Config struct {
	Factory providers.Factory
	Ledger  *ledger.Ledger
	Limiter ratelimit.Limiter
	Hook    observe.Hook
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Info struct {
	Initialized bool   `json:"initialized"`
	Model       string `json:"model,omitempty"`
	Backend     string `json:"backend"`
	InFlight    int64  `json:"inFlight"`
}

// Gateway is meant to be built once per process and shared by reference.
type Gateway struct {
	factory providers.Factory
	ledger  *ledger.Ledger
	limiter ratelimit.Limiter
	hook    observe.Hook
	logger  zerolog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	provider   providers.Provider
	credential string
	opts       Options

	inFlight atomic.Int64
}

func New(cfg Config) *Gateway {
	if cfg.Hook == nil {
		cfg.Hook = observe.Nop
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		factory: cfg.Factory,
		ledger:  cfg.Ledger,
		limiter: cfg.Limiter,
		hook:    cfg.Hook,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

func (g *Gateway) Initialize(credential string, opts Options) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		g.drop()
		return ErrConfiguration
	}
	if g.factory == nil {
		g.drop()
		return fmt.Errorf("%w: no provider factory", ErrConfiguration)
	}
	p, err := g.factory(credential)
	if err != nil {
		g.drop()
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	if opts.Temperature < 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	g.mu.Lock()
	g.provider = p
	g.credential = credential
	g.opts = opts
	g.mu.Unlock()

	g.logger.Info().Str("model", opts.Model).Msg("gemini gateway initialized")
	g.hook.Observe(observe.Event{Component: observe.ComponentGateway, Name: observe.EventInitialized})
	return nil
}

// Reset discards the provider handle and credential.
func (g *Gateway) Reset() {
	g.drop()
	g.hook.Observe(observe.Event{Component: observe.ComponentGateway, Name: observe.EventReset})
}

func (g *Gateway) drop() {
	g.mu.Lock()
	g.provider = nil
	g.credential = ""
	g.opts = Options{}
	g.mu.Unlock()
}

func (g *Gateway) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.provider != nil
}

func (g *Gateway) Info() Info {
	g.mu.RLock()
	defer g.mu.RUnlock()
	info := Info{Initialized: g.provider != nil, Backend: Backend, InFlight: g.inFlight.Load()}
	if info.Initialized {
		info.Model = g.opts.Model
	}
	return info
}

func (g *Gateway) session() (providers.Provider, Options, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.provider == nil {
		return nil, Options{}, ErrNotInitialized
	}
	return g.provider, g.opts, nil
}

func (g *Gateway) Complete(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	p, defaults, err := g.session()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidArgument)
	}

	temperature := defaults.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	req := providers.Request{
		Model: firstNonEmpty(opts.Model, defaults.Model),
		Turns: []providers.Turn{providers.TextTurn(providers.RoleUser, prompt)},
		GenerationConfig: providers.GenerationConfig{
			Temperature:     temperature,
			MaxOutputTokens: firstPositive(opts.MaxTokens, defaults.MaxTokens),
		},
	}
	resp, err := g.run(ctx, KindComplete, req, func(ctx context.Context) (providers.Response, error) {
		return p.GenerateContent(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteStreaming forwards every fragment to onChunk and returns the
// concatenated text. An error returned by onChunk is returned unchanged.
func (g *Gateway) CompleteStreaming(ctx context.Context, prompt string, onChunk func(string) error) (string, error) {
	p, defaults, err := g.session()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidArgument)
	}
	if onChunk == nil {
		onChunk = func(string) error { return nil }
	}

	req := defaults.request([]providers.Turn{providers.TextTurn(providers.RoleUser, prompt)})
	resp, err := g.run(ctx, KindStream, req, func(ctx context.Context) (providers.Response, error) {
		var b strings.Builder
		err := p.GenerateContentStream(ctx, req, func(chunk string) error {
			b.WriteString(chunk)
			if err := onChunk(chunk); err != nil {
				return &callbackError{err: err}
			}
			return nil
		})
		return providers.Response{Text: b.String()}, err
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Chat sends message after the optional context pair and the history.
func (g *Gateway) Chat(ctx context.Context, message string, history []providers.Turn, workingContext string) (string, error) {
	p, defaults, err := g.session()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("%w: message is required", ErrInvalidArgument)
	}

	req := defaults.request(BuildTurns(message, history, workingContext))
	resp, err := g.run(ctx, KindChat, req, func(ctx context.Context) (providers.Response, error) {
		return p.GenerateContent(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// TestConnection sends a minimal probe. Failures come back exactly as run
// produced them.
func (g *Gateway) TestConnection(ctx context.Context) (bool, error) {
	p, defaults, err := g.session()
	if err != nil {
		return false, err
	}
	req := providers.Request{
		Model: defaults.Model,
		Turns: []providers.Turn{providers.TextTurn(providers.RoleUser, probePrompt)},
		GenerationConfig: providers.GenerationConfig{
			Temperature:     probeTemperature,
			MaxOutputTokens: probeMaxTokens,
		},
	}
	resp, err := g.run(ctx, KindTestConnection, req, func(ctx context.Context) (providers.Response, error) {
		return p.GenerateContent(ctx, req)
	})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(resp.Text) != "", nil
}

// EditContext asks the model to rewrite current according to instruction.
func (g *Gateway) EditContext(ctx context.Context, instruction, current string) (string, error) {
	p, defaults, err := g.session()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(instruction) == "" {
		return "", fmt.Errorf("%w: instruction is required", ErrInvalidArgument)
	}

	req := defaults.request([]providers.Turn{providers.TextTurn(providers.RoleUser, BuildContextPrompt(instruction, current))})
	resp, err := g.run(ctx, KindContextEdit, req, func(ctx context.Context) (providers.Response, error) {
		return p.GenerateContent(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// run records req, dispatches it and resolves the entry on every exit path.
func (g *Gateway) run(ctx context.Context, kind string, req providers.Request, dispatch func(context.Context) (providers.Response, error)) (resp providers.Response, err error) {
	if err := g.allow(ctx, kind); err != nil {
		return providers.Response{}, err
	}

	submitted := g.now()
	id := ledger.DisabledID
	if g.ledger != nil {
		id = g.ledger.Record(kind, req, submitted)
	}
	g.inFlight.Add(1)
	g.hook.Observe(observe.Event{Component: observe.ComponentGateway, Name: observe.EventCallStarted, ID: id, Kind: kind})

	resolved := false
	defer func() {
		g.inFlight.Add(-1)
		if !resolved {
			g.resolve(id, ledger.Outcome{Err: "call aborted"})
		}
	}()

	resp, err = dispatch(ctx)
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = ErrEmptyResponse
	}
	elapsed := g.now().Sub(submitted)

	if err != nil {
		var cbErr *callbackError
		switch {
		case errors.Is(err, ErrEmptyResponse):
			err = ErrEmptyResponse
		case errors.As(err, &cbErr):
			err = cbErr.err
		default:
			err = &ProviderError{Message: classify.Error(err), Cause: err}
		}
		g.resolve(id, ledger.Outcome{Err: err.Error()})
		resolved = true
		g.hook.Observe(observe.Event{Component: observe.ComponentGateway, Name: observe.EventCallFailed, ID: id, Kind: kind, Duration: elapsed, Err: err})
		return providers.Response{}, err
	}

	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}
	g.resolve(id, ledger.Outcome{Response: resp, Usage: usageOf(resp.Usage), Model: model})
	resolved = true
	g.hook.Observe(observe.Event{Component: observe.ComponentGateway, Name: observe.EventCallSucceeded, ID: id, Kind: kind, Duration: elapsed})
	return resp, nil
}

func (g *Gateway) allow(ctx context.Context, kind string) error {
	if g.limiter == nil {
		return nil
	}
	dec, err := g.limiter.Allow(ctx, kind, g.now())
	if err != nil {
		g.logger.Warn().Err(err).Str("kind", kind).Msg("rate limiter unavailable, allowing call")
		return nil
	}
	if dec.Allowed {
		return nil
	}
	g.hook.Observe(observe.Event{Component: observe.ComponentGateway, Name: observe.EventRateLimited, Kind: kind})
	return &ProviderError{
		Message: classify.RateLimited,
		Cause:   fmt.Errorf("client rate limit reached, resets at %s", dec.ResetAt.Format(time.RFC3339)),
	}
}

func (g *Gateway) resolve(id string, out ledger.Outcome) {
	if g.ledger == nil || id == ledger.DisabledID {
		return
	}
	if err := g.ledger.Resolve(id, out); err != nil {
		g.logger.Warn().Err(err).Str("request_id", id).Msg("ledger resolve skipped")
	}
}

func (o Options) request(turns []providers.Turn) providers.Request {
	return providers.Request{
		Model: o.Model,
		Turns: turns,
		GenerationConfig: providers.GenerationConfig{
			Temperature:     o.Temperature,
			MaxOutputTokens: o.MaxTokens,
		},
	}
}

type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }

func (e *callbackError) Unwrap() error { return e.err }

func usageOf(u *providers.UsageMetadata) *ledger.Usage {
	if u == nil {
		return nil
	}
	return &ledger.Usage{
		PromptTokens:    u.PromptTokenCount,
		CandidateTokens: u.CandidatesTokenCount,
		TotalTokens:     u.TotalTokenCount,
	}
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func firstPositive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
