package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gemchat/internal/classify"
	"gemchat/internal/gateway"
	"gemchat/internal/ledger"
	"gemchat/internal/providers"
	"gemchat/internal/settings"
)

type scriptedProvider struct {
	mu    sync.Mutex
	reqs  []providers.Request
	reply func(providers.Request) (providers.Response, error)
}

func (p *scriptedProvider) GenerateContent(ctx context.Context, req providers.Request) (providers.Response, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	fn := p.reply
	p.mu.Unlock()
	return fn(req)
}

func (p *scriptedProvider) GenerateContentStream(ctx context.Context, req providers.Request, onChunk func(string) error) error {
	resp, err := p.GenerateContent(ctx, req)
	if err != nil {
		return err
	}
	for _, r := range resp.Text {
		if err := onChunk(string(r)); err != nil {
			return err
		}
	}
	return nil
}

func (p *scriptedProvider) last() providers.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

func echo(text string) func(providers.Request) (providers.Response, error) {
	return func(providers.Request) (providers.Response, error) {
		return providers.Response{Text: text}, nil
	}
}

func newService(t *testing.T, p *scriptedProvider) (*Service, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.Config{})
	gw := gateway.New(gateway.Config{
		Factory: func(string) (providers.Provider, error) { return p, nil },
		Ledger:  l,
	})
	svc := New(Config{Settings: settings.New(), Gateway: gw, Ledger: l})
	return svc, l
}

func configure(t *testing.T, s *Service) {
	t.Helper()
	if _, err := s.Settings().UpdateCredential("AIzaSy-test"); err != nil {
		t.Fatalf("credential: %v", err)
	}
}

func TestZeroTemperatureReachesProvider(t *testing.T) {
	p := &scriptedProvider{reply: echo("ok")}
	svc, _ := newService(t, p)
	configure(t, svc)
	if _, err := svc.Settings().SetTemperature(0); err != nil {
		t.Fatalf("temperature: %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := p.last().GenerationConfig.Temperature; got != 0 {
		t.Fatalf("expected temperature 0, got %v", got)
	}
}

func TestNotConfigured(t *testing.T) {
	svc, l := newService(t, &scriptedProvider{reply: echo("x")})
	if _, err := svc.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := svc.TestConnection(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if l.Len() != 0 || svc.Info().RequestCount != 0 {
		t.Fatalf("nothing must be dispatched")
	}
}

func TestSendMessageInitializesOnce(t *testing.T) {
	p := &scriptedProvider{reply: echo(" reply ")}
	svc, l := newService(t, p)
	configure(t, svc)
	svc.Workspace().Update("notes")

	r, err := svc.SendMessage(context.Background(), "first")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if r.User.Content != "first" || r.Assistant.Content != "reply" {
		t.Fatalf("unexpected reply %+v", r)
	}
	if turns := p.last().Turns; len(turns) != 3 {
		t.Fatalf("expected context pair plus message, got %d turns", len(turns))
	}

	if _, err := svc.SendMessage(context.Background(), "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if turns := p.last().Turns; len(turns) != 5 || turns[4].Text() != "second" {
		t.Fatalf("expected prior transcript in history, got %+v", turns)
	}

	entries := l.Entries()
	if len(entries) != 3 || entries[2].Kind != gateway.KindTestConnection {
		t.Fatalf("expected one probe and two chats, got %+v", entries)
	}
	info := svc.Info()
	if !info.Ready || info.RequestCount != 2 || info.LastError != "" || svc.Conversation().Count() != 4 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestInitializationFailureIsReported(t *testing.T) {
	p := &scriptedProvider{reply: func(providers.Request) (providers.Response, error) {
		return providers.Response{}, &providers.StatusError{Code: 400, Message: "API key not valid"}
	}}
	svc, _ := newService(t, p)
	configure(t, svc)

	_, err := svc.SendMessage(context.Background(), "hi")
	var pe *gateway.ProviderError
	if !errors.As(err, &pe) || pe.Message != classify.InvalidRequest {
		t.Fatalf("expected classified init failure, got %v", err)
	}
	info := svc.Info()
	if info.Ready || info.LastError != classify.InvalidRequest || info.RequestCount != 0 {
		t.Fatalf("unexpected info %+v", info)
	}
	if svc.Conversation().Count() != 0 {
		t.Fatalf("failed initialization must not touch the transcript")
	}
}

func TestCredentialFailureDropsReadyState(t *testing.T) {
	fail := false
	p := &scriptedProvider{}
	p.reply = func(providers.Request) (providers.Response, error) {
		if fail {
			return providers.Response{}, &providers.StatusError{Code: 401, Message: "unauthorized"}
		}
		return providers.Response{Text: "ok"}, nil
	}
	svc, _ := newService(t, p)
	configure(t, svc)

	if _, err := svc.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	p.mu.Lock()
	fail = true
	p.mu.Unlock()
	if _, err := svc.SendMessage(context.Background(), "again"); err == nil {
		t.Fatalf("expected failure")
	}
	if info := svc.Info(); info.Ready || info.LastError != classify.InvalidCredential {
		t.Fatalf("credential failure must drop ready state, got %+v", info)
	}
}

func TestInvalidKeyAnsweredWith400DropsReadyState(t *testing.T) {
	fail := false
	p := &scriptedProvider{}
	p.reply = func(providers.Request) (providers.Response, error) {
		if fail {
			return providers.Response{}, &providers.StatusError{Code: 400, Status: "INVALID_ARGUMENT", Message: "API key not valid. Please pass a valid API key."}
		}
		return providers.Response{Text: "ok"}, nil
	}
	svc, _ := newService(t, p)
	configure(t, svc)

	if _, err := svc.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	p.mu.Lock()
	fail = true
	p.mu.Unlock()
	if _, err := svc.SendMessage(context.Background(), "again"); err == nil {
		t.Fatalf("expected failure")
	}
	if info := svc.Info(); info.Ready || info.LastError != classify.InvalidRequest {
		t.Fatalf("rejected key must drop ready state, got %+v", info)
	}
}

func TestBusyRejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := &scriptedProvider{}
	p.reply = func(req providers.Request) (providers.Response, error) {
		if req.GenerationConfig.MaxOutputTokens != 10 {
			started <- struct{}{}
			<-release
		}
		return providers.Response{Text: "ok"}, nil
	}
	svc, _ := newService(t, p)
	configure(t, svc)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Complete(context.Background(), "slow", gateway.CallOptions{})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("first call never started")
	}
	if _, err := svc.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !svc.Info().Processing {
		t.Fatalf("expected processing flag")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call: %v", err)
	}
	if svc.Info().Processing {
		t.Fatalf("processing flag must clear")
	}
}

func TestSettingsChangeInvalidatesSession(t *testing.T) {
	p := &scriptedProvider{reply: echo("ok")}
	svc, _ := newService(t, p)
	configure(t, svc)
	if ok, err := svc.TestConnection(context.Background()); err != nil || !ok {
		t.Fatalf("test connection: %v", err)
	}

	if _, err := svc.Settings().SetTheme("dark"); err != nil {
		t.Fatalf("theme: %v", err)
	}
	if !svc.Info().Ready {
		t.Fatalf("theme change must keep the session")
	}

	if _, err := svc.Settings().SetModel("gemini-2.5-flash"); err != nil {
		t.Fatalf("model: %v", err)
	}
	if svc.Info().Ready {
		t.Fatalf("model change must drop the session")
	}
	if _, err := svc.Complete(context.Background(), "x", gateway.CallOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p.last().Model != "gemini-2.5-flash" {
		t.Fatalf("expected re-initialized model, got %q", p.last().Model)
	}
}

func TestEditContextApply(t *testing.T) {
	p := &scriptedProvider{reply: echo("summary")}
	svc, _ := newService(t, p)
	configure(t, svc)
	svc.Workspace().Update("a very long context")

	out, err := svc.EditContext(context.Background(), "summarize", false)
	if err != nil || out != "summary" {
		t.Fatalf("edit: %q %v", out, err)
	}
	if svc.Workspace().Text() != "a very long context" {
		t.Fatalf("preview must not apply")
	}

	var chunks int
	out, err = svc.StreamContextEdit(context.Background(), "shorten", true, func(string) error {
		chunks++
		return nil
	})
	if err != nil || out != "summary" || chunks != len("summary") {
		t.Fatalf("stream edit: %q %v chunks=%d", out, err, chunks)
	}
	if svc.Workspace().Text() != "summary" {
		t.Fatalf("apply must update the context")
	}
	if svc.Workspace().LastPrompt() != "shorten" || len(svc.Workspace().Prompts()) != 2 {
		t.Fatalf("unexpected prompt history %+v", svc.Workspace().Prompts())
	}
	if svc.Workspace().Processing() {
		t.Fatalf("processing flag must clear")
	}
}

func TestResetAndStats(t *testing.T) {
	p := &scriptedProvider{reply: echo("ok")}
	svc, _ := newService(t, p)
	configure(t, svc)
	if _, err := svc.Complete(context.Background(), "x", gateway.CallOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	svc.ResetStats()
	if svc.Info().RequestCount != 0 {
		t.Fatalf("expected zero request count")
	}
	svc.Reset()
	info := svc.Info()
	if info.Ready || info.Initialized {
		t.Fatalf("expected reset service, got %+v", info)
	}
}
