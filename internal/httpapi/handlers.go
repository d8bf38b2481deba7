package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"gemchat/internal/gateway"
	"gemchat/internal/ledger"
	"gemchat/internal/settings"
)

type settingsView struct {
	Settings   settings.Settings `json:"settings"`
	Configured bool              `json:"configured"`
}

func viewOf(cur settings.Settings) settingsView {
	v := settingsView{Settings: cur, Configured: cur.IsConfigured()}
	v.Settings.Credential = settings.Mask(cur.Credential)
	return v
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.svc.Settings().Get()))
}

func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request) {
	var p settings.Patch
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	cur, err := s.svc.Settings().Save(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(cur))
}

func (s *Server) clearSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.svc.Settings().Clear()))
}

func (s *Server) exportSettings(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Settings().Export()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="gemchat-settings.json"`)
	_, _ = io.WriteString(w, out)
}

func (s *Server) importSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadJSON, err))
		return
	}
	cur, err := s.svc.Settings().Import(string(body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(cur))
}

func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.TestConnection(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) serviceInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Info())
}

func (s *Server) resetService(w http.ResponseWriter, _ *http.Request) {
	s.svc.Reset()
	writeJSON(w, http.StatusOK, s.svc.Info())
}

func (s *Server) resetStats(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetStats()
	writeJSON(w, http.StatusOK, s.svc.Info())
}

func (s *Server) clearError(w http.ResponseWriter, _ *http.Request) {
	s.svc.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, _ *http.Request) {
	conv := s.svc.Conversation()
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": conv.Messages(),
		"count":    conv.Count(),
		"typing":   conv.Typing(),
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.svc.SendMessage(r.Context(), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) clearMessages(w http.ResponseWriter, _ *http.Request) {
	s.svc.Conversation().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Conversation().Delete(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) contextView() map[string]any {
	ws := s.svc.Workspace()
	return map[string]any{
		"text":       ws.Text(),
		"hasContext": ws.HasContext(),
		"words":      ws.WordCount(),
		"chars":      ws.CharCount(),
		"processing": ws.Processing(),
	}
}

func (s *Server) getContext(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.contextView())
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) updateContext(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.svc.Workspace().Update(req.Text)
	writeJSON(w, http.StatusOK, s.contextView())
}

func (s *Server) clearContext(w http.ResponseWriter, _ *http.Request) {
	s.svc.Workspace().Clear()
	writeJSON(w, http.StatusOK, s.contextView())
}

func (s *Server) appendContext(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.svc.Workspace().Append(req.Text)
	writeJSON(w, http.StatusOK, s.contextView())
}

type editRequest struct {
	Instruction string `json:"instruction"`
	Apply       bool   `json:"apply"`
}

func (s *Server) editContext(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.EditContext(r.Context(), req.Instruction, req.Apply)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out, "context": s.contextView()})
}

func (s *Server) streamContextEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream(w, r, func(onChunk func(string) error) (string, error) {
		return s.svc.StreamContextEdit(r.Context(), req.Instruction, req.Apply, onChunk)
	})
}

func (s *Server) listPrompts(w http.ResponseWriter, _ *http.Request) {
	ws := s.svc.Workspace()
	writeJSON(w, http.StatusOK, map[string]any{"prompts": ws.Prompts(), "last": ws.LastPrompt()})
}

func (s *Server) clearPrompts(w http.ResponseWriter, _ *http.Request) {
	s.svc.Workspace().ClearPrompts()
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.Complete(r.Context(), req.Prompt, gateway.CallOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": out})
}

func (s *Server) completeStream(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream(w, r, func(onChunk func(string) error) (string, error) {
		return s.svc.CompleteStreaming(r.Context(), req.Prompt, onChunk)
	})
}

// stream relays chunks as "chunk" events and finishes with a "done" or an
// "error" event.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, run func(func(string) error) (string, error)) {
	out, ok := newSSE(w)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}
	text, err := run(func(chunk string) error {
		return out.send("chunk", map[string]string{"text": chunk})
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("stream failed")
		body := errorBody(err)
		body["status"] = statusFor(err)
		_ = out.send("error", body)
		return
	}
	_ = out.send("done", map[string]string{"text": text})
}

func (s *Server) listRequests(w http.ResponseWriter, _ *http.Request) {
	l := s.svc.Ledger()
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": l.Entries(),
		"enabled":  l.Enabled(),
		"capacity": l.Capacity(),
	})
}

func (s *Server) clearRequests(w http.ResponseWriter, _ *http.Request) {
	s.svc.Ledger().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	e, ok := s.svc.Ledger().Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, r, ledger.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) requestStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Ledger().Stats())
}

func (s *Server) configureDebug(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled  *bool `json:"enabled"`
		Capacity *int  `json:"capacity"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l := s.svc.Ledger()
	if req.Capacity != nil {
		if *req.Capacity < 1 {
			s.writeError(w, r, fmt.Errorf("%w: capacity must be positive", gateway.ErrInvalidArgument))
			return
		}
		l.SetCapacity(*req.Capacity)
	}
	if req.Enabled != nil {
		l.SetEnabled(*req.Enabled)
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": l.Enabled(), "capacity": l.Capacity()})
}
