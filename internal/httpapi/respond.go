package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"gemchat/internal/app"
	"gemchat/internal/classify"
	"gemchat/internal/gateway"
	"gemchat/internal/ledger"
	"gemchat/internal/settings"
)

var errBadJSON = errors.New("invalid json")

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, errorBody(err))
}

func errorBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var pe *gateway.ProviderError
	if errors.As(err, &pe) {
		body["retryable"] = classify.Retryable(pe.Message)
	}
	return body
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return nil
}

func statusFor(err error) int {
	var pe *gateway.ProviderError
	switch {
	case errors.Is(err, errBadJSON),
		errors.Is(err, gateway.ErrInvalidArgument),
		errors.Is(err, settings.ErrInvalidValue),
		errors.Is(err, settings.ErrInvalidImport):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNotConfigured), errors.Is(err, gateway.ErrConfiguration):
		return http.StatusPreconditionFailed
	case errors.Is(err, app.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &pe):
		switch {
		case pe.Message == classify.RateLimited:
			return http.StatusTooManyRequests
		case pe.CredentialRejected():
			return http.StatusUnauthorized
		default:
			return http.StatusBadGateway
		}
	case errors.Is(err, gateway.ErrEmptyResponse), errors.Is(err, app.ErrConnectionFailed):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sse writes server-sent events. Each event is flushed immediately.
type sse struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSE(w http.ResponseWriter) (*sse, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sse{w: w, f: f}, true
}

func (s *sse) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
