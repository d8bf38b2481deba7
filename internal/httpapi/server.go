// Package httpapi serves the JSON and SSE API used by the browser UI.
package httpapi

import (
	"net/http"

	"github.com/rs/zerolog"

	"gemchat/internal/app"
)

const maxBodySize = 1 << 20

type Config struct {
	Service *app.Service
	Logger  zerolog.Logger
	// HealthPath and MetricsPath are mounted when non-empty.
	HealthPath     string
	MetricsPath    string
	MetricsHandler http.Handler
}

type Server struct {
	svc    *app.Service
	logger zerolog.Logger
	mux    *http.ServeMux
}

func New(cfg Config) *Server {
	s := &Server{svc: cfg.Service, logger: cfg.Logger, mux: http.NewServeMux()}
	s.routes()
	if cfg.HealthPath != "" {
		s.mux.HandleFunc("GET "+cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	if cfg.MetricsPath != "" && cfg.MetricsHandler != nil {
		s.mux.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/settings", s.getSettings)
	s.mux.HandleFunc("PUT /api/settings", s.saveSettings)
	s.mux.HandleFunc("DELETE /api/settings", s.clearSettings)
	s.mux.HandleFunc("GET /api/settings/export", s.exportSettings)
	s.mux.HandleFunc("POST /api/settings/import", s.importSettings)

	s.mux.HandleFunc("POST /api/connection/test", s.testConnection)
	s.mux.HandleFunc("GET /api/service", s.serviceInfo)
	s.mux.HandleFunc("POST /api/service/reset", s.resetService)
	s.mux.HandleFunc("POST /api/service/stats/reset", s.resetStats)
	s.mux.HandleFunc("DELETE /api/service/error", s.clearError)

	s.mux.HandleFunc("GET /api/messages", s.listMessages)
	s.mux.HandleFunc("POST /api/messages", s.sendMessage)
	s.mux.HandleFunc("DELETE /api/messages", s.clearMessages)
	s.mux.HandleFunc("DELETE /api/messages/{id}", s.deleteMessage)

	s.mux.HandleFunc("GET /api/context", s.getContext)
	s.mux.HandleFunc("PUT /api/context", s.updateContext)
	s.mux.HandleFunc("DELETE /api/context", s.clearContext)
	s.mux.HandleFunc("POST /api/context/append", s.appendContext)
	s.mux.HandleFunc("POST /api/context/edit", s.editContext)
	s.mux.HandleFunc("POST /api/context/edit/stream", s.streamContextEdit)
	s.mux.HandleFunc("GET /api/context/prompts", s.listPrompts)
	s.mux.HandleFunc("DELETE /api/context/prompts", s.clearPrompts)

	s.mux.HandleFunc("POST /api/complete", s.complete)
	s.mux.HandleFunc("POST /api/complete/stream", s.completeStream)

	s.mux.HandleFunc("GET /api/debug/requests", s.listRequests)
	s.mux.HandleFunc("DELETE /api/debug/requests", s.clearRequests)
	s.mux.HandleFunc("GET /api/debug/requests/{id}", s.getRequest)
	s.mux.HandleFunc("GET /api/debug/stats", s.requestStats)
	s.mux.HandleFunc("PUT /api/debug", s.configureDebug)
}
