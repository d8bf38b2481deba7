// Package observe carries state-transition events from the ledger and the
// gateway to logging and metrics sinks.
package observe

import (
	"time"

	"github.com/rs/zerolog"

	"gemchat/internal/metrics"
)

const (
	ComponentLedger  = "ledger"
	ComponentGateway = "gateway"
)

const (
	EventRecorded        = "recorded"
	EventResolved        = "resolved"
	EventNotFound        = "not_found"
	EventAlreadyResolved = "already_resolved"
	EventEvicted         = "evicted"
	EventCleared         = "cleared"

	EventInitialized   = "initialized"
	EventReset         = "reset"
	EventCallStarted   = "call_started"
	EventCallSucceeded = "call_succeeded"
	EventCallFailed    = "call_failed"
	EventRateLimited   = "rate_limited"
)

type Event struct {
	Component string
	Name      string
	ID        string
	Kind      string
	Duration  time.Duration
	// Size is the ledger length after the transition.
	Size int
	Err  error
}

type Hook interface {
	Observe(Event)
}

type HookFunc func(Event)

func (f HookFunc) Observe(e Event) { f(e) }

type nop struct{}

func (nop) Observe(Event) {}

var Nop Hook = nop{}

type multi []Hook

func (m multi) Observe(e Event) {
	for _, h := range m {
		h.Observe(e)
	}
}

func Multi(hooks ...Hook) Hook {
	out := make(multi, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return Nop
	}
	return out
}

// Log writes every event to logger. Failures log at warn, the rest at debug.
func Log(logger zerolog.Logger) Hook {
	return HookFunc(func(e Event) {
		ev := logger.Debug()
		switch e.Name {
		case EventNotFound, EventCallFailed, EventRateLimited, EventAlreadyResolved:
			ev = logger.Warn()
		}
		if e.ID != "" {
			ev = ev.Str("request_id", e.ID)
		}
		if e.Kind != "" {
			ev = ev.Str("kind", e.Kind)
		}
		if e.Duration > 0 {
			ev = ev.Dur("duration", e.Duration)
		}
		if e.Err != nil {
			ev = ev.Err(e.Err)
		}
		ev.Str("component", e.Component).Int("size", e.Size).Msg(e.Name)
	})
}

func Metrics(m *metrics.Metrics) Hook {
	if m == nil {
		return Nop
	}
	return HookFunc(func(e Event) {
		switch e.Component {
		case ComponentLedger:
			m.LedgerEntries.Set(float64(e.Size))
		case ComponentGateway:
			switch e.Name {
			case EventCallSucceeded:
				m.ProviderCalls.WithLabelValues(e.Kind, "success").Inc()
				m.CallDuration.WithLabelValues(e.Kind).Observe(e.Duration.Seconds())
			case EventCallFailed:
				m.ProviderCalls.WithLabelValues(e.Kind, "error").Inc()
				m.CallDuration.WithLabelValues(e.Kind).Observe(e.Duration.Seconds())
			case EventRateLimited:
				m.RateLimited.Inc()
			}
		}
	})
}
