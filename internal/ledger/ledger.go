// Package ledger keeps a bounded, newest-first log of outbound provider calls
// and their outcomes.
package ledger

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemchat/internal/observe"
)

const (
	DefaultCapacity = 50

	// DisabledID is returned by Record while the ledger is disabled.
	DisabledID = ""
)

var (
	ErrNotFound        = errors.New("ledger entry not found")
	ErrAlreadyResolved = errors.New("ledger entry already resolved")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type Usage struct {
	PromptTokens    int `json:"promptTokens"`
	CandidateTokens int `json:"candidateTokens"`
	TotalTokens     int `json:"totalTokens"`
}

type Entry struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Request     any           `json:"request"`
	SubmittedAt time.Time     `json:"submittedAt"`
	RecordedAt  time.Time     `json:"recordedAt"`
	Status      Status        `json:"status"`
	Response    any           `json:"response,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"-"`
	DurationMs  *int64        `json:"durationMs,omitempty"`
	Usage       *Usage        `json:"usage,omitempty"`
	Model       string        `json:"model,omitempty"`
}

func (e Entry) Resolved() bool {
	return e.Status != StatusPending
}

// Outcome describes how a call ended. A non-empty Err marks a failure, in
// which case Usage and Model are ignored.
type Outcome struct {
	Response any
	Err      string
	Usage    *Usage
	Model    string
}

type Stats struct {
	Total         int   `json:"total"`
	Success       int   `json:"success"`
	Errors        int   `json:"errors"`
	AvgDurationMs int64 `json:"avgDurationMs"`
}

type Config struct {
	Capacity int
	Disabled bool
	Hook     observe.Hook
	Now      func() time.Time
	NewID    func() string
}

type Ledger struct {
	mu       sync.Mutex
	entries  []*Entry
	capacity int
	enabled  bool
	hook     observe.Hook
	now      func() time.Time
	newID    func() string
}

func New(cfg Config) *Ledger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Hook == nil {
		cfg.Hook = observe.Nop
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = newID
	}
	return &Ledger{
		capacity: cfg.Capacity,
		enabled:  !cfg.Disabled,
		hook:     cfg.Hook,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
}

// Record inserts a pending entry at the head and returns its id.
func (l *Ledger) Record(kind string, payload any, submittedAt time.Time) string {
	l.mu.Lock()
	if !l.enabled {
		l.mu.Unlock()
		return DisabledID
	}
	e := &Entry{
		ID:          l.newID(),
		Kind:        kind,
		Request:     payload,
		SubmittedAt: submittedAt,
		RecordedAt:  l.now(),
		Status:      StatusPending,
	}
	l.entries = append([]*Entry{e}, l.entries...)
	evicted := l.trimLocked()
	size := len(l.entries)
	l.mu.Unlock()

	for _, old := range evicted {
		l.hook.Observe(observe.Event{Component: observe.ComponentLedger, Name: observe.EventEvicted, ID: old.ID, Kind: old.Kind, Size: size})
	}
	l.hook.Observe(observe.Event{Component: observe.ComponentLedger, Name: observe.EventRecorded, ID: e.ID, Kind: kind, Size: size})
	return e.ID
}

// Resolve transitions a pending entry exactly once. A miss or a second
// resolution leaves the ledger untouched.
func (l *Ledger) Resolve(id string, out Outcome) error {
	l.mu.Lock()
	e := l.findLocked(id)
	size := len(l.entries)
	if e == nil {
		l.mu.Unlock()
		l.hook.Observe(observe.Event{Component: observe.ComponentLedger, Name: observe.EventNotFound, ID: id, Size: size, Err: ErrNotFound})
		return ErrNotFound
	}
	if e.Resolved() {
		kind := e.Kind
		l.mu.Unlock()
		l.hook.Observe(observe.Event{Component: observe.ComponentLedger, Name: observe.EventAlreadyResolved, ID: id, Kind: kind, Size: size, Err: ErrAlreadyResolved})
		return ErrAlreadyResolved
	}

	d := l.now().Sub(e.SubmittedAt)
	ms := d.Milliseconds()
	e.Duration = d
	e.DurationMs = &ms
	if out.Err != "" {
		e.Status = StatusError
		e.Error = out.Err
	} else {
		e.Status = StatusSuccess
		e.Response = out.Response
		e.Usage = out.Usage
		e.Model = out.Model
	}
	kind := e.Kind
	l.mu.Unlock()

	l.hook.Observe(observe.Event{Component: observe.ComponentLedger, Name: observe.EventResolved, ID: id, Kind: kind, Duration: d, Size: size})
	return nil
}

// Stats divides the summed duration of resolved entries by the total entry
// count, pending entries included.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Total: len(l.entries)}
	var sum int64
	for _, e := range l.entries {
		switch e.Status {
		case StatusSuccess:
			s.Success++
		case StatusError:
			s.Errors++
		}
		if e.DurationMs != nil {
			sum += *e.DurationMs
		}
	}
	if s.Total > 0 {
		s.AvgDurationMs = int64(math.Round(float64(sum) / float64(s.Total)))
	}
	return s
}

func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}

func (l *Ledger) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.findLocked(id)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
	l.hook.Observe(observe.Event{Component: observe.ComponentLedger, Name: observe.EventCleared})
}

// SetCapacity trims the oldest entries right away when shrinking.
func (l *Ledger) SetCapacity(n int) {
	if n <= 0 {
		n = DefaultCapacity
	}
	l.mu.Lock()
	l.capacity = n
	evicted := l.trimLocked()
	size := len(l.entries)
	l.mu.Unlock()
	for _, old := range evicted {
		l.hook.Observe(observe.Event{Component: observe.ComponentLedger, Name: observe.EventEvicted, ID: old.ID, Kind: old.Kind, Size: size})
	}
}

func (l *Ledger) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// SetEnabled does not touch existing entries.
func (l *Ledger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

func (l *Ledger) Toggle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = !l.enabled
	return l.enabled
}

func (l *Ledger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *Ledger) findLocked(id string) *Entry {
	if id == DisabledID {
		return nil
	}
	for _, e := range l.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (l *Ledger) trimLocked() []*Entry {
	if len(l.entries) <= l.capacity {
		return nil
	}
	evicted := append([]*Entry(nil), l.entries[l.capacity:]...)
	l.entries = l.entries[:l.capacity:l.capacity]
	return evicted
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
