// Package workspace holds the free-text working context prepended to chat
// prompts, plus the recent context-edit instructions.
package workspace

import (
	"strings"
	"sync"
	"time"
)

const MaxPrompts = 10

type Prompt struct {
	ID        int64     `json:"id"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

type Workspace struct {
	mu         sync.RWMutex
	text       string
	prompts    []Prompt
	last       string
	processing bool
	now        func() time.Time
}

func New() *Workspace {
	return &Workspace{now: time.Now}
}

func (w *Workspace) Text() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.text
}

func (w *Workspace) Update(text string) {
	w.mu.Lock()
	w.text = text
	w.mu.Unlock()
}

func (w *Workspace) Clear() {
	w.Update("")
}

// Append adds text after a blank line, or sets it when the context is empty.
func (w *Workspace) Append(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if strings.TrimSpace(w.text) == "" {
		w.text = text
		return
	}
	w.text = w.text + "\n\n" + text
}

func (w *Workspace) HasContext() bool {
	return strings.TrimSpace(w.Text()) != ""
}

func (w *Workspace) WordCount() int {
	return len(strings.Fields(w.Text()))
}

func (w *Workspace) CharCount() int {
	return len([]rune(w.Text()))
}

// AddPrompt puts prompt at the front of the history, dropping the oldest
// entries past MaxPrompts.
func (w *Workspace) AddPrompt(prompt string) Prompt {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := w.now()
	id := ts.UnixMilli()
	if len(w.prompts) > 0 && id <= w.prompts[0].ID {
		id = w.prompts[0].ID + 1
	}
	p := Prompt{ID: id, Prompt: prompt, Timestamp: ts}
	w.last = prompt
	w.prompts = append([]Prompt{p}, w.prompts...)
	if len(w.prompts) > MaxPrompts {
		w.prompts = w.prompts[:MaxPrompts]
	}
	return p
}

func (w *Workspace) Prompts() []Prompt {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Prompt, len(w.prompts))
	copy(out, w.prompts)
	return out
}

func (w *Workspace) LastPrompt() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

func (w *Workspace) ClearPrompts() {
	w.mu.Lock()
	w.prompts = nil
	w.last = ""
	w.mu.Unlock()
}

func (w *Workspace) SetProcessing(v bool) {
	w.mu.Lock()
	w.processing = v
	w.mu.Unlock()
}

func (w *Workspace) Processing() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.processing
}
