// Package conversation keeps the ordered chat transcript shown in the UI.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemchat/internal/providers"
)

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
}

type Store struct {
	mu       sync.RWMutex
	messages []Message
	typing   bool
	now      func() time.Time
}

func New() *Store {
	return &Store{now: time.Now}
}

// Add appends a message; unknown senders are stored as user messages.
func (s *Store) Add(sender, content string) Message {
	if sender != SenderAssistant {
		sender = SenderUser
	}
	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		Sender:    sender,
		Content:   content,
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg
}

func (s *Store) AddUser(content string) Message {
	return s.Add(SenderUser, content)
}

func (s *Store) AddAssistant(content string) Message {
	return s.Add(SenderAssistant, content)
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

func (s *Store) BySender(sender string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if m.Sender == sender {
			out = append(out, m)
		}
	}
	return out
}

// History converts the transcript into provider turns. Messages with blank
// content are left out.
func (s *Store) History() []providers.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]providers.Turn, 0, len(s.messages))
	for _, m := range s.messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := providers.RoleUser
		if m.Sender == SenderAssistant {
			role = providers.RoleModel
		}
		turns = append(turns, providers.TextTurn(role, m.Content))
	}
	return turns
}

// SetTyping marks that an assistant reply is being produced.
func (s *Store) SetTyping(v bool) {
	s.mu.Lock()
	s.typing = v
	s.mu.Unlock()
}

func (s *Store) Typing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing
}
