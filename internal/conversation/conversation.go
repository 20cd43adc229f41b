// Package conversation keeps per-counterpart message history for the lifetime of the process.
package conversation

import (
	"sync"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an append-only message sequence for one counterpart.
type Conversation struct {
	ID        string
	CreatedAt time.Time

	mu       sync.RWMutex
	messages []Message
}

func (c *Conversation) append(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

// Messages returns a copy of the history in insertion order.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// LastByRole returns the most recent message content authored by role.
func (c *Conversation) LastByRole(role Role) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == role {
			return c.messages[i].Content, true
		}
	}
	return "", false
}

// Stats aggregates over every conversation in a Store.
type Stats struct {
	TotalConversations             int     `json:"total_conversations"`
	TotalMessages                  int     `json:"total_messages"`
	AverageMessagesPerConversation float64 `json:"average_messages_per_conversation"`
}

// Store owns every Conversation. Conversations are created lazily and never evicted.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	now           func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*Conversation), now: time.Now}
}

// GetOrCreate returns the conversation for id, creating it on first use.
func (s *Store) GetOrCreate(id string) *Conversation {
	s.mu.RLock()
	c, ok := s.conversations[id]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		return c
	}
	c = &Conversation{ID: id, CreatedAt: s.now()}
	s.conversations[id] = c
	return c
}

// Append adds a message to the conversation for id, creating it if needed.
func (s *Store) Append(id string, role Role, content string) {
	s.GetOrCreate(id).append(Message{Role: role, Content: content, Timestamp: s.now()})
}

// History returns a copy of the conversation's messages in insertion order. An unknown
// id yields an empty history without creating the conversation.
func (s *Store) History(id string) []Message {
	s.mu.RLock()
	c, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return []Message{}
	}
	return c.Messages()
}

// Stats returns totals across all conversations.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{TotalConversations: len(s.conversations)}
	for _, c := range s.conversations {
		st.TotalMessages += c.Len()
	}
	if st.TotalConversations > 0 {
		st.AverageMessagesPerConversation = float64(st.TotalMessages) / float64(st.TotalConversations)
	}
	return st
}
