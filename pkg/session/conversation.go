package session

import (
	"strings"
	"sync"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation holds the ordered message history of one call plus the static
// system prompt. Consecutive caller messages are merged into one, because the
// completion API rejects adjacent same-role turns; assistant messages are
// never merged.
type Conversation struct {
	mu           sync.RWMutex
	systemPrompt string
	messages     []Message
}

func NewConversation(systemPrompt string) *Conversation {
	return &Conversation{systemPrompt: systemPrompt}
}

// AddUserMessage appends a caller utterance, merging with a directly
// preceding caller message by joining with a single space.
func (c *Conversation) AddUserMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == RoleUser {
		c.messages[n-1].Content += " " + text
		return
	}
	c.messages = append(c.messages, Message{Role: RoleUser, Content: text})
}

func (c *Conversation) AddAssistantMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: text})
}

// Len returns the number of stored messages, excluding the system prompt.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Messages returns a copy of the stored history, excluding the system prompt.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// APIMessages returns the completion request payload: the system prompt
// first, then the stored history in order.
func (c *Conversation) APIMessages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, 0, len(c.messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: c.systemPrompt})
	out = append(out, c.messages...)
	return out
}

// Transcript renders the caller-labeled projection used for post-call
// persistence.
func (c *Conversation) Transcript() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var sb strings.Builder
	for i, m := range c.messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		speaker := "Assistant"
		if m.Role == RoleUser {
			speaker = "Caller"
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}
