package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidRole reports whether role is one a conversation may store.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a role/content pair as sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StoredMessage is a Message recorded in a conversation.
type StoredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsSummary bool      `json:"isSummary,omitempty"`
}

// Message strips the bookkeeping fields.
func (m StoredMessage) Message() Message {
	return Message{Role: m.Role, Content: m.Content}
}

// Conversation holds an ordered, bounded message history.
type Conversation struct {
	ID          string          `json:"id"`
	AssistantID string          `json:"assistantId"`
	Messages    []StoredMessage `json:"messages"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out to callers.
func (c Conversation) Clone() Conversation {
	cp := c
	cp.Messages = make([]StoredMessage, len(c.Messages))
	copy(cp.Messages, c.Messages)
	return cp
}

// RequestOptions carries everything a provider needs to build a payload
// besides the new user message.
type RequestOptions struct {
	Model               string
	Temperature         *float64
	MaxTokens           int
	SystemPrompt        string
	ConversationHistory []Message
	Stream              bool
}

// Response is the provider-independent result of a chat call.
type Response struct {
	Content      string  `json:"content"`
	FinishReason *string `json:"finishReason"`
	Usage        *Usage  `json:"usage,omitempty"`
	Model        string  `json:"model,omitempty"`
	Provider     string  `json:"provider,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExportData is the portable snapshot of orchestrator state.
type ExportData struct {
	Provider      string         `json:"provider,omitempty"`
	Assistant     string         `json:"assistant,omitempty"`
	Conversations []Conversation `json:"conversations,omitempty"`
}
