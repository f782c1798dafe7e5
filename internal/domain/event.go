package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventProviderChanged     EventType = "provider.changed"
	EventAssistantChanged    EventType = "assistant.changed"
	EventConversationCreated EventType = "conversation.created"
	EventConversationDeleted EventType = "conversation.deleted"
	EventStreamDelta         EventType = "stream.delta"
	EventStreamCompleted     EventType = "stream.completed"
	EventChatCompleted       EventType = "chat.completed"
	EventChatError           EventType = "chat.error"
	EventChatAborted         EventType = "chat.aborted"
	EventDataImported        EventType = "data.imported"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event. A payload that fails to marshal
// is dropped; events are notifications only.
func NewEvent(t EventType, conversationID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), ConversationID: conversationID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close prevents new publishes.
	Close()
}

// CallState is the per-call lifecycle position of a chat request.
type CallState string

const (
	CallIdle          CallState = "idle"
	CallAdmitted      CallState = "admitted"
	CallInFlight      CallState = "in-flight"
	CallDeltaReceived CallState = "delta-received"
	CallCompleted     CallState = "completed"
	CallFailed        CallState = "failed"
)

// ProviderChangedPayload is the payload for EventProviderChanged.
type ProviderChangedPayload struct {
	Provider string `json:"provider"`
}

// AssistantChangedPayload is the payload for EventAssistantChanged.
type AssistantChangedPayload struct {
	Assistant string `json:"assistant"`
}

// ConversationPayload is the payload for conversation lifecycle events.
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	AssistantID    string `json:"assistant_id,omitempty"`
}

// StreamDeltaPayload is published for each incremental chunk during a
// streaming response.
type StreamDeltaPayload struct {
	Chunk        string    `json:"chunk"`
	FullResponse string    `json:"full_response"`
	State        CallState `json:"state"`
}

// StreamCompletedPayload is published once the full streamed response is
// available.
type StreamCompletedPayload struct {
	FullResponse string `json:"full_response"`
}

// ChatCompletedPayload is published after a buffered call succeeds.
type ChatCompletedPayload struct {
	Provider string `json:"provider"`
	Content  string `json:"content"`
	Usage    *Usage `json:"usage,omitempty"`
}

// ChatErrorPayload is published when a call fails.
type ChatErrorPayload struct {
	Error   string    `json:"error"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	State   CallState `json:"state"`
}
