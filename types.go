package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// MessageType classifies the message body.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
)

// MessageStatus is the delivery state of a message as seen by this client.
// Server-origin and history messages are always StatusSent.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is a single chat message.
//
// ID is server-assigned and empty for a locally created message until its
// acknowledgment arrives. TrackID is the client-generated correlation key and
// is only set on locally created messages; a message is addressable by TrackID
// while sending and by ID thereafter.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TrackID        string        `json:"trackId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Type           MessageType   `json:"type"`
	Body           string        `json:"body"`
	SentAt         time.Time     `json:"time"`
	Status         MessageStatus `json:"status,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// CounterpartRole distinguishes regular users from professionals.
type CounterpartRole string

const (
	RoleRegular      CounterpartRole = "regular"
	RoleProfessional CounterpartRole = "professional"
)

// Conversation is a summary entry in the conversation list.
type Conversation struct {
	ID              string          `json:"id"`
	DisplayName     string          `json:"displayName"`
	AvatarRef       string          `json:"avatarRef,omitempty"`
	IsGroup         bool            `json:"isGroup"`
	CounterpartRole CounterpartRole `json:"counterpartRole,omitempty"`
	LastMessage     *Message        `json:"lastMessage,omitempty"`
	UnreadCount     int             `json:"unreadCount,omitempty"`
}

// HistoryPage is one page of older messages plus the cursor for the next
// (older) page. An empty NextCursor means no further pages exist.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// ============================================================================
// Push Channel Wire Types
// ============================================================================

// Event names delivered by the push channel.
const (
	EventMessageReceived = "MessageReceived"
	EventMessageSent     = "MessageSent"
)

// Command names accepted by the push channel.
const (
	CommandSendMessage = "SendMessage"
	CommandStartTyping = "StartTyping"
	CommandStopTyping  = "StopTyping"
)

// Delivery outcomes reported in a MessageSent acknowledgment.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Envelope is the wire format for all server-pushed events.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command (fire-and-forget).
type Command struct {
	Command string      `json:"command"`
	Payload interface{} `json:"payload"`
}

// AckPayload acknowledges a previously sent message, correlated by trackId.
type AckPayload struct {
	TrackID        string `json:"trackId"`
	AssignedID     string `json:"assignedId,omitempty"`
	DeliveryStatus string `json:"deliveryStatus"`
}

// Delivered reports whether the acknowledgment confirms delivery.
func (a AckPayload) Delivered() bool {
	return a.DeliveryStatus == DeliveryDelivered
}

// SendPayload is the body of a SendMessage command.
type SendPayload struct {
	ConversationID string      `json:"conversationId"`
	TrackID        string      `json:"trackId"`
	Type           MessageType `json:"type"`
	Body           string      `json:"body"`
}

// TypingPayload is the body of a StartTyping/StopTyping command.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}
