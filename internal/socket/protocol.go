package socket

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/eldtechnologies/centralbus/internal/models"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Client -> Server
	TypeRoomJoining MessageType = "ROOM_JOINING"
	TypeRoomLeaving MessageType = "ROOM_LEAVING"
	TypeSendMessage MessageType = "SEND_MESSAGE"

	// Server -> Client
	TypeMessageBroadcast MessageType = "messageBroadcast"
	TypeMessageComplete  MessageType = "messageComplete"
	TypeControlMessage   MessageType = "controlMessage"
	TypeChannelUpdated   MessageType = "channelUpdated"
	TypeChannelDeleted   MessageType = "channelDeleted"
	TypeChannelCleared   MessageType = "channelCleared"
	TypeMessageDeleted   MessageType = "messageDeleted"
	TypeMessageError     MessageType = "messageError"
)

// Control actions carried by controlMessage.
const (
	ActionEnableInput  = "enable_input"
	ActionDisableInput = "disable_input"
)

// Envelope wraps all WebSocket messages with a type field.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates a new envelope with the given type and data.
func NewEnvelope(msgType MessageType, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Data: raw}, nil
}

// RoomMessage is sent by the client to join or leave a channel room.
type RoomMessage struct {
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId,omitempty"`
	EntityID  string `json:"entityId,omitempty"`
}

// SendMessageMessage is sent by the client to talk to an agent directly.
type SendMessageMessage struct {
	ChannelID     string              `json:"channelId"`
	ServerID      string              `json:"serverId,omitempty"`
	SenderID      string              `json:"senderId"`
	SenderName    string              `json:"senderName,omitempty"`
	Message       string              `json:"message"`
	MessageID     string              `json:"messageId,omitempty"`
	TargetAgentID string              `json:"targetAgentId,omitempty"`
	Source        string              `json:"source,omitempty"`
	Attachments   []models.Attachment `json:"attachments,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
}

// MessageBroadcast announces a message to everyone in a channel room.
type MessageBroadcast struct {
	ID          uuid.UUID           `json:"id"`
	SenderID    uuid.UUID           `json:"senderId"`
	SenderName  string              `json:"senderName,omitempty"`
	Text        string              `json:"text"`
	ChannelID   uuid.UUID           `json:"channelId"`
	ServerID    uuid.UUID           `json:"serverId"`
	CreatedAt   int64               `json:"createdAt"`
	Source      string              `json:"source,omitempty"`
	Thought     string              `json:"thought,omitempty"`
	Actions     []string            `json:"actions,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	InReplyTo   *uuid.UUID          `json:"inReplyTo,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

// BroadcastFromMessage builds the broadcast for a stored central message.
// An empty senderName falls back to the name carried by the message.
func BroadcastFromMessage(msg *models.Message, senderName string) MessageBroadcast {
	payload := models.PayloadOf(msg)
	if senderName == "" {
		senderName = models.SenderName(payload)
	}
	b := MessageBroadcast{
		ID:         msg.ID,
		SenderID:   msg.AuthorID,
		SenderName: senderName,
		Text:       msg.Content,
		ChannelID:  msg.ChannelID,
		ServerID:   msg.ServerID,
		CreatedAt:  msg.CreatedAt.UnixMilli(),
		Source:     msg.SourceType,
		InReplyTo:  msg.InReplyToMessageID,
		Metadata:   msg.Metadata,
	}
	switch p := payload.(type) {
	case models.AgentResponse:
		b.Thought = p.Thought
		b.Actions = p.Actions
	case models.UserMessage:
		b.Attachments = p.Attachments
	}
	return b
}

// MessageCompleteMessage marks the end of agent processing for a channel.
type MessageCompleteMessage struct {
	ChannelID uuid.UUID `json:"channelId"`
	ServerID  uuid.UUID `json:"serverId"`
}

// ControlMessage toggles client UI state.
type ControlMessage struct {
	Action    string    `json:"action"`
	ChannelID uuid.UUID `json:"channelId"`
	Target    string    `json:"target,omitempty"`
}

// ChannelEvent reports a change to a channel.
type ChannelEvent struct {
	ChannelID uuid.UUID       `json:"channelId"`
	ServerID  uuid.UUID       `json:"serverId,omitempty"`
	Channel   *models.Channel `json:"channel,omitempty"`
}

// MessageDeletedMessage reports a removed message.
type MessageDeletedMessage struct {
	MessageID uuid.UUID `json:"messageId"`
	ChannelID uuid.UUID `json:"channelId"`
}

// ErrorMessage reports a failed request to the sending client.
type ErrorMessage struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ChannelID string `json:"channelId,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidMsg    = "INVALID_MESSAGE"
	ErrCodeAgentNotFound = "AGENT_NOT_FOUND"
	ErrCodeAgentFailed   = "AGENT_FAILED"
)
