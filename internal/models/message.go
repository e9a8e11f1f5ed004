package models

import (
	"time"

	"github.com/google/uuid"
)

// Source types recorded on central messages.
const (
	SourceTypeGUI           = "eliza_gui"
	SourceTypeAgentResponse = "agent_response"
	SourceTypeSocket        = "socketio_client"
)

// Message is a central message. It is immutable once stored; agents only
// ever reference it by id.
type Message struct {
	ID                 uuid.UUID      `json:"id"`
	ChannelID          uuid.UUID      `json:"channel_id"`
	ServerID           uuid.UUID      `json:"server_id"`
	AuthorID           uuid.UUID      `json:"author_id"`
	Content            string         `json:"content"`
	RawMessage         map[string]any `json:"raw_message,omitempty"`
	SourceID           string         `json:"source_id,omitempty"`
	SourceType         string         `json:"source_type,omitempty"`
	InReplyToMessageID *uuid.UUID     `json:"in_reply_to_message_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// MetaString returns a string metadata value, or "" when absent.
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}
