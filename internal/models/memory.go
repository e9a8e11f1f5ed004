package models

import (
	"github.com/google/uuid"
)

// ActionIgnore marks a reply the agent chose not to send.
const ActionIgnore = "IGNORE"

// Attachment is media referenced from message content.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Source      string `json:"source,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Content is the body of an agent memory or an agent reply.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Thought     string       `json:"thought,omitempty"`
	Actions     []string     `json:"actions,omitempty"`
	Source      string       `json:"source,omitempty"`
	ChannelType ChannelType  `json:"channelType,omitempty"`
	InReplyTo   *uuid.UUID   `json:"inReplyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// HasAction reports whether the content carries the named action.
func (c Content) HasAction(name string) bool {
	for _, a := range c.Actions {
		if a == name {
			return true
		}
	}
	return false
}

// World is the agent-local view of a message server.
type World struct {
	ID       uuid.UUID      `json:"id"`
	AgentID  uuid.UUID      `json:"agentId"`
	ServerID uuid.UUID      `json:"serverId"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Room is the agent-local view of a channel. ChannelID and ServerID point
// back at the central records it was derived from.
type Room struct {
	ID        uuid.UUID   `json:"id"`
	AgentID   uuid.UUID   `json:"agentId"`
	WorldID   uuid.UUID   `json:"worldId"`
	ChannelID uuid.UUID   `json:"channelId"`
	ServerID  uuid.UUID   `json:"serverId"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	Source    string      `json:"source"`
}

// Entity is a participant known to one agent.
type Entity struct {
	ID       uuid.UUID      `json:"id"`
	AgentID  uuid.UUID      `json:"agentId"`
	Names    []string       `json:"names"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryMetadata ties a memory back to its origin.
type MemoryMetadata struct {
	Type     string    `json:"type"`
	Source   string    `json:"source,omitempty"`
	SourceID uuid.UUID `json:"sourceId"` // central message id
}

// Memory is an agent-local copy of a central message.
type Memory struct {
	ID        uuid.UUID      `json:"id"`
	AgentID   uuid.UUID      `json:"agentId"`
	EntityID  uuid.UUID      `json:"entityId"`
	RoomID    uuid.UUID      `json:"roomId"`
	WorldID   uuid.UUID      `json:"worldId"`
	Content   Content        `json:"content"`
	Metadata  MemoryMetadata `json:"metadata"`
	CreatedAt int64          `json:"createdAt"` // unix ms
}
