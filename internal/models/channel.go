package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelType classifies a channel.
type ChannelType string

const (
	ChannelTypeDM    ChannelType = "DM"
	ChannelTypeGroup ChannelType = "GROUP"
	ChannelTypeWorld ChannelType = "WORLD"
)

// ParseChannelType normalizes a loosely spelled channel type. Unknown or
// empty values yield "" and false.
func ParseChannelType(s string) (ChannelType, bool) {
	switch ChannelType(strings.ToUpper(strings.TrimSpace(s))) {
	case ChannelTypeDM:
		return ChannelTypeDM, true
	case ChannelTypeGroup:
		return ChannelTypeGroup, true
	case ChannelTypeWorld:
		return ChannelTypeWorld, true
	}
	return "", false
}

// InferChannelType picks the type of a channel created implicitly by a
// message. An explicit metadata.channelType wins; otherwise metadata.isDm
// with a known counterpart means DM and everything else is GROUP.
func InferChannelType(meta map[string]any, hasTarget bool) ChannelType {
	if raw, ok := meta["channelType"].(string); ok {
		if t, ok := ParseChannelType(raw); ok {
			return t
		}
	}
	if isDM, _ := meta["isDm"].(bool); isDM && hasTarget {
		return ChannelTypeDM
	}
	return ChannelTypeGroup
}

// Channel is a conversation on a message server. Participants are stored
// separately, keyed by channel id.
type Channel struct {
	ID         uuid.UUID      `json:"id"`
	ServerID   uuid.UUID      `json:"messageServerId"`
	Name       string         `json:"name"`
	Type       ChannelType    `json:"type"`
	SourceType string         `json:"sourceType,omitempty"`
	SourceID   string         `json:"sourceId,omitempty"`
	Topic      string         `json:"topic,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}
