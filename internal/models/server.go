package models

import (
	"time"

	"github.com/google/uuid"
)

// Server is a message server grouping channels, e.g. one GUI instance or one
// Discord guild.
type Server struct {
	ID         uuid.UUID      `json:"id"`
	Name       string         `json:"name"`
	SourceType string         `json:"sourceType"`
	SourceID   string         `json:"sourceId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}
