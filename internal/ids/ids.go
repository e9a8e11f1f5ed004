// Package ids generates and derives the UUIDs used across the central
// store and the agent-local stores.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultServerID is the reserved all-zero id of the default message server.
var DefaultServerID = uuid.Nil

// namespace scopes derived ids so they never collide with ids minted elsewhere.
var namespace = uuid.MustParse("6f1c2d3e-8a4b-5c6d-9e0f-a1b2c3d4e5f6")

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Derive maps a central id onto the id space of one agent. The result is
// stable for a given (agentID, base) pair, so repeated deliveries of the same
// central record resolve to the same agent-local record. The agent's own id
// maps to itself.
func Derive(agentID uuid.UUID, base string) uuid.UUID {
	if base == agentID.String() {
		return agentID
	}
	return uuid.NewSHA1(namespace, []byte(base+":"+agentID.String()))
}

// DeriveID is Derive for a UUID base.
func DeriveID(agentID, base uuid.UUID) uuid.UUID {
	return Derive(agentID, base.String())
}

// ParseServerID parses a message server id. "0" is accepted as a short
// spelling of the default server.
func ParseServerID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "0" {
		return DefaultServerID, nil
	}
	return uuid.Parse(s)
}
