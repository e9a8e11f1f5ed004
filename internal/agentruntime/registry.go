package agentruntime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/eldtechnologies/centralbus/internal/agentbus"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentRegistered = errors.New("agent already registered")
)

// Registry looks hosted agents up by id.
type Registry struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*Runtime
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[uuid.UUID]*Runtime)}
}

// Register adds a runtime. Each agent id may be registered once.
func (r *Registry) Register(rt *Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[rt.AgentID()]; ok {
		return fmt.Errorf("%w: %s", ErrAgentRegistered, rt.AgentID())
	}
	r.agents[rt.AgentID()] = rt
	return nil
}

// Get returns the runtime for an agent id.
func (r *Registry) Get(id uuid.UUID) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.agents[id]
	return rt, ok
}

// List returns all runtimes ordered by agent id.
func (r *Registry) List() []*Runtime {
	r.mu.RLock()
	out := make([]*Runtime, 0, len(r.agents))
	for _, rt := range r.agents {
		out = append(out, rt)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].AgentID().String() < out[j].AgentID().String()
	})
	return out
}

// HandleDirect delivers a direct message to the named agent.
func (r *Registry) HandleDirect(ctx context.Context, agentID uuid.UUID, dm DirectMessage, cb agentbus.ResponseCallback) error {
	rt, ok := r.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return rt.HandleDirect(ctx, dm, cb)
}

// AgentSpec identifies an agent to host.
type AgentSpec struct {
	ID   uuid.UUID
	Name string
}

// ParseAgentSpecs parses AGENT_IDS entries of the form "id" or "id:name".
func ParseAgentSpecs(entries []string) ([]AgentSpec, error) {
	specs := make([]AgentSpec, 0, len(entries))
	seen := make(map[uuid.UUID]bool)
	for _, entry := range entries {
		rawID, name, _ := strings.Cut(entry, ":")
		id, err := uuid.Parse(strings.TrimSpace(rawID))
		if err != nil {
			return nil, fmt.Errorf("invalid agent id %q: %w", rawID, err)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		name = strings.TrimSpace(name)
		if name == "" {
			name = "Agent-" + id.String()[:8]
		}
		specs = append(specs, AgentSpec{ID: id, Name: name})
	}
	return specs, nil
}
