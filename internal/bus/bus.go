// Package bus is the in-process event bus connecting the central HTTP layer
// to the agent services hosted in the same process.
//
// Dispatch is synchronous: Emit calls every listener of the event, in
// registration order, on the caller's goroutine. There is no persistence and
// no replay; a listener registered after an Emit never sees that event.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/metrics"
	"github.com/eldtechnologies/centralbus/internal/models"
)

// EventName identifies a bus event.
type EventName string

const (
	EventNewMessage        EventName = "new_message"
	EventMessageDeleted    EventName = "message_deleted"
	EventChannelCleared    EventName = "channel_cleared"
	EventServerAgentUpdate EventName = "server_agent_update"
)

// Event is implemented by every bus payload.
type Event interface {
	Name() EventName
}

// NewMessage announces a central message that was just persisted.
type NewMessage struct {
	Message models.Message
	// Source names where the message came in, e.g. the GUI or a socket client.
	Source string
	// ChannelType is the type of the channel at the time of posting.
	ChannelType models.ChannelType
	// AuthorDisplayName is the author's display name, if known.
	AuthorDisplayName string
}

// MessageDeleted announces removal of one central message.
type MessageDeleted struct {
	MessageID uuid.UUID
	ChannelID uuid.UUID
}

// ChannelCleared announces that a channel's history is gone, either because
// it was cleared or because the channel was deleted.
type ChannelCleared struct {
	ChannelID uuid.UUID
}

// ServerAgentUpdateType says whether an agent joined or left a server.
type ServerAgentUpdateType string

const (
	AgentAddedToServer     ServerAgentUpdateType = "agent_added_to_server"
	AgentRemovedFromServer ServerAgentUpdateType = "agent_removed_from_server"
)

// ServerAgentUpdate announces a change in server membership of an agent.
type ServerAgentUpdate struct {
	Type     ServerAgentUpdateType
	AgentID  uuid.UUID
	ServerID uuid.UUID
}

func (NewMessage) Name() EventName        { return EventNewMessage }
func (MessageDeleted) Name() EventName    { return EventMessageDeleted }
func (ChannelCleared) Name() EventName    { return EventChannelCleared }
func (ServerAgentUpdate) Name() EventName { return EventServerAgentUpdate }

// Listener receives events it subscribed to.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Bus is a process-local publish/subscribe emitter. The zero value is not
// usable; construct with New and pass it to the components that need it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventName][]subscription
	nextID uint64
	logger zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventName][]subscription),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers fn for the named event and returns a function that
// removes it again.
func (b *Bus) Subscribe(name EventName, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, s := range list {
				if s.id == id {
					b.subs[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers ev to all of its listeners in registration order. A
// panicking listener is logged and skipped; later listeners still run.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	list := make([]subscription, len(b.subs[ev.Name()]))
	copy(list, b.subs[ev.Name()])
	b.mu.RUnlock()

	metrics.BusEventsEmitted.WithLabelValues(string(ev.Name())).Inc()

	for _, s := range list {
		b.dispatch(ev, s.fn)
	}
}

func (b *Bus) dispatch(ev Event, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", string(ev.Name())).
				Interface("panic", r).
				Msg("bus listener panicked")
		}
	}()
	fn(ev)
}

// ListenerCount returns the number of listeners for an event.
func (b *Bus) ListenerCount(name EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
