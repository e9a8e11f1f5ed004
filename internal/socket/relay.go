package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/agentruntime"
	"github.com/eldtechnologies/centralbus/internal/attachments"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	readLimit    = 1 << 20
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Tracer wraps agent processing in a span. finish is called exactly once
// with the processing error, if any.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (spanCtx context.Context, finish func(err error))
}

// Agents resolves hosted agents by id.
type Agents interface {
	Get(id uuid.UUID) (*agentruntime.Runtime, bool)
}

// Relay serves the WebSocket endpoint and routes SEND_MESSAGE requests to
// hosted agents.
type Relay struct {
	hub      *Hub
	agents   Agents
	resolver *attachments.Resolver
	tracer   Tracer
	logger   zerolog.Logger
}

// NewRelay creates a relay. tracer may be nil.
func NewRelay(hub *Hub, agents Agents, resolver *attachments.Resolver, tracer Tracer, logger zerolog.Logger) *Relay {
	return &Relay{
		hub:      hub,
		agents:   agents,
		resolver: resolver,
		tracer:   tracer,
		logger:   logger.With().Str("component", "socket_relay").Logger(),
	}
}

// HandleWebSocket handles WebSocket connections.
func (rl *Relay) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := rl.hub.NewClient(conn)
	rl.hub.Register(client)

	go rl.writePump(client)
	rl.readPump(client)
}

func (rl *Relay) readPump(client *Client) {
	defer func() {
		rl.hub.Unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(readLimit)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				rl.logger.Warn().Err(err).Msg("websocket error")
			}
			break
		}

		rl.handleMessage(client, message)
	}
}

func (rl *Relay) writePump(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (rl *Relay) handleMessage(client *Client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		client.SendError(ErrCodeInvalidMsg, "Invalid message format", "")
		return
	}

	switch env.Type {
	case TypeRoomJoining, TypeRoomLeaving:
		var msg RoomMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			client.SendError(ErrCodeInvalidMsg, "Invalid room message", "")
			return
		}
		channelID, err := uuid.Parse(msg.ChannelID)
		if err != nil {
			client.SendError(ErrCodeInvalidMsg, "Invalid channelId", msg.ChannelID)
			return
		}
		if env.Type == TypeRoomJoining {
			rl.hub.Join(client, channelID)
		} else {
			rl.hub.Leave(client, channelID)
		}
		rl.logger.Debug().
			Str("client_id", client.id.String()).
			Str("type", string(env.Type)).
			Str("channel_id", channelID.String()).
			Msg("room membership changed")

	case TypeSendMessage:
		var msg SendMessageMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			client.SendError(ErrCodeInvalidMsg, "Invalid send message", "")
			return
		}
		rl.handleSendMessage(client, &msg)

	default:
		client.SendError(ErrCodeInvalidMsg, "Unknown message type", "")
	}
}

// outgoing is a validated SEND_MESSAGE.
type outgoing struct {
	messageID uuid.UUID
	channelID uuid.UUID
	serverID  uuid.UUID
	senderID  uuid.UUID
	agentID   uuid.UUID
	msg       *SendMessageMessage
}

func parseSend(msg *SendMessageMessage) (*outgoing, error) {
	out := &outgoing{msg: msg}
	var err error
	if out.channelID, err = uuid.Parse(msg.ChannelID); err != nil {
		return nil, errors.New("invalid channelId")
	}
	if out.senderID, err = uuid.Parse(msg.SenderID); err != nil {
		return nil, errors.New("invalid senderId")
	}
	out.serverID = ids.DefaultServerID
	if msg.ServerID != "" {
		if out.serverID, err = ids.ParseServerID(msg.ServerID); err != nil {
			return nil, errors.New("invalid serverId")
		}
	}
	if msg.TargetAgentID != "" {
		if out.agentID, err = uuid.Parse(msg.TargetAgentID); err != nil {
			return nil, errors.New("invalid targetAgentId")
		}
	}
	out.messageID = ids.NewUUIDv7()
	if msg.MessageID != "" {
		if out.messageID, err = uuid.Parse(msg.MessageID); err != nil {
			return nil, errors.New("invalid messageId")
		}
	}
	if strings.TrimSpace(msg.Message) == "" && len(msg.Attachments) == 0 {
		return nil, errors.New("message is empty")
	}
	return out, nil
}

func (rl *Relay) handleSendMessage(client *Client, msg *SendMessageMessage) {
	out, err := parseSend(msg)
	if err != nil {
		client.SendError(ErrCodeInvalidMsg, err.Error(), msg.ChannelID)
		return
	}

	source := msg.Source
	if source == "" {
		source = models.SourceTypeSocket
	}
	rl.hub.broadcastExcept(out.channelID, client, TypeMessageBroadcast, MessageBroadcast{
		ID:          out.messageID,
		SenderID:    out.senderID,
		SenderName:  msg.SenderName,
		Text:        msg.Message,
		ChannelID:   out.channelID,
		ServerID:    out.serverID,
		CreatedAt:   time.Now().UnixMilli(),
		Source:      source,
		Attachments: msg.Attachments,
		Metadata:    msg.Metadata,
	})

	if out.agentID == uuid.Nil {
		return
	}
	// Agent processing can outlast the read deadline; run it off the read loop.
	go rl.processForAgent(client, out, source)
}

func (rl *Relay) processForAgent(client *Client, out *outgoing, source string) {
	ctx := context.Background()
	channel := out.channelID.String()

	rl.hub.Broadcast(out.channelID, TypeControlMessage, ControlMessage{
		Action:    ActionDisableInput,
		ChannelID: out.channelID,
		Target:    out.agentID.String(),
	})
	defer func() {
		rl.hub.Broadcast(out.channelID, TypeMessageComplete, MessageCompleteMessage{
			ChannelID: out.channelID,
			ServerID:  out.serverID,
		})
		rl.hub.Broadcast(out.channelID, TypeControlMessage, ControlMessage{
			Action:    ActionEnableInput,
			ChannelID: out.channelID,
		})
	}()

	rt, ok := rl.agents.Get(out.agentID)
	if !ok {
		client.SendError(ErrCodeAgentNotFound, "agent not found: "+out.agentID.String(), channel)
		return
	}

	dm := agentruntime.DirectMessage{
		MessageID:   out.messageID,
		ChannelID:   out.channelID,
		ServerID:    out.serverID,
		SenderID:    out.senderID,
		SenderName:  out.msg.SenderName,
		Text:        out.msg.Message,
		Source:      source,
		ChannelType: models.InferChannelType(out.msg.Metadata, true),
		Attachments: rl.resolver.Inline(out.msg.Attachments),
	}

	reply := func(ctx context.Context, content models.Content) error {
		inReplyTo := out.messageID
		rl.hub.Broadcast(out.channelID, TypeMessageBroadcast, MessageBroadcast{
			ID:          ids.NewUUIDv7(),
			SenderID:    rt.AgentID(),
			SenderName:  rt.AgentName(),
			Text:        content.Text,
			ChannelID:   out.channelID,
			ServerID:    out.serverID,
			CreatedAt:   time.Now().UnixMilli(),
			Source:      models.SourceTypeAgentResponse,
			Thought:     content.Thought,
			Actions:     content.Actions,
			Attachments: content.Attachments,
			InReplyTo:   &inReplyTo,
		})
		return nil
	}

	err := rl.traced(ctx, out, func(ctx context.Context) error {
		return rt.HandleDirect(ctx, dm, reply)
	})
	if err != nil {
		rl.logger.Error().Err(err).
			Str("agent_id", out.agentID.String()).
			Str("channel_id", channel).
			Msg("agent failed to process message")
		client.SendError(ErrCodeAgentFailed, "agent failed to process message", channel)
	}
}

// traced runs fn inside a tracer span when a tracer is configured.
func (rl *Relay) traced(ctx context.Context, out *outgoing, fn func(context.Context) error) error {
	if rl.tracer == nil {
		return fn(ctx)
	}
	spanCtx, finish := rl.tracer.StartSpan(ctx, "socket.agent_message", map[string]string{
		"agent_id":   out.agentID.String(),
		"channel_id": out.channelID.String(),
		"message_id": out.messageID.String(),
	})
	err := fn(spanCtx)
	finish(err)
	return err
}
