package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/socket"
	"github.com/eldtechnologies/centralbus/internal/store"
)

// Broadcaster pushes socket events to the clients in a channel room.
type Broadcaster interface {
	Broadcast(channelID uuid.UUID, msgType socket.MessageType, data any)
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db     store.DataStore
	redis  *store.RedisStore
	bus    *bus.Bus
	rooms  Broadcaster
	media  MediaConfig
	logger zerolog.Logger
}

// MediaConfig controls where uploads are stored and how large they may be.
type MediaConfig struct {
	Dir      string
	MaxBytes int64
}

// NewHandler creates a new Handler. redis and rooms may be nil.
func NewHandler(db store.DataStore, redis *store.RedisStore, b *bus.Bus, rooms Broadcaster, media MediaConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		db:     db,
		redis:  redis,
		bus:    b,
		rooms:  rooms,
		media:  media,
		logger: logger.With().Str("component", "handlers").Logger(),
	}
}

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// JSON sends a success envelope with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	h.write(w, status, successEnvelope{Success: true, Data: data})
}

// Error sends an error envelope with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.write(w, status, errorEnvelope{Error: errorBody{Code: errorCode(status), Message: message}})
}

func (h *Handler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "ALREADY_EXISTS"
	case http.StatusRequestEntityTooLarge:
		return "FILE_TOO_LARGE"
	case http.StatusUnsupportedMediaType:
		return "UNSUPPORTED_MEDIA_TYPE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	}
	return "INTERNAL_ERROR"
}

// broadcast forwards to the socket hub when one is attached.
func (h *Handler) broadcast(channelID uuid.UUID, msgType socket.MessageType, data any) {
	if h.rooms != nil {
		h.rooms.Broadcast(channelID, msgType, data)
	}
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if len(name) > 100 {
		name = name[:100]
	}

	return name
}

// parseUUIDs parses a list of ids, rejecting the whole list on the first bad one.
func parseUUIDs(raw []string) ([]uuid.UUID, bool) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, false
		}
		out = append(out, id)
	}
	return out, true
}
