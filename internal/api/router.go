package api

import (
	"io/fs"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/api/middleware"
	"github.com/eldtechnologies/centralbus/internal/attachments"
	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/config"
	"github.com/eldtechnologies/centralbus/internal/handlers"
	"github.com/eldtechnologies/centralbus/internal/socket"
	"github.com/eldtechnologies/centralbus/internal/store"
)

// maxJSONBody caps JSON request bodies; uploads have their own ceiling.
const maxJSONBody = 1 << 20

// Deps are the components the router wires into handlers.
type Deps struct {
	Config *config.Config
	Store  store.DataStore
	Redis  *store.RedisStore // optional
	Bus    *bus.Bus
	Hub    *socket.Hub
	Relay  *socket.Relay
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting needs Redis; without it every request passes.
	if d.Redis != nil {
		limiter := middleware.NewRateLimiter(d.Redis.Client(), logger, middleware.RateLimiterConfig{
			Whitelist:        d.Config.RateLimitWhitelist,
			AutoBlockEnabled: d.Config.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	}

	// CORS - the GUI is usually served from another origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var rooms handlers.Broadcaster
	if d.Hub != nil {
		rooms = d.Hub
	}
	h := handlers.NewHandler(d.Store, d.Redis, d.Bus, rooms, handlers.MediaConfig{
		Dir:      d.Config.UploadDir,
		MaxBytes: d.Config.MaxUploadBytes,
	}, logger)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	if d.Relay != nil {
		r.Get("/ws", d.Relay.HandleWebSocket)
	}

	media := http.StripPrefix(strings.TrimSuffix(attachments.MediaPrefix, "/"), http.FileServer(mediaDir(d.Config.UploadDir)))
	r.Handle(attachments.MediaPrefix+"*", media)

	jsonBody := chi.Chain(
		middleware.MaxBodySize(maxJSONBody),
		middleware.RequireContentType("application/json"),
	)

	r.Route("/api/messages", func(r chi.Router) {
		r.Route("/central-channels/{channelId}", func(r chi.Router) {
			// Multipart uploads enforce their own size ceiling.
			r.Post("/upload-media", h.UploadMedia)

			r.Group(func(r chi.Router) {
				r.Use(jsonBody...)
				r.Get("/", h.GetChannel)
				r.Patch("/", h.UpdateChannel)
				r.Delete("/", h.DeleteChannel)
				r.Get("/participants", h.GetParticipants)
				r.Post("/agents", h.AddChannelAgent)
				r.Delete("/agents/{agentId}", h.RemoveChannelAgent)

				r.Post("/messages", h.PostMessage)
				r.Get("/messages", h.GetMessages)
				r.Delete("/messages", h.ClearMessages)
				r.Delete("/messages/{messageId}", h.DeleteMessage)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(jsonBody...)
			r.Post("/submit", h.Submit)
			r.Post("/channels", h.CreateChannel)
			r.Get("/dm-channel", h.GetDMChannel)

			r.Get("/central-servers", h.ListServers)
			r.Get("/central-servers/{serverId}/channels", h.GetServerChannels)
			r.Post("/servers", h.CreateServer)
			r.Get("/servers/{serverId}/agents", h.ListServerAgents)
			r.Post("/servers/{serverId}/agents", h.AddServerAgent)
			r.Delete("/servers/{serverId}/agents/{agentId}", h.RemoveServerAgent)

			r.Get("/agents/{agentId}/servers", h.GetAgentServers)
		})
	})

	return r
}

// mediaDir serves files only; directory listings are hidden.
type mediaDir string

func (d mediaDir) Open(name string) (http.File, error) {
	f, err := http.Dir(d).Open(name)
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err != nil || info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}
