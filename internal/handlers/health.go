package handlers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/eldtechnologies/centralbus/internal/bus"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass", "fail" or "skip"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Hostname  string           `json:"hostname,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]Check{}
	allHealthy := true

	if h.db != nil {
		checks["database"] = probe(ctx, h.db.Ping)
	} else {
		checks["database"] = Check{Status: "fail", Message: "not configured"}
	}

	// Redis is optional; only a configured but unreachable instance degrades.
	if h.redis != nil {
		checks["redis"] = probe(ctx, h.redis.Ping)
	} else {
		checks["redis"] = Check{Status: "skip", Message: "not configured"}
	}

	if h.bus != nil {
		checks["message_bus"] = Check{
			Status:  "pass",
			Message: fmt.Sprintf("%d new_message listeners", h.bus.ListenerCount(bus.EventNewMessage)),
		}
	}

	for _, c := range checks {
		if c.Status == "fail" {
			allHealthy = false
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Version:   version,
		Hostname:  hostname(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	h.write(w, statusCode, resp)
}

func probe(ctx context.Context, ping func(context.Context) error) Check {
	start := time.Now()
	if err := ping(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).String()}
}

func hostname() string {
	name, _ := os.Hostname()
	return name
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	API     string `json:"api"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "centralbus",
		Version: version,
		API:     "/api/messages",
	})
}
