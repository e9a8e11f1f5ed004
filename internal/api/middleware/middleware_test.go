package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newLimiter(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, zerolog.Nop(), cfg), mr
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	rl, _ := newLimiter(t, RateLimiterConfig{})
	rl.rules = []rule{{"test", http.MethodPost, "/api/messages/submit", "", RateLimit{2, time.Minute}}}
	h := rl.Middleware(okHandler)

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/messages/submit", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if i == 2 {
			assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Other clients and unlimited routes are unaffected.
	req := httptest.NewRequest(http.MethodPost, "/api/messages/submit", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/messages/central-servers", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterWhitelist(t *testing.T) {
	rl, _ := newLimiter(t, RateLimiterConfig{Whitelist: []string{"127.0.0.1", "10.1.0.0/16", "bad/cidr"}})
	rl.rules = []rule{{"test", http.MethodGet, "/ws", "", RateLimit{1, time.Minute}}}
	h := rl.Middleware(okHandler)

	for _, addr := range []string{"127.0.0.1:1", "10.1.2.3:1"} {
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.RemoteAddr = addr
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code, addr)
		}
	}
}

func TestRateLimiterAutoBlock(t *testing.T) {
	rl, _ := newLimiter(t, RateLimiterConfig{AutoBlockEnabled: true})
	rl.rules = []rule{{"test", http.MethodPost, "/x", "", RateLimit{1, time.Minute}}}
	h := rl.Middleware(okHandler)

	for i := 0; i < autoBlockThreshold+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.RemoteAddr = "10.0.0.9:1"
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.True(t, rl.blocker.IsBlocked(context.Background(), "10.0.0.9"))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.RemoteAddr = "10.0.0.9:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rl.blocker.Unblock(context.Background(), "10.0.0.9")
	assert.False(t, rl.blocker.IsBlocked(context.Background(), "10.0.0.9"))
}

func TestRateLimiterFailsOpen(t *testing.T) {
	rl, mr := newLimiter(t, RateLimiterConfig{})
	rl.rules = []rule{{"test", http.MethodPost, "/x", "", RateLimit{1, time.Minute}}}
	mr.Close()

	allowed, _, _ := rl.CheckAndIncrement(context.Background(), "k", RateLimit{1, time.Minute})
	assert.True(t, allowed)
}

func TestDefaultRulesMatchFirst(t *testing.T) {
	rl, _ := newLimiter(t, RateLimiterConfig{})

	tests := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/messages/central-channels/abc/upload-media", "upload_media"},
		{http.MethodPost, "/api/messages/central-channels/abc/messages", "post_message"},
		{http.MethodPost, "/api/messages/submit", "submit"},
		{http.MethodGet, "/ws", "websocket"},
		{http.MethodGet, "/api/messages/central-channels/abc/messages", ""},
	}
	for _, tt := range tests {
		ru, found := rl.findRule(httptest.NewRequest(tt.method, tt.path, nil))
		if tt.want == "" {
			assert.False(t, found, tt.path)
			continue
		}
		require.True(t, found, tt.path)
		assert.Equal(t, tt.want, ru.name)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/central-servers", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'", rec.Header().Get("Content-Security-Policy"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/uploads/a.png", nil))
	assert.Equal(t, "cross-origin", rec.Header().Get("Cross-Origin-Resource-Policy"))
}

func TestMaxBodySize(t *testing.T) {
	h := MaxBodySize(8)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("tiny")))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireContentType(t *testing.T) {
	h := RequireContentType("application/json")(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(okHandler)

	for _, target := range []string{"/media/uploads/..%2F..%2Fetc", "/x?next=javascript:alert(1)"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/central-servers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
