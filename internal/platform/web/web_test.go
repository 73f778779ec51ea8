package web

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(0.5, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"), "buckets are per key")

	now = now.Add(2 * time.Second)
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
}

func TestRateLimiter_Sweep(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }
	rl.Allow("a")
	now = now.Add(visitorTimeout + time.Second)
	assert.Equal(t, 1, rl.sweep())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := rl.Middleware(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"Too Many Requests"}`, rec.Body.String())
}

func TestClientIP(t *testing.T) {
	proxy := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientIP(req, nil))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "::1", ClientIP(req, nil), "untrusted peer cannot set its address")
	assert.Equal(t, "::1", ClientIP(req, proxy))

	req.RemoteAddr = "10.0.0.1:443"
	assert.Equal(t, "203.0.113.9", ClientIP(req, proxy))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 203.0.113.9, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", ClientIP(req, proxy), "rightmost untrusted hop")

	req.Header.Set("X-Forwarded-For", "garbage, 10.0.0.2")
	assert.Equal(t, "10.0.0.2", ClientIP(req, proxy))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1", ClientIP(req, proxy))
}

func TestRateLimiter_SpoofedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := rl.Middleware(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	var codes []int
	for _, fwd := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		req.Header.Set("X-Forwarded-For", fwd)
		rec := httptest.NewRecorder()
		h(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)

	rl.TrustProxies(netip.MustParsePrefix("192.0.2.10/32"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5000"
	req.Header.Set("X-Forwarded-For", "198.51.100.4")
	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "trusted proxy forwards a fresh client")
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
