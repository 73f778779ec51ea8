package web

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// bucket is a single visitor's token bucket state.
type bucket struct {
	// mu protects the individual bucket so different visitors never contend.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter applies a token bucket per client key (normally the client IP).
type RateLimiter struct {
	// buckets maps client keys to their state.
	buckets map[string]*bucket
	// mu protects the map itself (adding/removing visitors).
	mu sync.RWMutex

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64
	// trusted lists the proxies whose X-Forwarded-For is believed.
	trusted []netip.Prefix
	now     func() time.Time
}

// NewRateLimiter creates a RateLimiter. Call Run to start the background cleanup.
func NewRateLimiter(rate, capacity float64) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}
}

// TrustProxies makes the limiter key requests arriving through the given
// proxies on the forwarded client address. Call before serving.
func (rl *RateLimiter) TrustProxies(prefixes ...netip.Prefix) {
	rl.trusted = append(rl.trusted, prefixes...)
}

// getBucket retrieves or creates the bucket for key.
func (rl *RateLimiter) getBucket(key string) *bucket {
	// 1. Fast Path: Read Lock
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if exists {
		return b
	}

	// 2. Slow Path: Write Lock (Create new bucket)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, exists = rl.buckets[key]; !exists {
		b = &bucket{
			tokens:     rl.capacity, // Start full
			lastRefill: rl.now(),
		}
		rl.buckets[key] = b
	}
	return b
}

// Allow reports whether a request for key may proceed, consuming a token if so.
// Tokens are refilled lazily from the elapsed time.
func (rl *RateLimiter) Allow(key string) bool {
	b := rl.getBucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = min(rl.capacity, b.tokens+elapsed*rl.rate)
		b.lastRefill = now
	}

	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}

// Run removes inactive visitors every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var n int
	for key, b := range rl.buckets {
		b.mu.Lock()
		if rl.now().Sub(b.lastRefill) > visitorTimeout {
			delete(rl.buckets, key)
			n++
		}
		b.mu.Unlock()
	}
	return n
}

// Middleware wraps a handler to enforce the limit per client IP.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r, rl.trusted)) {
			w.Header().Set("Retry-After", "2")
			WriteError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next(w, r)
	}
}

// ClientIP returns the caller's address. X-Forwarded-For is only consulted
// when the peer is a trusted proxy, and then the rightmost untrusted hop wins.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !isTrusted(peer, trusted) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		client = hop
		if !isTrusted(hop, trusted) {
			break
		}
	}
	return client
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
