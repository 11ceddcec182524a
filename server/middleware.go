package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ai-on-fhir/fhirquery/config"
	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/metrics"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/juju/ratelimit"
)

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware propagates the caller's X-Request-ID or assigns a new
// UUID, stored where middleware.GetReqID finds it
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ProxySet holds the peers allowed to speak for a client through
// X-Forwarded-For and X-Real-IP. Loopback is always included.
type ProxySet struct {
	prefixes []netip.Prefix
}

// NewProxySet parses IPs and CIDR ranges, skipping entries that do not parse
func NewProxySet(entries []string) *ProxySet {
	ps := &ProxySet{}
	for _, e := range entries {
		prefix, err := config.ParseProxy(e)
		if err != nil {
			logging.Warn("Ignoring trusted proxy entry", "entry", e, "error", err)
			continue
		}
		ps.prefixes = append(ps.prefixes, prefix)
	}
	return ps
}

// Contains reports whether addr, with or without a port, is a trusted peer
func (ps *ProxySet) Contains(addr string) bool {
	ip, ok := parseHost(addr)
	if !ok {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ps == nil {
		return false
	}
	for _, p := range ps.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func parseHost(addr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// RealIPMiddleware replaces RemoteAddr with the client named by a trusted
// proxy. X-Forwarded-For is read right to left and the first hop that is not
// itself a trusted proxy wins. Headers from other peers are ignored.
func RealIPMiddleware(proxies *ProxySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if proxies.Contains(r.RemoteAddr) {
				if client := forwardedClient(r, proxies); client != "" {
					r.RemoteAddr = client
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, proxies *ProxySet) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if _, ok := parseHost(hop); !ok {
				break
			}
			if i == 0 || !proxies.Contains(hop) {
				return hop
			}
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		if _, ok := parseHost(xrip); ok {
			return xrip
		}
	}
	return ""
}

// BlockDirectAccessMiddleware rejects requests whose peer is not a trusted
// proxy. Loopback is always allowed.
func BlockDirectAccessMiddleware(proxies *ProxySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !proxies.Contains(r.RemoteAddr) {
				logging.Warn("Direct access blocked",
					"remote_addr", r.RemoteAddr,
					"forwarded_for", r.Header.Get("X-Forwarded-For"),
					"user_agent", r.Header.Get("User-Agent"))
				respondWithError(w, http.StatusForbidden, "Direct access not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeMiddleware limits the size of request headers and body.
// Declared lengths are rejected up front; chunked bodies are capped by
// http.MaxBytesReader and fail when the handler reads past the limit.
func RequestSizeMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > cfg.MaxRequestBody {
				logging.Warn("Request body too large",
					"content_length", r.ContentLength,
					"max_allowed", cfg.MaxRequestBody,
					"remote_addr", r.RemoteAddr,
					"user_agent", r.UserAgent())

				respondWithError(w, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("Request body too large. Maximum allowed size is %d bytes", cfg.MaxRequestBody))
				return
			}

			// Check header size (rough estimate)
			headerSize := int64(0)
			for key, values := range r.Header {
				headerSize += int64(len(key))
				for _, value := range values {
					headerSize += int64(len(value))
				}
			}

			if headerSize > cfg.MaxHeaderSize {
				logging.Warn("Request headers too large",
					"header_size", headerSize,
					"max_allowed", cfg.MaxHeaderSize,
					"remote_addr", r.RemoteAddr,
					"user_agent", r.UserAgent())

				respondWithError(w, http.StatusRequestHeaderFieldsTooLarge,
					fmt.Sprintf("Request headers too large. Maximum allowed size is %d bytes", cfg.MaxHeaderSize))
				return
			}

			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxRequestBody)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Token bucket defaults: 3 tokens per second refill, bursts of up to 1000
const (
	defaultRefillRate = 3
	defaultCapacity   = 1000
	cleanupInterval   = 30 * time.Minute
)

// RateLimiter keeps one token bucket per client IP
type RateLimiter struct {
	clients  map[string]*ratelimit.Bucket
	mu       sync.RWMutex
	rate     float64
	capacity int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts the sweep of idle buckets
func NewRateLimiter(rate float64, capacity int64) *RateLimiter {
	rl := &RateLimiter{
		clients:  make(map[string]*ratelimit.Bucket),
		rate:     rate,
		capacity: capacity,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop(cleanupInterval)
	return rl
}

func (rl *RateLimiter) getBucket(clientIP string) *ratelimit.Bucket {
	rl.mu.RLock()
	bucket, exists := rl.clients[clientIP]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		if bucket, exists = rl.clients[clientIP]; !exists {
			bucket = ratelimit.NewBucketWithRate(rl.rate, rl.capacity)
			rl.clients[clientIP] = bucket
			metrics.RateLimiterBucketsTotal.Set(float64(len(rl.clients)))
		}
		rl.mu.Unlock()
	}

	return bucket
}

// cleanup drops buckets that have refilled completely and returns how many remain
func (rl *RateLimiter) cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, bucket := range rl.clients {
		if bucket.Available() == bucket.Capacity() {
			delete(rl.clients, ip)
		}
	}
	metrics.RateLimiterBucketsTotal.Set(float64(len(rl.clients)))
	return len(rl.clients)
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// clientKey is the client address without its port, so reconnects share a bucket
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// getTokenCost prices a request by path; searches hit the FHIR server and cost most
func getTokenCost(r *http.Request) int64 {
	switch r.URL.Path {
	case "/":
		return 0
	case "/metrics":
		return 0
	case "/health":
		return 5
	case "/parse", "/dashboard":
		return 50
	}
	return 20
}

// Handler implements rate limiting using token bucket
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	limit := strconv.FormatInt(rl.capacity, 10)
	rate := strconv.FormatFloat(rl.rate, 'f', -1, 64)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCost := getTokenCost(r)
		if tokenCost == 0 {
			next.ServeHTTP(w, r)
			return
		}

		bucket := rl.getBucket(clientKey(r))

		w.Header().Set("X-RateLimit-Limit", limit)
		w.Header().Set("X-RateLimit-Rate", rate)

		if bucket.TakeAvailable(tokenCost) < tokenCost {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "60")
			logging.Warn("Rate limit exceeded", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(bucket.Available(), 10))
		next.ServeHTTP(w, r)
	})
}

// respondWithJSON writes a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logging.Error("Failed to encode JSON response", "error", err)
		}
	}
}

// respondWithError uses the same body as the handlers package
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]any{
		"error":   http.StatusText(code),
		"message": message,
		"code":    code,
	})
}
