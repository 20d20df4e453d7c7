package main

import (
	"bytes"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vaxllo/telnyx"
)

// Security middleware and helpers

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Also check query param for WebSocket upgrade requests
	return r.URL.Query().Get("token")
}

// wsAuthMiddleware validates authentication BEFORE upgrading to WebSocket.
// It also checks the Origin header against allowed origins.
func wsAuthMiddleware(password string, allowedOrigins []string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if password != "" {
				token := extractBearerToken(r)
				if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(password)) != 1 {
					http.Error(w, `{"error": "unauthorized"}`, http.StatusForbidden)
					return
				}
			}

			if len(allowedOrigins) > 0 {
				origin := r.Header.Get("Origin")
				if origin != "" && !isAllowedOrigin(origin, allowedOrigins) {
					http.Error(w, `{"error": "origin not allowed"}`, http.StatusForbidden)
					return
				}
			}

			next(w, r)
		}
	}
}

// telnyxSignatureMiddleware rejects webhook deliveries whose Ed25519 signature
// does not verify. A nil verifier lets everything through. The body is
// restored for the next handler.
func telnyxSignatureMiddleware(verifier *telnyx.Verifier, logger *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			err = verifier.Verify(body, r.Header.Get(telnyx.SignatureHeader), r.Header.Get(telnyx.TimestampHeader))
			if err != nil {
				logger.Warn("telnyx webhook rejected", "path", r.URL.Path, "err", err)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next(w, r)
		}
	}
}

func isAllowedOrigin(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(origin, a) {
			return true
		}
	}
	return false
}

// maxBodyMiddleware limits request body size to prevent DoS via memory exhaustion.
func maxBodyMiddleware(maxBytes int64) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next(w, r)
		}
	}
}

// recoverMiddleware turns a handler panic into a 500.
func recoverMiddleware(logger *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("panic in http handler", "path", r.URL.Path, "panic", p)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next(w, r)
		}
	}
}

// RateLimiter implements per-IP rate limiting.
type RateLimiter struct {
	visitors map[string]*visitorEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	stop     chan struct{}
	once     sync.Once
}

type visitorEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with the given requests per second and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitorEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rate, rl.burst)
		rl.visitors[ip] = &visitorEntry{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 10*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Middleware wraps a handler with rate limiting.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		// Use X-Forwarded-For if behind a proxy
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			ip = strings.Split(forwarded, ",")[0]
			ip = strings.TrimSpace(ip)
		} else if i := strings.LastIndex(ip, ":"); i > 0 {
			ip = ip[:i]
		}

		limiter := rl.getVisitor(ip)
		if !limiter.Allow() {
			http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

// chainMiddleware applies multiple middleware in order (outermost first).
func chainMiddleware(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
