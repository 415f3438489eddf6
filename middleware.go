package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey int

const apiKeyContextKey ctxKey = iota

// apiKeyFromContext returns the authenticated caller credential, or "".
func apiKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyContextKey).(string)
	return key
}

// secretsEqual compares two secrets in constant time. Hashing first hides
// the length difference from the comparison.
func secretsEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// clientIP extracts the caller's address, honoring the first hop of
// X-Forwarded-For only when the deployment says a trusted proxy sits in
// front.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipAllowed reports whether ip matches any allow-list entry: exact address,
// CIDR range, or raw string (e.g. "localhost"). An empty list disables the
// check entirely.
func ipAllowed(ip string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, addrErr := netip.ParseAddr(ip)
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if addrErr != nil {
			if ip == entry {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(entry); err == nil {
			if addr == other {
				return true
			}
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if ip == entry {
			return true
		}
	}
	return false
}

// InternalAuth gates internal-only routes behind the shared secret and the
// optional source-IP allow-list.
func (a *App) InternalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" || !secretsEqual(apiKey, a.cfg.InternalAPIKey) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid X-API-Key")
			return
		}

		ip := clientIP(r, a.cfg.TrustProxyHeaders)
		if !ipAllowed(ip, a.cfg.InternalAllowedIPs) {
			writeError(w, http.StatusForbidden, "IP_NOT_ALLOWED", "source address not allowed")
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerLimiter is a coarse per-caller token bucket applied in front of the
// fixed-window limits on sensitive routes.
type callerLimiter struct {
	limiters  map[string]*rate.Limiter
	mu        sync.RWMutex
	perMinute int
}

func newCallerLimiter(perMinute int) *callerLimiter {
	return &callerLimiter{limiters: make(map[string]*rate.Limiter), perMinute: perMinute}
}

func (cl *callerLimiter) get(key string) *rate.Limiter {
	cl.mu.RLock()
	limiter, exists := cl.limiters[key]
	cl.mu.RUnlock()

	if !exists {
		cl.mu.Lock()
		limiter, exists = cl.limiters[key]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(cl.perMinute)/60, cl.perMinute)
			cl.limiters[key] = limiter
		}
		cl.mu.Unlock()
	}

	return limiter
}

// RateLimit enforces the coarse per-caller bucket.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFromContext(r.Context())
		if key == "" {
			key = clientIP(r, a.cfg.TrustProxyHeaders)
		}
		if !a.callerLimiter.get(key).Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging logs requests. Token material never appears here: only method,
// path, status, duration and the remote address.
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
