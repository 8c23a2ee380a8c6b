// Rate limiting middleware for Chi and standard http.Handler.
//
// Each middleware instance guards one endpoint class. The counting identity
// prefers the authenticated user (set by Authenticate), falls back to the
// client IP, and finally to a shared "unknown" bucket. All middleware sets
// advisory rate limit headers (RateLimit-Limit, RateLimit-Remaining,
// RateLimit-Reset) and returns 429 (Too Many Requests) with a structured
// RATE_LIMIT_EXCEEDED body when limits are exceeded.
//
// Example:
//
//	st := store.NewMemory()
//	defer st.Close()
//	engine, err := guard.NewEngine(st, guard.EngineConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	r := chi.NewRouter()
//	r.Use(guard.Handler(guard.WithCanonlog()))
//	r.Use(guard.Authenticate(resolver, guard.WithOptionalAuth()))
//	r.Use(guard.RateLimit(engine, guard.ClassGeneral).Handler)
package guard

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers in any response.
	// Use this when you want rate limiting without exposing limits to clients.
	HeadersNever
)

// Limiter implements rate limiting middleware for one endpoint class.
type Limiter struct {
	engine     *Engine
	class      Class
	headerMode HeaderMode
	trustProxy bool
}

// LimitOption configures a Limiter.
type LimitOption func(*Limiter)

// LimitWithHeaderMode configures when rate limit headers are included in
// responses.
func LimitWithHeaderMode(mode HeaderMode) LimitOption {
	return func(l *Limiter) {
		l.headerMode = mode
	}
}

// LimitWithTrustedProxy derives the fallback client IP from X-Forwarded-For
// or X-Real-IP before RemoteAddr.
//
// SECURITY: Only use behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func LimitWithTrustedProxy() LimitOption {
	return func(l *Limiter) {
		l.trustProxy = true
	}
}

// RateLimit creates rate limiting middleware for the given endpoint class.
// Rejections return 429 with standard rate limit headers, a Retry-After
// header, and a JSON error body carrying the RATE_LIMIT_EXCEEDED code.
//
// Panics if the engine has no policy for the class; a route wired to an
// unconfigured class is a programming error that should surface at startup.
func RateLimit(engine *Engine, class Class, opts ...LimitOption) *Limiter {
	if engine == nil {
		panic("guard: RateLimit requires a non-nil engine")
	}
	if _, ok := engine.LimitFor(class); !ok {
		panic(fmt.Sprintf("guard: no rate limit policy configured for class %q", class))
	}

	l := &Limiter{
		engine:     engine,
		class:      class,
		headerMode: HeadersAlways,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The rate limit ceiling for the current window
//   - RateLimit-Remaining: Number of requests remaining in the current window
//   - RateLimit-Reset: Unix timestamp when the current window resets
//   - Retry-After: (only when limited) Seconds until the window resets
//
// These headers follow the IETF draft-ietf-httpapi-ratelimit-headers
// specification.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		useWrapper := HasState(ctx)

		id, _ := IdentityFromContext(ctx)
		if id.UserID == "" {
			id.IP = clientIP(r, l.trustProxy)
		}

		d := l.engine.Check(ctx, l.class, id)

		shouldSetHeaders := l.headerMode == HeadersAlways ||
			(l.headerMode == HeadersOnLimitExceeded && !d.Allowed)

		if shouldSetHeaders {
			setLimitHeader(w, r, useWrapper, "RateLimit-Limit", strconv.Itoa(d.Limit))
			setLimitHeader(w, r, useWrapper, "RateLimit-Remaining", strconv.Itoa(d.Remaining))
			setLimitHeader(w, r, useWrapper, "RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}

		if !d.Allowed {
			retryAfter := d.RetryAfterSeconds()
			if shouldSetHeaders {
				setLimitHeader(w, r, useWrapper, "Retry-After", strconv.Itoa(retryAfter))
			}
			apiErr := ErrRateLimited.With(fmt.Sprintf("Rate limit exceeded: %d requests per %s", d.Limit, l.window()))
			if useWrapper {
				SetError(r, apiErr)
			} else {
				writeJSON(w, apiErr.Status, errorResponse{Error: apiErr})
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) window() time.Duration {
	lim, _ := l.engine.LimitFor(l.class)
	return lim.Window
}

func setLimitHeader(w http.ResponseWriter, r *http.Request, useWrapper bool, key, value string) {
	if useWrapper {
		SetHeader(r, key, value)
	} else {
		w.Header().Set(key, value)
	}
}

// clientIP extracts the best-available client address. With a trusted proxy,
// X-Forwarded-For (first hop) and X-Real-IP take precedence; otherwise only
// RemoteAddr is consulted. Returns "" when nothing usable is present, which
// routes the caller into the shared unknown bucket.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return strings.TrimSpace(realIP)
		}
	}

	if r.RemoteAddr == "" {
		return ""
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
