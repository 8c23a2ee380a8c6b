package guard

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type identityContextKey string

const identityKey identityContextKey = "guard_identity"

// UserResolver resolves a bearer token to an authenticated identity.
// Returns the user ID, the account creation time, and whether the token is
// valid. The resolver is provided by the application and typically performs
// JWT verification or a session lookup.
//
// Thread safety: resolvers are called concurrently from multiple goroutines
// and must be safe for concurrent use.
type UserResolver func(token string) (userID string, createdAt time.Time, ok bool)

// authConfig configures the Authenticate middleware.
type authConfig struct {
	resolver UserResolver
	optional bool
}

// AuthOption configures Authenticate middleware.
type AuthOption func(*authConfig)

// WithOptionalAuth lets requests without an Authorization header through
// unauthenticated. Such requests count against their IP bucket instead of a
// user bucket. Use on routes that serve both anonymous and signed-in users.
func WithOptionalAuth() AuthOption {
	return func(c *authConfig) {
		c.optional = true
	}
}

// Authenticate returns middleware that resolves bearer tokens from the
// Authorization header into an Identity stored in the request context.
// Expects the header format "Bearer <token>". Returns 401 (Unauthorized) if
// the token is missing (when required), malformed, or rejected by the
// resolver. Downstream rate limiting counts authenticated requests against
// "user:<id>" keys.
//
// Example:
//
//	resolver := func(token string) (string, time.Time, bool) {
//	    claims, err := verifyJWT(token)
//	    if err != nil {
//	        return "", time.Time{}, false
//	    }
//	    return claims.Subject, claims.AccountCreatedAt, true
//	}
//	r.Use(guard.Authenticate(resolver))
func Authenticate(resolver UserResolver, opts ...AuthOption) func(http.Handler) http.Handler {
	config := authConfig{resolver: resolver}

	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if auth == "" {
				if config.optional {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, r, "Missing authorization header")
				return
			}

			// RFC 7235: "Bearer" scheme is case-insensitive
			if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
				unauthorized(w, r, "Invalid authorization format")
				return
			}

			token := auth[7:]
			if token == "" {
				unauthorized(w, r, "Empty bearer token")
				return
			}

			userID, createdAt, ok := config.resolver(token)
			if !ok || userID == "" {
				unauthorized(w, r, "Invalid bearer token")
				return
			}

			id := Identity{UserID: userID, AccountCreatedAt: createdAt}
			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	if HasState(r.Context()) {
		SetError(r, ErrUnauthorized.With(msg))
	} else {
		http.Error(w, msg, http.StatusUnauthorized)
	}
}

// IdentityFromContext retrieves the authenticated identity from the request
// context. Returns the zero Identity and false when the request is
// unauthenticated.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity returns a context carrying the given identity. Intended for
// tests and for applications with their own authentication middleware that
// still want guard's rate limiting to count per user.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}
