package guard

// Content fingerprint extraction for upload routes. The fingerprint itself
// is computed by the upload pipeline (hash of the image bytes); this
// middleware only carries it from the request into the context where the
// abuse Monitor consumes it.

import (
	"context"
	"net/http"
)

// FingerprintHeader is the header the upload pipeline uses to pass the
// content fingerprint of the request body.
const FingerprintHeader = "X-Content-Fingerprint"

type fingerprintContextKey string

const fingerprintKey fingerprintContextKey = "guard_fingerprint"

// fingerprintConfig configures the ExtractFingerprint middleware.
type fingerprintConfig struct {
	header    string
	required  bool
	validator func(string) error
}

// FingerprintOption configures ExtractFingerprint middleware.
type FingerprintOption func(*fingerprintConfig)

// FingerprintRequired marks the fingerprint header as required.
// Returns 400 (Bad Request) when it is missing.
func FingerprintRequired() FingerprintOption {
	return func(c *fingerprintConfig) {
		c.required = true
	}
}

// FingerprintFromHeader overrides the header the fingerprint is read from.
func FingerprintFromHeader(header string) FingerprintOption {
	return func(c *fingerprintConfig) {
		c.header = header
	}
}

// FingerprintWithValidator provides a validator for the fingerprint value,
// e.g. checking it parses as a hex digest. Returns 400 on failure.
func FingerprintWithValidator(fn func(string) error) FingerprintOption {
	return func(c *fingerprintConfig) {
		c.validator = fn
	}
}

// ExtractFingerprint creates middleware that extracts the content
// fingerprint header and stores it in the request context for the abuse
// Monitor. When the header is absent and not required, the request passes
// through and duplicate detection is skipped for it.
func ExtractFingerprint(opts ...FingerprintOption) func(http.Handler) http.Handler {
	config := fingerprintConfig{header: FingerprintHeader}

	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			val := r.Header.Get(config.header)

			if val == "" {
				if config.required {
					badRequest(w, r, "Missing required header: "+config.header)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if config.validator != nil {
				if err := config.validator(val); err != nil {
					badRequest(w, r, "Invalid "+config.header+" header: "+err.Error())
					return
				}
			}

			ctx := context.WithValue(r.Context(), fingerprintKey, val)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	if HasState(r.Context()) {
		SetError(r, ErrBadRequest.With(msg))
	} else {
		http.Error(w, msg, http.StatusBadRequest)
	}
}

// FingerprintFromContext retrieves the content fingerprint from the request
// context. Returns "" and false when no fingerprint was provided.
func FingerprintFromContext(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(fingerprintKey).(string)
	return val, ok
}
