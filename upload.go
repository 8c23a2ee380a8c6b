package guard

import (
	"fmt"
	"net/http"
	"strconv"
)

// UploadGuard returns middleware for upload routes that runs the abuse
// Monitor after authentication. Install it after Authenticate and
// ExtractFingerprint (and typically after the ClassUpload rate limiter, so
// the generic quota is charged first):
//
//	r.With(
//	    guard.Authenticate(resolver),
//	    guard.ExtractFingerprint(),
//	    guard.RateLimit(engine, guard.ClassUpload).Handler,
//	    guard.UploadGuard(monitor),
//	).Post("/artworks", createArtwork)
//
// Rejections return 429 with a Retry-After header and a structured
// UPLOAD_LIMIT_EXCEEDED body. Unauthenticated requests pass through; the
// upload rate limit class still covers them.
func UploadGuard(m *Monitor) func(http.Handler) http.Handler {
	if m == nil {
		panic("guard: UploadGuard requires a non-nil monitor")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			id, ok := IdentityFromContext(ctx)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			fingerprint, _ := FingerprintFromContext(ctx)
			d := m.CheckUpload(ctx, id, fingerprint)

			if !d.Allowed {
				retryAfter := retryAfterSeconds(d.RetryAfter)
				apiErr := ErrUploadLimit.With(fmt.Sprintf("Upload limit reached, try again in %ds", retryAfter))
				if HasState(ctx) {
					SetHeader(r, "Retry-After", strconv.Itoa(retryAfter))
					SetError(r, apiErr)
				} else {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					writeJSON(w, apiErr.Status, errorResponse{Error: apiErr})
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
