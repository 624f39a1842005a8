package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/memoora/storycall/internal/credential"
)

type contextKey string

// identityKey is the context key for the authenticated credential.
const identityKey contextKey = "credential_identity"

// Validator is the slice of the credential service auth needs.
type Validator interface {
	Validate(ctx context.Context, key string) (*credential.Identity, error)
}

// Identity returns the authenticated credential stored by APIKeyAuth,
// or nil for unauthenticated requests.
func Identity(ctx context.Context) *credential.Identity {
	id, _ := ctx.Value(identityKey).(*credential.Identity)
	return id
}

// withIdentity is exported for handler tests.
func WithIdentity(ctx context.Context, id *credential.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// APIKeyAuth validates the x-api-key header against the credential
// store and rejects the request when it is missing, unknown, revoked or
// over its rate windows. Transient store failures return 503, never 401,
// so clients do not discard keys over an outage.
func APIKeyAuth(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("x-api-key")
			if key == "" {
				writeError(w, http.StatusUnauthorized, "auth_required", "x-api-key header is required")
				return
			}

			id, err := v.Validate(r.Context(), key)
			if err != nil {
				var rle *credential.RateLimitError
				switch {
				case errors.As(err, &rle):
					w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfter))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusTooManyRequests)
					writeRateLimited(w, rle)
				case errors.Is(err, credential.ErrUnknownKey), errors.Is(err, credential.ErrInactive):
					writeError(w, http.StatusUnauthorized, "auth_invalid", "invalid or revoked api key")
				case errors.Is(err, credential.ErrUnavailable):
					writeError(w, http.StatusServiceUnavailable, "unavailable", "credential store unavailable")
				default:
					slog.Error("api key validation failed", "error", err)
					writeError(w, http.StatusInternalServerError, "internal", "internal server error")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeRateLimited(w http.ResponseWriter, rle *credential.RateLimitError) {
	encodeJSON(w, errorBody{
		Error:   "rate_limited",
		Message: "call limit for the current " + rle.Window + " window reached",
		Details: struct {
			Window     string `json:"window"`
			RetryAfter int    `json:"retryAfter"`
		}{Window: rle.Window, RetryAfter: rle.RetryAfter},
	})
}
