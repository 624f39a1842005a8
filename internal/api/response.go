package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/memoora/storycall/internal/credential"
)

// maxBodyBytes bounds client request bodies. Every payload the API
// accepts fits comfortably in this.
const maxBodyBytes = 64 << 10

// errorBody is the error envelope every failure response uses.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorBody{Error: code, Message: message, Details: details})
}

// rateLimitDetails is the details payload of every 429 response.
type rateLimitDetails struct {
	Window     string `json:"window"`
	RetryAfter int    `json:"retryAfter"`
}

// writeRateLimited emits the 429 envelope shared with the auth middleware:
// the exhausted window and a retryAfter hint in seconds ride in details.
func writeRateLimited(w http.ResponseWriter, rle *credential.RateLimitError) {
	w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:   "rate_limited",
		Message: "call limit for the current " + rle.Window + " window reached",
		Details: rateLimitDetails{Window: rle.Window, RetryAfter: rle.RetryAfter},
	})
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown
// fields so client typos fail loudly instead of silently dropping data.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	// Trailing garbage after the document is a malformed request too.
	if dec.More() {
		return errors.New("invalid json body: trailing data")
	}
	return nil
}
