// Package middleware holds the HTTP middleware stack: API-key auth,
// per-IP rate limiting, structured request logging, panic recovery,
// security headers and CORS.
package middleware

import (
	"encoding/json"
	"net/http"
)

// errorBody is the error envelope every middleware failure uses, the
// same shape the handlers emit.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encodeJSON(w, errorBody{Error: code, Message: message})
}

func encodeJSON(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
