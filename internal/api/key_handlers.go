package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memoora/storycall/internal/api/middleware"
	"github.com/memoora/storycall/internal/credential"
)

// keyWarning accompanies every issuance response; the plaintext key is
// not recoverable afterwards.
const keyWarning = "Store this API key securely. It cannot be retrieved again."

type generateKeyRequest struct {
	ClientName  string `json:"clientName"`
	Email       string `json:"email"`
	Website     string `json:"website"`
	PhoneNumber string `json:"phoneNumber"`
	Description string `json:"description"`
}

type generateKeyResponse struct {
	APIKey      string            `json:"apiKey"`
	KeyID       string            `json:"keyId"`
	AccountID   string            `json:"accountId"`
	CreatedAt   time.Time         `json:"createdAt"`
	Permissions []string          `json:"permissions"`
	Limits      credential.Limits `json:"limits"`
	Warning     string            `json:"warning"`
}

// handleGenerateKey issues a new API key. The plaintext value appears in
// this response exactly once and is never logged.
func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	issued, err := s.creds.Issue(r.Context(), credential.IssueRequest{
		ClientName:  req.ClientName,
		Email:       req.Email,
		Website:     req.Website,
		PhoneNumber: req.PhoneNumber,
		Description: req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrMissingField):
			writeErrorDetails(w, http.StatusBadRequest, "validation_failed",
				"clientName and email are required",
				map[string]any{"required": []string{"clientName", "email"}})
		case errors.Is(err, credential.ErrMalformedEmail),
			errors.Is(err, credential.ErrMalformedWebsite),
			errors.Is(err, credential.ErrMalformedPhone):
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		case errors.Is(err, credential.ErrDomainRejected):
			writeError(w, http.StatusForbidden, "domain_not_allowed",
				"email domain is not authorized for key issuance")
		case errors.Is(err, credential.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "unavailable",
				"credential store unavailable")
		default:
			s.logger.Error("key issuance failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, generateKeyResponse{
		APIKey:      issued.KeyValue,
		KeyID:       issued.KeyID,
		AccountID:   issued.AccountID,
		CreatedAt:   issued.CreatedAt,
		Permissions: issued.Permissions,
		Limits:      issued.Limits,
		Warning:     keyWarning,
	})
}

// handleRevokeKey deactivates the caller's own key. Revoking someone
// else's key is forbidden regardless of whether it exists.
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := middleware.Identity(r.Context())
	keyID := chi.URLParam(r, "keyID")

	if keyID != id.KeyID {
		writeError(w, http.StatusForbidden, "forbidden", "a key can only revoke itself")
		return
	}

	if err := s.creds.Revoke(r.Context(), keyID); err != nil {
		if errors.Is(err, credential.ErrUnknownKey) {
			writeError(w, http.StatusNotFound, "not_found", "unknown key")
			return
		}
		s.logger.Error("key revocation failed", "key_id", keyID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "credential store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		KeyID   string `json:"keyId"`
		Status  string `json:"status"`
	}{Success: true, KeyID: keyID, Status: "revoked"})
}
