package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memoora/storycall/internal/api/middleware"
	"github.com/memoora/storycall/internal/credential"
	"github.com/memoora/storycall/internal/database"
	"github.com/memoora/storycall/internal/database/models"
	"github.com/memoora/storycall/internal/registry"
	"github.com/memoora/storycall/internal/telephony"
)

// e164Re matches the E.164 phone numbers the provider accepts.
var e164Re = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ringTimeoutSeconds is how long the provider lets the callee's phone
// ring before giving up with no-answer.
const ringTimeoutSeconds = 30

// hasPermission reports whether the credential carries a permission tag.
func hasPermission(id *credential.Identity, perm string) bool {
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type startCallRequest struct {
	PhoneNumber     string `json:"phoneNumber"`
	CustomMessage   string `json:"customMessage"`
	Question        string `json:"question"`
	CallType        string `json:"callType"`
	Interactive     bool   `json:"interactive"`
	StorytellerID   string `json:"storytellerId"`
	FamilyMemberID  string `json:"familyMemberId"`
	ScheduledCallID string `json:"scheduledCallId"`
}

type startCallResponse struct {
	Success   bool           `json:"success"`
	CallID    string         `json:"callId"`
	TwilioSID string         `json:"twilioSid"`
	Status    string         `json:"status"`
	To        string         `json:"to"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// handleStartCall places one outbound call for the authenticated
// credential, counting it against the rate windows before dialing.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	id := middleware.Identity(r.Context())

	if !hasPermission(id, "call") {
		writeError(w, http.StatusForbidden, "forbidden", "credential lacks the call permission")
		return
	}

	var req startCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if !e164Re.MatchString(req.PhoneNumber) {
		writeError(w, http.StatusBadRequest, "validation_failed",
			"phoneNumber must be in E.164 format, e.g. +15551234567")
		return
	}

	interactive := req.Interactive || req.CallType == "interactive"
	kind := models.CallKindBasic
	question := req.CustomMessage
	if interactive {
		kind = models.CallKindInteractive
		question = req.Question
	}

	// An interactive call is useless if no worker will ever process its
	// turns, so refuse the placement instead of placing a dead call.
	if interactive && s.processor.Saturated() {
		writeError(w, http.StatusServiceUnavailable, "unavailable",
			"call capacity exhausted, try again shortly")
		return
	}

	// The usage counter is spent before dialing: a placed call counts even
	// if the callee never answers.
	if err := s.creds.IncrementUsage(r.Context(), id.KeyID); err != nil {
		var rle *credential.RateLimitError
		switch {
		case errors.As(err, &rle):
			writeRateLimited(w, rle)
		case errors.Is(err, credential.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "unavailable", "credential store unavailable")
		default:
			s.logger.Error("usage increment failed", "key_id", id.KeyID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		}
		return
	}

	metadata := map[string]any{}
	if req.StorytellerID != "" {
		metadata["storytellerId"] = req.StorytellerID
	}
	if req.FamilyMemberID != "" {
		metadata["familyMemberId"] = req.FamilyMemberID
	}
	if req.ScheduledCallID != "" {
		metadata["scheduledCallId"] = req.ScheduledCallID
	}

	caller := telephony.CallerIdentity{Fallback: s.cfg.TwilioFromNumber}
	if s.cfg.UseAlphaLabel {
		caller.Label = s.cfg.AlphaLabel
	}

	call, err := s.registry.Create(r.Context(), registry.CreateParams{
		CredentialID: id.CredentialID,
		AccountID:    id.AccountID,
		Callee:       req.PhoneNumber,
		CallerID:     caller.First(),
		Kind:         kind,
		Question:     question,
		Metadata:     metadata,
	})
	if err != nil {
		s.logger.Error("creating call record failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "call store unavailable")
		return
	}

	promptPath := "/voice"
	if interactive {
		promptPath = "/voice-interactive"
	}

	placement, err := s.dialer.PlaceCall(r.Context(), telephony.PlacementRequest{
		Callee:           req.PhoneNumber,
		Caller:           caller,
		PromptWebhookURL: s.webhookURL(promptPath),
		StatusWebhookURL: s.webhookURL("/call-status"),
		TimeoutSeconds:   ringTimeoutSeconds,
	})
	if err != nil {
		if ferr := s.registry.MarkPlacementFailed(r.Context(), call.CallID); ferr != nil {
			s.logger.Warn("marking failed placement", "call_id", call.CallID, "error", ferr)
		}
		var provErr *telephony.ProviderError
		if errors.As(err, &provErr) {
			s.logger.Warn("provider rejected placement",
				"call_id", call.CallID, "code", provErr.Code, "error", provErr.Message)
			writeError(w, http.StatusBadGateway, "provider_rejected", provErr.Message)
			return
		}
		s.logger.Error("placement failed", "call_id", call.CallID, "error", err)
		writeError(w, http.StatusBadGateway, "provider_unreachable", "telephony provider unreachable")
		return
	}

	if err := s.registry.AttachProviderSID(r.Context(), call.CallID, placement.ProviderSID); err != nil {
		s.logger.Error("attaching provider sid failed",
			"call_id", call.CallID, "provider_sid", placement.ProviderSID, "error", err)
	}
	if err := s.registry.SetCallerID(r.Context(), call.CallID, placement.CallerUsed); err != nil {
		s.logger.Warn("recording caller id failed", "call_id", call.CallID, "error", err)
	}
	if placement.FallbackUsed {
		if err := s.registry.MergeMetadata(r.Context(), call.CallID, map[string]any{
			"fallbackUsed":   true,
			"fallbackReason": placement.FallbackReason,
		}); err != nil {
			s.logger.Warn("recording caller fallback failed", "call_id", call.CallID, "error", err)
		}
	}

	s.logger.Info("call placed",
		"call_id", call.CallID,
		"provider_sid", placement.ProviderSID,
		"kind", kind,
		"key_id", id.KeyID,
	)

	writeJSON(w, http.StatusOK, startCallResponse{
		Success:   true,
		CallID:    call.CallID,
		TwilioSID: placement.ProviderSID,
		Status:    models.CallStatusInitiated,
		To:        req.PhoneNumber,
		Metadata:  metadata,
	})
}

// callView is the client-facing shape of a call record.
type callView struct {
	CallID          string         `json:"callId"`
	TwilioSID       string         `json:"twilioSid,omitempty"`
	To              string         `json:"to"`
	CallerID        string         `json:"callerId,omitempty"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Question        string         `json:"question,omitempty"`
	InitiatedAt     time.Time      `json:"initiatedAt"`
	AnsweredAt      *time.Time     `json:"answeredAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	DurationSeconds *int           `json:"durationSeconds,omitempty"`
	Recorded        bool           `json:"recorded"`
	RecordingFile   string         `json:"recordingFile,omitempty"`
	Notified        bool           `json:"notified"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func toCallView(c *models.CallRecord) callView {
	v := callView{
		CallID:          c.CallID,
		TwilioSID:       c.ProviderSID,
		To:              c.Callee,
		CallerID:        c.CallerID,
		Type:            c.Kind,
		Status:          c.Status,
		Question:        c.Question,
		InitiatedAt:     c.InitiatedAt,
		AnsweredAt:      c.AnsweredAt,
		CompletedAt:     c.CompletedAt,
		DurationSeconds: c.DurationSec,
		Recorded:        c.Recorded,
		RecordingFile:   c.RecordingFile,
		Notified:        c.Notified,
	}
	if c.Metadata != "" && c.Metadata != "{}" {
		var meta map[string]any
		if json.Unmarshal([]byte(c.Metadata), &meta) == nil {
			v.Metadata = meta
		}
	}
	return v
}

// listFilter parses the shared pagination and filter query params.
func listFilter(r *http.Request) database.CallListFilter {
	q := r.URL.Query()
	f := database.CallListFilter{
		Status: q.Get("status"),
		Kind:   q.Get("type"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= 200 {
		f.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		f.Offset = n
	}
	return f
}

// handleListCalls lists the credential's calls, newest first.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	id := middleware.Identity(r.Context())
	f := listFilter(r)

	calls, total, err := s.registry.ListByCredential(r.Context(), id.CredentialID, f)
	if err != nil {
		s.logger.Error("listing calls failed", "key_id", id.KeyID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "call store unavailable")
		return
	}

	views := make([]callView, 0, len(calls))
	for i := range calls {
		views = append(views, toCallView(&calls[i]))
	}
	writeJSON(w, http.StatusOK, struct {
		Calls  []callView `json:"calls"`
		Total  int        `json:"total"`
		Limit  int        `json:"limit"`
		Offset int        `json:"offset"`
	}{Calls: views, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// ownedCall fetches a call and hides other credentials' calls behind 404.
func (s *Server) ownedCall(w http.ResponseWriter, r *http.Request) *models.CallRecord {
	id := middleware.Identity(r.Context())
	callID := chi.URLParam(r, "callID")

	call, err := s.registry.GetByCallID(r.Context(), callID)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown call")
		return nil
	}
	if err != nil {
		s.logger.Error("fetching call failed", "call_id", callID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "call store unavailable")
		return nil
	}
	if call.CredentialID != id.CredentialID {
		writeError(w, http.StatusNotFound, "not_found", "unknown call")
		return nil
	}
	return call
}

// handleGetCall returns one call owned by the credential.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call := s.ownedCall(w, r)
	if call == nil {
		return
	}
	writeJSON(w, http.StatusOK, toCallView(call))
}

// handleCancelCall cancels a non-terminal call and asks the provider to
// hang it up.
func (s *Server) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	call := s.ownedCall(w, r)
	if call == nil {
		return
	}

	if err := s.registry.Cancel(r.Context(), call.CallID); err != nil {
		if errors.Is(err, registry.ErrIllegalTransition) {
			writeError(w, http.StatusConflict, "conflict", "call already ended")
			return
		}
		s.logger.Error("canceling call failed", "call_id", call.CallID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "call store unavailable")
		return
	}

	// Best effort; the status callback confirms the actual hangup.
	if call.ProviderSID != "" {
		if err := s.dialer.EndCall(r.Context(), call.ProviderSID); err != nil {
			s.logger.Warn("provider hangup failed",
				"call_id", call.CallID, "provider_sid", call.ProviderSID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		CallID  string `json:"callId"`
		Status  string `json:"status"`
	}{Success: true, CallID: call.CallID, Status: models.CallStatusCanceled})
}

// windowUsage pairs a window's spent count with its limit.
type windowUsage struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

type callTotals struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Recorded  int `json:"recorded"`
}

type usageTotals struct {
	Hour  windowUsage `json:"hour"`
	Day   windowUsage `json:"day"`
	Month windowUsage `json:"month"`
}

type statsResponse struct {
	Calls callTotals  `json:"calls"`
	Usage usageTotals `json:"usage"`
}

// handleStats aggregates call outcomes and current window usage.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := middleware.Identity(r.Context())

	stats, err := s.registry.StatsByCredential(r.Context(), id.CredentialID)
	if err != nil {
		s.logger.Error("call stats failed", "key_id", id.KeyID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "call store unavailable")
		return
	}
	usage, err := s.creds.Usage(r.Context(), id.CredentialID)
	if err != nil {
		s.logger.Error("usage snapshot failed", "key_id", id.KeyID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "credential store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Calls: callTotals{
			Total:     stats.Total,
			Completed: stats.Completed,
			Failed:    stats.Failed,
			Recorded:  stats.Recorded,
		},
		Usage: usageTotals{
			Hour:  windowUsage{Used: usage.HourCount, Limit: id.Limits.PerHour},
			Day:   windowUsage{Used: usage.DayCount, Limit: id.Limits.PerDay},
			Month: windowUsage{Used: usage.MonthCount, Limit: id.Limits.PerMonth},
		},
	})
}
