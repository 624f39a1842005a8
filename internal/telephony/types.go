package telephony

import (
	"errors"
	"fmt"
	"time"

	"github.com/memoora/storycall/internal/database/models"
)

// ErrNotReady indicates the provider has not finished preparing the
// requested media yet; the caller may retry after a backoff.
var ErrNotReady = errors.New("media not ready")

// ProviderError is a rejection returned by the provider API itself, as
// opposed to a transport failure. Code is the provider's numeric error
// code when one was supplied.
type ProviderError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider rejected request (code %d, http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// invalidFromCodes is the enumerated set of provider error codes meaning
// the From identity was rejected. An alpha-label placement that fails with
// one of these is retried once with the fallback number.
var invalidFromCodes = map[int]bool{
	21210: true, // source number not verified
	21211: true, // invalid From parameter
	21212: true, // invalid calling number
	21217: true, // number not reachable from this From
}

// isInvalidFrom reports whether a provider rejection is in the
// invalid-caller-identity class.
func isInvalidFrom(e *ProviderError) bool {
	return invalidFromCodes[e.Code]
}

// CallerIdentity is the identity presented to the callee. When Label is
// set it is tried first; Fallback must always carry an owned E.164 number.
type CallerIdentity struct {
	Label    string // optional alphanumeric label, max 11 chars
	Fallback string // owned E.164 number, required
}

// First returns the identity to attempt first.
func (c CallerIdentity) First() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Fallback
}

// PlacementRequest carries everything needed to place one outbound call.
type PlacementRequest struct {
	Callee           string // E.164
	Caller           CallerIdentity
	PromptWebhookURL string
	StatusWebhookURL string
	MachineDetection bool
	TimeoutSeconds   int // ring timeout; 0 uses the provider default
}

// Placement is the successful result of PlaceCall.
type Placement struct {
	ProviderSID    string
	InitialStatus  string // normalized to the registry's status set
	CallerUsed     string // the From value the provider accepted
	FallbackUsed   bool
	FallbackReason string // provider rejection that triggered the fallback
}

// CallStatus is the provider's view of a call, normalized.
type CallStatus struct {
	Status      string
	DurationSec *int
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// normalizeStatus maps provider status strings onto the registry's set.
func normalizeStatus(s string) string {
	switch s {
	case "queued", "initiated":
		return models.CallStatusInitiated
	case "ringing":
		return models.CallStatusRinging
	case "in-progress", "answered":
		return models.CallStatusAnswered
	case "completed":
		return models.CallStatusCompleted
	case "busy":
		return models.CallStatusBusy
	case "no-answer":
		return models.CallStatusNoAnswer
	case "canceled":
		return models.CallStatusCanceled
	default:
		return models.CallStatusFailed
	}
}

// NormalizeStatus is the exported form used by the status webhook handler.
func NormalizeStatus(s string) string { return normalizeStatus(s) }
