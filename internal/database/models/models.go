// Package models defines the database entities shared by the repositories.
package models

import "time"

// Credential is an issued API key. The plaintext key value is never stored;
// only its SHA-256 digest is kept for lookup.
type Credential struct {
	ID          int64
	KeyID       string // stable public identifier, e.g. "key_5f3a..."
	KeyDigest   string // hex SHA-256 of the plaintext key
	KeyPrefix   string // first 8 characters of the plaintext key, for support logs
	AccountID   string
	ClientName  string
	Email       string
	Website     string
	PhoneNumber string
	Description string
	Permissions string // comma-separated permission tags
	Active      bool
	CreatedAt   time.Time
	LastSeenAt  *time.Time

	// Per-window rate limits.
	LimitPerHour  int
	LimitPerDay   int
	LimitPerMonth int
}

// UsageCounters tracks per-credential usage in three calendar windows.
// Each counter remembers the window identifier it was last reset in; a
// mismatch on increment zeroes the counter before counting.
type UsageCounters struct {
	CredentialID int64
	HourWindow   string // "2026-08-24T15" in the configured zone
	HourCount    int
	DayWindow    string // "2026-08-24"
	DayCount     int
	MonthWindow  string // "2026-08"
	MonthCount   int
}

// Call statuses. Transitions are enforced by the registry, not here.
const (
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusAnswered   = "answered"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusNoAnswer   = "no-answer"
	CallStatusFailed     = "failed"
	CallStatusCanceled   = "canceled"
)

// Call kinds.
const (
	CallKindBasic       = "basic"
	CallKindInteractive = "interactive"
)

// CallRecord is the canonical record of one outbound call.
type CallRecord struct {
	ID           int64
	CallID       string // internal id, "call_<uuid>"
	ProviderSID  string // telephony provider's call id, set after placement
	CredentialID int64
	AccountID    string
	Callee       string // E.164
	CallerID     string // number or alpha label actually presented
	Kind         string // basic | interactive
	Status       string
	Question     string // user-supplied question or custom message
	Metadata     string // JSON object with correlation ids and placement notes

	InitiatedAt time.Time
	AnsweredAt  *time.Time
	CompletedAt *time.Time
	DurationSec *int

	Recorded      bool
	RecordingFile string // local filename once fetched
	RecordingSize *int64
	Notified      bool
}

// HasTerminalStatus reports whether the call reached a terminal state.
func (c *CallRecord) HasTerminalStatus() bool {
	switch c.Status {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer,
		CallStatusFailed, CallStatusCanceled:
		return true
	}
	return false
}
