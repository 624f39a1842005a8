package database

import (
	"context"
	"errors"
	"time"

	"github.com/memoora/storycall/internal/database/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would violate a write-once rule,
// such as attaching a second recording to a call.
var ErrConflict = errors.New("conflict")

// UsageWindows carries the current window identifiers computed by the
// caller from its clock. A counter whose stored window differs is reset
// before it is compared or incremented.
type UsageWindows struct {
	Hour  string // e.g. "2026-08-24T15"
	Day   string // e.g. "2026-08-24"
	Month string // e.g. "2026-08"
}

// UsageSnapshot is the post-rollover counter state.
type UsageSnapshot struct {
	HourCount  int
	DayCount   int
	MonthCount int
}

// CredentialRepository manages API credentials and their usage counters.
type CredentialRepository interface {
	Create(ctx context.Context, cred *models.Credential) error
	GetByDigest(ctx context.Context, digest string) (*models.Credential, error)
	GetByKeyID(ctx context.Context, keyID string) (*models.Credential, error)
	UpdateLastSeen(ctx context.Context, id int64, at time.Time) error

	// Revoke sets active = false. Idempotent; revoking an already revoked
	// credential succeeds.
	Revoke(ctx context.Context, keyID string) error

	// Usage returns the counters after applying window rollover against the
	// given windows. The stored row is not modified.
	Usage(ctx context.Context, credentialID int64, w UsageWindows) (UsageSnapshot, error)

	// IncrementUsage atomically rolls each counter over to the given windows
	// and increments all three. Limits are compared after rollover and
	// before the increment: if any post-rollover counter has reached its
	// limit the increment does not happen and the exhausted window name
	// ("hour", "day" or "month") is returned.
	IncrementUsage(ctx context.Context, cred *models.Credential, w UsageWindows) (exhausted string, err error)
}

// CallListFilter narrows ListByCredential results.
type CallListFilter struct {
	Status string
	Kind   string
	Limit  int
	Offset int
}

// CallStats is the aggregate returned for the stats endpoint.
type CallStats struct {
	Total     int
	Completed int
	Failed    int
	Recorded  int
}

// CallRepository manages call records.
type CallRepository interface {
	Create(ctx context.Context, call *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	GetByProviderSID(ctx context.Context, sid string) (*models.CallRecord, error)

	// AttachProviderSID sets the provider's call id. It fails with
	// ErrConflict if a different SID is already attached.
	AttachProviderSID(ctx context.Context, callID, sid string) error

	// UpdateStatus persists a status change along with any timestamps and
	// duration that accompany it. Transition legality is the registry's
	// concern; the repository writes what it is told.
	UpdateStatus(ctx context.Context, callID string, call *models.CallRecord) error

	// AttachRecording records the local recording artifact. At most one
	// recording may ever be attached; a second attempt fails with ErrConflict.
	AttachRecording(ctx context.Context, callID, filename string, size int64) error

	SetCallerID(ctx context.Context, callID, callerID string) error
	SetMetadata(ctx context.Context, callID, metadata string) error
	SetNotified(ctx context.Context, callID string) error

	ListByCredential(ctx context.Context, credentialID int64, f CallListFilter) ([]models.CallRecord, int, error)
	StatsByCredential(ctx context.Context, credentialID int64) (CallStats, error)
	ListRecordedByCredential(ctx context.Context, credentialID int64, f CallListFilter) ([]models.CallRecord, int, error)

	// GetByRecordingFile returns the credential's call that owns the given
	// recording artifact, used for download ownership checks.
	GetByRecordingFile(ctx context.Context, credentialID int64, filename string) (*models.CallRecord, error)

	// CountByStatus aggregates calls across all credentials, for metrics.
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// CountRecorded returns the number of calls with a stored recording.
	CountRecorded(ctx context.Context) (int64, error)
}
