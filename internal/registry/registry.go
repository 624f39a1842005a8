// Package registry is the source of truth for every outbound call. It
// enforces the call status state machine and correlates asynchronous
// provider callbacks with the originating request.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/database"
	"github.com/memoora/storycall/internal/database/models"
)

// ErrIllegalTransition is returned for client-originated transitions the
// state machine forbids. Provider-originated ones are logged and dropped
// instead.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrNotFound mirrors the repository sentinel for callers that only import
// the registry.
var ErrNotFound = database.ErrNotFound

// pendingTTL bounds how long a provider callback that arrived before its
// call record may wait for correlation.
const pendingTTL = 30 * time.Second

// transitions is the allowed status graph. The recorded flag is orthogonal
// and handled separately.
var transitions = map[string][]string{
	models.CallStatusInitiated: {
		models.CallStatusRinging, models.CallStatusBusy,
		models.CallStatusNoAnswer, models.CallStatusFailed,
		models.CallStatusCanceled,
	},
	models.CallStatusRinging: {
		models.CallStatusAnswered, models.CallStatusBusy,
		models.CallStatusNoAnswer, models.CallStatusFailed,
		models.CallStatusCanceled,
	},
	models.CallStatusAnswered: {
		models.CallStatusInProgress, models.CallStatusCompleted,
		models.CallStatusFailed, models.CallStatusCanceled,
	},
	models.CallStatusInProgress: {
		models.CallStatusCompleted, models.CallStatusFailed,
		models.CallStatusCanceled,
	},
}

// allowed reports whether from → to is a legal transition.
func allowed(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusUpdate carries a provider status callback.
type StatusUpdate struct {
	Status      string
	DurationSec *int
	At          time.Time
}

// CreateParams are the caller-supplied fields for a new call record.
type CreateParams struct {
	CredentialID int64
	AccountID    string
	Callee       string
	CallerID     string
	Kind         string
	Question     string
	Metadata     map[string]any
}

// pendingUpdate is a status callback buffered until its call record gains a
// provider SID.
type pendingUpdate struct {
	update   StatusUpdate
	deadline time.Time
}

// Registry owns call records.
type Registry struct {
	calls  database.CallRepository
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]pendingUpdate // provider SID -> buffered callbacks
}

// New creates a call registry.
func New(calls database.CallRepository, clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		calls:   calls,
		clk:     clk,
		logger:  logger.With("subsystem", "registry"),
		pending: make(map[string][]pendingUpdate),
	}
}

// Create inserts a new call record in the initiated state and returns it.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*models.CallRecord, error) {
	meta := "{}"
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding call metadata: %w", err)
		}
		meta = string(b)
	}

	call := &models.CallRecord{
		CallID:       "call_" + uuid.NewString(),
		CredentialID: p.CredentialID,
		AccountID:    p.AccountID,
		Callee:       p.Callee,
		CallerID:     p.CallerID,
		Kind:         p.Kind,
		Status:       models.CallStatusInitiated,
		Question:     p.Question,
		Metadata:     meta,
		InitiatedAt:  r.clk.Now(),
	}
	if err := r.calls.Create(ctx, call); err != nil {
		return nil, err
	}
	return call, nil
}

// AttachProviderSID binds the provider's call id to the record and applies
// any callbacks that raced ahead of the placement write.
func (r *Registry) AttachProviderSID(ctx context.Context, callID, sid string) error {
	if err := r.calls.AttachProviderSID(ctx, callID, sid); err != nil {
		return err
	}

	r.mu.Lock()
	buffered := r.pending[sid]
	delete(r.pending, sid)
	r.mu.Unlock()

	now := r.clk.Now()
	for _, p := range buffered {
		if now.After(p.deadline) {
			r.logger.Warn("dropping expired buffered callback",
				"provider_sid", sid, "status", p.update.Status)
			continue
		}
		if err := r.UpdateStatus(ctx, sid, p.update); err != nil {
			r.logger.Warn("applying buffered callback failed",
				"provider_sid", sid, "status", p.update.Status, "error", err)
		}
	}
	return nil
}

// UpdateStatus applies a provider status callback. Unknown provider SIDs
// are buffered for a short TTL in case the callback beat the placement
// write. Illegal transitions are logged and dropped, never surfaced to the
// provider.
func (r *Registry) UpdateStatus(ctx context.Context, providerSID string, u StatusUpdate) error {
	call, err := r.calls.GetByProviderSID(ctx, providerSID)
	if errors.Is(err, database.ErrNotFound) {
		r.buffer(providerSID, u)
		return nil
	}
	if err != nil {
		return err
	}
	return r.apply(ctx, call, u, false)
}

// MarkInProgress transitions an answered call on the first prompt handler
// hit. Safe to call repeatedly; only the first hit transitions.
func (r *Registry) MarkInProgress(ctx context.Context, providerSID string) error {
	call, err := r.calls.GetByProviderSID(ctx, providerSID)
	if err != nil {
		return err
	}
	switch call.Status {
	case models.CallStatusInProgress:
		return nil
	case models.CallStatusInitiated, models.CallStatusRinging:
		// The prompt fetch proves the call was answered even when the
		// answered callback has not landed yet.
		if err := r.apply(ctx, call, StatusUpdate{Status: models.CallStatusAnswered, At: r.clk.Now()}, false); err != nil {
			return err
		}
	}
	return r.apply(ctx, call, StatusUpdate{Status: models.CallStatusInProgress, At: r.clk.Now()}, false)
}

// Cancel moves a non-terminal call to canceled on explicit client request.
// Canceling a terminal call fails with ErrIllegalTransition.
func (r *Registry) Cancel(ctx context.Context, callID string) error {
	call, err := r.calls.GetByCallID(ctx, callID)
	if err != nil {
		return err
	}
	if call.HasTerminalStatus() {
		return ErrIllegalTransition
	}
	return r.apply(ctx, call, StatusUpdate{Status: models.CallStatusCanceled, At: r.clk.Now()}, true)
}

// MarkPlacementFailed moves a call that never reached the provider to
// failed, so rejected placements do not linger as initiated.
func (r *Registry) MarkPlacementFailed(ctx context.Context, callID string) error {
	call, err := r.calls.GetByCallID(ctx, callID)
	if err != nil {
		return err
	}
	return r.apply(ctx, call, StatusUpdate{Status: models.CallStatusFailed, At: r.clk.Now()}, true)
}

// apply validates and persists one transition. When strict is false an
// illegal transition is swallowed after logging, matching the policy for
// provider-originated updates.
func (r *Registry) apply(ctx context.Context, call *models.CallRecord, u StatusUpdate, strict bool) error {
	if call.Status == u.Status {
		return nil
	}
	// Providers may skip the ringing callback entirely. Apply it
	// implicitly so the record still follows the status graph.
	if !strict && call.Status == models.CallStatusInitiated && u.Status == models.CallStatusAnswered {
		if err := r.apply(ctx, call, StatusUpdate{Status: models.CallStatusRinging, At: u.At}, false); err != nil {
			return err
		}
	}
	if !allowed(call.Status, u.Status) {
		r.logger.Warn("illegal status transition rejected",
			"call_id", call.CallID,
			"from", call.Status,
			"to", u.Status,
		)
		if strict {
			return ErrIllegalTransition
		}
		return nil
	}

	at := u.At
	if at.IsZero() {
		at = r.clk.Now()
	}

	call.Status = u.Status
	switch u.Status {
	case models.CallStatusAnswered:
		call.AnsweredAt = &at
	case models.CallStatusInProgress:
		if call.AnsweredAt == nil {
			call.AnsweredAt = &at
		}
	case models.CallStatusCompleted, models.CallStatusBusy,
		models.CallStatusNoAnswer, models.CallStatusFailed,
		models.CallStatusCanceled:
		call.CompletedAt = &at
	}
	if u.DurationSec != nil {
		call.DurationSec = u.DurationSec
	}

	if err := r.calls.UpdateStatus(ctx, call.CallID, call); err != nil {
		return err
	}

	r.logger.Info("call status updated",
		"call_id", call.CallID,
		"provider_sid", call.ProviderSID,
		"status", u.Status,
	)
	return nil
}

// buffer stores a callback for an unknown provider SID until the TTL.
func (r *Registry) buffer(providerSID string, u StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[providerSID] = append(r.pending[providerSID], pendingUpdate{
		update:   u,
		deadline: r.clk.Now().Add(pendingTTL),
	})
	r.logger.Debug("buffered callback for unknown provider sid", "provider_sid", providerSID, "status", u.Status)
}

// StartSweeper drops buffered callbacks whose TTL expired. It returns when
// ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.clk.After(interval):
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, list := range r.pending {
		kept := list[:0]
		for _, p := range list {
			if now.Before(p.deadline) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(r.pending, sid)
			r.logger.Warn("dropped buffered callbacks after ttl", "provider_sid", sid, "count", len(list))
			continue
		}
		r.pending[sid] = kept
	}
}

// AttachRecording sets the recorded flag and artifact exactly once.
func (r *Registry) AttachRecording(ctx context.Context, callID, filename string, size int64) error {
	return r.calls.AttachRecording(ctx, callID, filename, size)
}

// SetNotified marks the upstream notification delivered.
func (r *Registry) SetNotified(ctx context.Context, callID string) error {
	return r.calls.SetNotified(ctx, callID)
}

// SetCallerID records the caller identity actually used at placement.
func (r *Registry) SetCallerID(ctx context.Context, callID, callerID string) error {
	return r.calls.SetCallerID(ctx, callID, callerID)
}

// MergeMetadata folds extra keys into the call's metadata document.
func (r *Registry) MergeMetadata(ctx context.Context, callID string, extra map[string]any) error {
	call, err := r.calls.GetByCallID(ctx, callID)
	if err != nil {
		return err
	}
	meta := map[string]any{}
	if call.Metadata != "" {
		if err := json.Unmarshal([]byte(call.Metadata), &meta); err != nil {
			meta = map[string]any{}
		}
	}
	for k, v := range extra {
		meta[k] = v
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return r.calls.SetMetadata(ctx, callID, string(b))
}

// GetByCallID returns a call by internal id.
func (r *Registry) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	return r.calls.GetByCallID(ctx, callID)
}

// GetByProviderSID returns a call by the provider's id.
func (r *Registry) GetByProviderSID(ctx context.Context, sid string) (*models.CallRecord, error) {
	return r.calls.GetByProviderSID(ctx, sid)
}

// ListByCredential lists calls owned by a credential.
func (r *Registry) ListByCredential(ctx context.Context, credentialID int64, f database.CallListFilter) ([]models.CallRecord, int, error) {
	return r.calls.ListByCredential(ctx, credentialID, f)
}

// ListRecordedByCredential lists calls with recordings.
func (r *Registry) ListRecordedByCredential(ctx context.Context, credentialID int64, f database.CallListFilter) ([]models.CallRecord, int, error) {
	return r.calls.ListRecordedByCredential(ctx, credentialID, f)
}

// GetByRecordingFile returns the credential's call owning a recording file.
func (r *Registry) GetByRecordingFile(ctx context.Context, credentialID int64, filename string) (*models.CallRecord, error) {
	return r.calls.GetByRecordingFile(ctx, credentialID, filename)
}

// StatsByCredential aggregates outcomes for the stats endpoint.
func (r *Registry) StatsByCredential(ctx context.Context, credentialID int64) (database.CallStats, error) {
	return r.calls.StatsByCredential(ctx, credentialID)
}
