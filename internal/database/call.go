package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/memoora/storycall/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callColumns = `id, call_id, provider_sid, credential_id, account_id,
	callee, caller_id, kind, status, question, metadata, initiated_at,
	answered_at, completed_at, duration_sec, recorded, recording_file,
	recording_size, notified`

// Create inserts a new call record.
func (r *callRepo) Create(ctx context.Context, call *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, provider_sid, credential_id, account_id,
		 callee, caller_id, kind, status, question, metadata, initiated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.CallID, call.ProviderSID, call.CredentialID, call.AccountID,
		call.Callee, call.CallerID, call.Kind, call.Status, call.Question,
		call.Metadata, call.InitiatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	call.ID = id
	return nil
}

// GetByCallID returns a call by internal id.
func (r *callRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_id = ?`, callID,
	))
}

// GetByProviderSID returns a call by the telephony provider's id.
func (r *callRepo) GetByProviderSID(ctx context.Context, sid string) (*models.CallRecord, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE provider_sid = ?`, sid,
	))
}

// AttachProviderSID sets the provider call id once. A second attach with a
// different SID fails with ErrConflict.
func (r *callRepo) AttachProviderSID(ctx context.Context, callID, sid string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE calls SET provider_sid = ?
		 WHERE call_id = ? AND (provider_sid = '' OR provider_sid = ?)`,
		sid, callID, sid,
	)
	if err != nil {
		return fmt.Errorf("attaching provider sid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking attach result: %w", err)
	}
	if n == 0 {
		// Either the call does not exist or a different SID is already set.
		if _, err := r.GetByCallID(ctx, callID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// UpdateStatus writes the status and any accompanying timestamps/duration.
func (r *callRepo) UpdateStatus(ctx context.Context, callID string, call *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, answered_at = ?, completed_at = ?, duration_sec = ?
		 WHERE call_id = ?`,
		call.Status, call.AnsweredAt, call.CompletedAt, call.DurationSec, callID,
	)
	if err != nil {
		return fmt.Errorf("updating call status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking status update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachRecording records the local recording artifact at most once.
func (r *callRepo) AttachRecording(ctx context.Context, callID, filename string, size int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE calls SET recorded = 1, recording_file = ?, recording_size = ?
		 WHERE call_id = ? AND recording_file = ''`,
		filename, size, callID,
	)
	if err != nil {
		return fmt.Errorf("attaching recording: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking recording attach result: %w", err)
	}
	if n == 0 {
		if _, err := r.GetByCallID(ctx, callID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// SetCallerID records the caller identity actually presented after placement.
func (r *callRepo) SetCallerID(ctx context.Context, callID, callerID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE calls SET caller_id = ? WHERE call_id = ?`, callerID, callID,
	); err != nil {
		return fmt.Errorf("setting caller id: %w", err)
	}
	return nil
}

// SetMetadata replaces the metadata JSON document.
func (r *callRepo) SetMetadata(ctx context.Context, callID, metadata string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE calls SET metadata = ? WHERE call_id = ?`, metadata, callID,
	); err != nil {
		return fmt.Errorf("setting call metadata: %w", err)
	}
	return nil
}

// SetNotified marks the upstream notification as delivered.
func (r *callRepo) SetNotified(ctx context.Context, callID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE calls SET notified = 1 WHERE call_id = ?`, callID,
	); err != nil {
		return fmt.Errorf("setting notified: %w", err)
	}
	return nil
}

// ListByCredential returns calls owned by a credential, newest first, along
// with the total count.
func (r *callRepo) ListByCredential(ctx context.Context, credentialID int64, f CallListFilter) ([]models.CallRecord, int, error) {
	return r.list(ctx, credentialID, f, false)
}

// ListRecordedByCredential returns only calls with an attached recording.
func (r *callRepo) ListRecordedByCredential(ctx context.Context, credentialID int64, f CallListFilter) ([]models.CallRecord, int, error) {
	return r.list(ctx, credentialID, f, true)
}

func (r *callRepo) list(ctx context.Context, credentialID int64, f CallListFilter, recordedOnly bool) ([]models.CallRecord, int, error) {
	where := "credential_id = ?"
	args := []any{credentialID}

	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		where += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if recordedOnly {
		where += " AND recorded = 1"
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + callColumns + ` FROM calls WHERE ` + where +
		` ORDER BY initiated_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []models.CallRecord
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating calls: %w", err)
	}
	return calls, total, nil
}

// GetByRecordingFile returns the credential's call owning a recording file.
func (r *callRepo) GetByRecordingFile(ctx context.Context, credentialID int64, filename string) (*models.CallRecord, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE credential_id = ? AND recording_file = ?`, credentialID, filename,
	))
}

// StatsByCredential aggregates call outcomes for a credential.
func (r *callRepo) StatsByCredential(ctx context.Context, credentialID int64) (CallStats, error) {
	var s CallStats
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status IN ('busy', 'no-answer', 'failed', 'canceled') THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(recorded), 0)
		 FROM calls WHERE credential_id = ?`, credentialID,
	).Scan(&s.Total, &s.Completed, &s.Failed, &s.Recorded)
	if err != nil {
		return CallStats{}, fmt.Errorf("querying call stats: %w", err)
	}
	return s, nil
}

// CountByStatus aggregates calls across all credentials, for metrics.
func (r *callRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}
	return counts, nil
}

// CountRecorded returns the number of calls with a stored recording.
func (r *callRepo) CountRecorded(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE recorded = 1`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting recorded calls: %w", err)
	}
	return n, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *callRepo) scanOne(row *sql.Row) (*models.CallRecord, error) {
	c, err := r.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *callRepo) scanRow(s scanner) (*models.CallRecord, error) {
	var c models.CallRecord
	var answered, completed sql.NullTime
	var duration sql.NullInt64
	var recSize sql.NullInt64

	err := s.Scan(
		&c.ID, &c.CallID, &c.ProviderSID, &c.CredentialID, &c.AccountID,
		&c.Callee, &c.CallerID, &c.Kind, &c.Status, &c.Question, &c.Metadata,
		&c.InitiatedAt, &answered, &completed, &duration, &c.Recorded,
		&c.RecordingFile, &recSize, &c.Notified,
	)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	if answered.Valid {
		c.AnsweredAt = &answered.Time
	}
	if completed.Valid {
		c.CompletedAt = &completed.Time
	}
	if duration.Valid {
		d := int(duration.Int64)
		c.DurationSec = &d
	}
	if recSize.Valid {
		c.RecordingSize = &recSize.Int64
	}
	return &c, nil
}
