package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/memoora/storycall/internal/database/models"
)

// credentialRepo implements CredentialRepository.
type credentialRepo struct {
	db *DB
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(db *DB) CredentialRepository {
	return &credentialRepo{db: db}
}

// Create inserts a credential along with its zeroed usage counters.
func (r *credentialRepo) Create(ctx context.Context, cred *models.Credential) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (key_id, key_digest, key_prefix, account_id,
		 client_name, email, website, phone_number, description, permissions,
		 active, created_at, limit_per_hour, limit_per_day, limit_per_month)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.KeyID, cred.KeyDigest, cred.KeyPrefix, cred.AccountID,
		cred.ClientName, cred.Email, cred.Website, cred.PhoneNumber,
		cred.Description, cred.Permissions, cred.Active, cred.CreatedAt,
		cred.LimitPerHour, cred.LimitPerDay, cred.LimitPerMonth,
	)
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cred.ID = id

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_counters (credential_id) VALUES (?)`, id,
	); err != nil {
		return fmt.Errorf("inserting usage counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing credential: %w", err)
	}
	return nil
}

const credentialColumns = `id, key_id, key_digest, key_prefix, account_id,
	client_name, email, website, phone_number, description, permissions,
	active, created_at, last_seen_at, limit_per_hour, limit_per_day,
	limit_per_month`

// GetByDigest returns the credential whose key digest matches.
func (r *credentialRepo) GetByDigest(ctx context.Context, digest string) (*models.Credential, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE key_digest = ?`, digest,
	))
}

// GetByKeyID returns the credential with the given public key id.
func (r *credentialRepo) GetByKeyID(ctx context.Context, keyID string) (*models.Credential, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE key_id = ?`, keyID,
	))
}

// UpdateLastSeen records the last successful validation instant.
func (r *credentialRepo) UpdateLastSeen(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET last_seen_at = ? WHERE id = ?`, at, id,
	); err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return nil
}

// Revoke deactivates a credential. Idempotent: revoking an inactive
// credential succeeds without change.
func (r *credentialRepo) Revoke(ctx context.Context, keyID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET active = 0 WHERE key_id = ?`, keyID,
	)
	if err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking revoke result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Usage returns the counters as they stand after rollover against the given
// windows, without modifying the stored row.
func (r *credentialRepo) Usage(ctx context.Context, credentialID int64, w UsageWindows) (UsageSnapshot, error) {
	var c models.UsageCounters
	err := r.db.QueryRowContext(ctx,
		`SELECT hour_window, hour_count, day_window, day_count, month_window, month_count
		 FROM usage_counters WHERE credential_id = ?`, credentialID,
	).Scan(&c.HourWindow, &c.HourCount, &c.DayWindow, &c.DayCount, &c.MonthWindow, &c.MonthCount)
	if err == sql.ErrNoRows {
		return UsageSnapshot{}, ErrNotFound
	}
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("querying usage counters: %w", err)
	}

	snap := UsageSnapshot{HourCount: c.HourCount, DayCount: c.DayCount, MonthCount: c.MonthCount}
	if c.HourWindow != w.Hour {
		snap.HourCount = 0
	}
	if c.DayWindow != w.Day {
		snap.DayCount = 0
	}
	if c.MonthWindow != w.Month {
		snap.MonthCount = 0
	}
	return snap, nil
}

// IncrementUsage rolls the three counters over to the given windows,
// compares against the credential's limits, and increments. The whole
// read-modify-write runs in one transaction so concurrent increments for
// the same credential serialize.
func (r *credentialRepo) IncrementUsage(ctx context.Context, cred *models.Credential, w UsageWindows) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	var c models.UsageCounters
	err = tx.QueryRowContext(ctx,
		`SELECT hour_window, hour_count, day_window, day_count, month_window, month_count
		 FROM usage_counters WHERE credential_id = ?`, cred.ID,
	).Scan(&c.HourWindow, &c.HourCount, &c.DayWindow, &c.DayCount, &c.MonthWindow, &c.MonthCount)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying usage counters: %w", err)
	}

	// Roll each counter over before comparing against its limit.
	if c.HourWindow != w.Hour {
		c.HourWindow, c.HourCount = w.Hour, 0
	}
	if c.DayWindow != w.Day {
		c.DayWindow, c.DayCount = w.Day, 0
	}
	if c.MonthWindow != w.Month {
		c.MonthWindow, c.MonthCount = w.Month, 0
	}

	switch {
	case c.HourCount >= cred.LimitPerHour:
		return "hour", tx.Commit()
	case c.DayCount >= cred.LimitPerDay:
		return "day", tx.Commit()
	case c.MonthCount >= cred.LimitPerMonth:
		return "month", tx.Commit()
	}

	c.HourCount++
	c.DayCount++
	c.MonthCount++

	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_counters SET hour_window = ?, hour_count = ?,
		 day_window = ?, day_count = ?, month_window = ?, month_count = ?
		 WHERE credential_id = ?`,
		c.HourWindow, c.HourCount, c.DayWindow, c.DayCount,
		c.MonthWindow, c.MonthCount, cred.ID,
	); err != nil {
		return "", fmt.Errorf("updating usage counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing usage increment: %w", err)
	}
	return "", nil
}

// scanOne scans a single credential row.
func (r *credentialRepo) scanOne(row *sql.Row) (*models.Credential, error) {
	var c models.Credential
	var lastSeen sql.NullTime
	err := row.Scan(
		&c.ID, &c.KeyID, &c.KeyDigest, &c.KeyPrefix, &c.AccountID,
		&c.ClientName, &c.Email, &c.Website, &c.PhoneNumber, &c.Description,
		&c.Permissions, &c.Active, &c.CreatedAt, &lastSeen,
		&c.LimitPerHour, &c.LimitPerDay, &c.LimitPerMonth,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	if lastSeen.Valid {
		c.LastSeenAt = &lastSeen.Time
	}
	return &c, nil
}
