package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memoora/storycall/internal/database/models"
)

func newTestCredential(keyID, digest string) *models.Credential {
	return &models.Credential{
		KeyID:         keyID,
		KeyDigest:     digest,
		KeyPrefix:     "sk_live_",
		AccountID:     "acct_1",
		ClientName:    "Test Client",
		Email:         "test@example.com",
		Permissions:   "call,recordings,read",
		Active:        true,
		CreatedAt:     time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		LimitPerHour:  3,
		LimitPerDay:   5,
		LimitPerMonth: 10,
	}
}

func TestCredentialCreateAndLookup(t *testing.T) {
	db := testDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred := newTestCredential("key_abc", "digest-1")
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cred.ID == 0 {
		t.Fatal("expected credential ID to be set after Create")
	}

	byDigest, err := repo.GetByDigest(ctx, "digest-1")
	if err != nil {
		t.Fatalf("GetByDigest: %v", err)
	}
	if byDigest.KeyID != "key_abc" {
		t.Errorf("GetByDigest KeyID = %q, want key_abc", byDigest.KeyID)
	}

	byKeyID, err := repo.GetByKeyID(ctx, "key_abc")
	if err != nil {
		t.Fatalf("GetByKeyID: %v", err)
	}
	if byKeyID.ID != byDigest.ID {
		t.Error("GetByKeyID and GetByDigest returned different rows")
	}

	if _, err := repo.GetByDigest(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByDigest(unknown) = %v, want ErrNotFound", err)
	}
}

func TestCredentialDigestUnique(t *testing.T) {
	db := testDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestCredential("key_1", "dup")); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := repo.Create(ctx, newTestCredential("key_2", "dup")); err == nil {
		t.Fatal("expected unique constraint violation for duplicate digest")
	}
}

func TestCredentialRevokeIdempotent(t *testing.T) {
	db := testDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred := newTestCredential("key_rev", "digest-rev")
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := repo.Revoke(ctx, "key_rev"); err != nil {
			t.Fatalf("Revoke attempt %d: %v", i+1, err)
		}
	}

	got, err := repo.GetByKeyID(ctx, "key_rev")
	if err != nil {
		t.Fatalf("GetByKeyID: %v", err)
	}
	if got.Active {
		t.Error("credential still active after revoke")
	}

	if err := repo.Revoke(ctx, "key_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(unknown) = %v, want ErrNotFound", err)
	}
}

func TestIncrementUsageEnforcesLimit(t *testing.T) {
	db := testDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred := newTestCredential("key_u", "digest-u")
	cred.LimitPerHour = 2
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := UsageWindows{Hour: "2026-08-24T10", Day: "2026-08-24", Month: "2026-08"}

	// Exactly LimitPerHour increments succeed.
	for i := 0; i < 2; i++ {
		exhausted, err := repo.IncrementUsage(ctx, cred, w)
		if err != nil {
			t.Fatalf("IncrementUsage %d: %v", i+1, err)
		}
		if exhausted != "" {
			t.Fatalf("IncrementUsage %d exhausted %q, want none", i+1, exhausted)
		}
	}

	// The next increment reports the hour window and does not count.
	exhausted, err := repo.IncrementUsage(ctx, cred, w)
	if err != nil {
		t.Fatalf("IncrementUsage over limit: %v", err)
	}
	if exhausted != "hour" {
		t.Fatalf("exhausted = %q, want hour", exhausted)
	}

	snap, err := repo.Usage(ctx, cred.ID, w)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if snap.HourCount != 2 {
		t.Errorf("HourCount = %d, want 2 (counter must cap at the limit)", snap.HourCount)
	}
}

func TestIncrementUsageWindowRollover(t *testing.T) {
	db := testDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred := newTestCredential("key_w", "digest-w")
	cred.LimitPerHour = 1
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := UsageWindows{Hour: "2026-08-24T10", Day: "2026-08-24", Month: "2026-08"}
	if exhausted, err := repo.IncrementUsage(ctx, cred, w); err != nil || exhausted != "" {
		t.Fatalf("first increment: exhausted=%q err=%v", exhausted, err)
	}
	if exhausted, _ := repo.IncrementUsage(ctx, cred, w); exhausted != "hour" {
		t.Fatalf("second increment in same hour: exhausted=%q, want hour", exhausted)
	}

	// Next hour: the hour counter resets, the day counter keeps counting.
	w2 := UsageWindows{Hour: "2026-08-24T11", Day: "2026-08-24", Month: "2026-08"}
	exhausted, err := repo.IncrementUsage(ctx, cred, w2)
	if err != nil {
		t.Fatalf("increment after rollover: %v", err)
	}
	if exhausted != "" {
		t.Fatalf("increment after rollover exhausted %q, want none", exhausted)
	}

	snap, err := repo.Usage(ctx, cred.ID, w2)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if snap.HourCount != 1 {
		t.Errorf("HourCount after rollover = %d, want 1", snap.HourCount)
	}
	if snap.DayCount != 2 {
		t.Errorf("DayCount = %d, want 2", snap.DayCount)
	}
}
