package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/database"
	"github.com/memoora/storycall/internal/database/models"
)

func testRegistry(t *testing.T, fc *clock.Fake) (*Registry, int64) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	creds := database.NewCredentialRepository(db)
	cred := &models.Credential{
		KeyID: "key_reg", KeyDigest: "digest-reg", KeyPrefix: "sk_story",
		AccountID: "acct_reg", ClientName: "c", Email: "c@example.com",
		Active: true, CreatedAt: fc.Now(),
		LimitPerHour: 10, LimitPerDay: 50, LimitPerMonth: 1000,
	}
	if err := creds.Create(context.Background(), cred); err != nil {
		t.Fatalf("seeding credential: %v", err)
	}

	return New(database.NewCallRepository(db), fc, slog.Default()), cred.ID
}

func createCall(t *testing.T, reg *Registry, credID int64) *models.CallRecord {
	t.Helper()
	call, err := reg.Create(context.Background(), CreateParams{
		CredentialID: credID,
		AccountID:    "acct_reg",
		Callee:       "+13128484329",
		CallerID:     "+17085547471",
		Kind:         models.CallKindInteractive,
		Question:     "Tell me about your childhood.",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return call
}

func TestHappyPathTransitions(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	reg, credID := testRegistry(t, fc)
	ctx := context.Background()

	call := createCall(t, reg, credID)
	if err := reg.AttachProviderSID(ctx, call.CallID, "CA_happy"); err != nil {
		t.Fatalf("AttachProviderSID: %v", err)
	}

	steps := []string{
		models.CallStatusRinging,
		models.CallStatusAnswered,
	}
	for _, status := range steps {
		fc.Advance(2 * time.Second)
		if err := reg.UpdateStatus(ctx, "CA_happy", StatusUpdate{Status: status, At: fc.Now()}); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", status, err)
		}
	}

	// First prompt handler hit.
	if err := reg.MarkInProgress(ctx, "CA_happy"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}

	dur := 42
	fc.Advance(42 * time.Second)
	if err := reg.UpdateStatus(ctx, "CA_happy", StatusUpdate{
		Status: models.CallStatusCompleted, DurationSec: &dur, At: fc.Now(),
	}); err != nil {
		t.Fatalf("UpdateStatus(completed): %v", err)
	}

	got, err := reg.GetByProviderSID(ctx, "CA_happy")
	if err != nil {
		t.Fatalf("GetByProviderSID: %v", err)
	}
	if got.Status != models.CallStatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.AnsweredAt == nil || got.CompletedAt == nil {
		t.Error("expected answered and completed timestamps to be set")
	}
	if got.DurationSec == nil || *got.DurationSec != 42 {
		t.Errorf("DurationSec = %v, want 42", got.DurationSec)
	}

	// Correlation: both lookups return the same record.
	byID, err := reg.GetByCallID(ctx, call.CallID)
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if byID.ID != got.ID {
		t.Error("provider-sid and internal-id lookups disagree")
	}
}

func TestIllegalProviderTransitionDropped(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	reg, credID := testRegistry(t, fc)
	ctx := context.Background()

	call := createCall(t, reg, credID)
	if err := reg.AttachProviderSID(ctx, call.CallID, "CA_ill"); err != nil {
		t.Fatalf("AttachProviderSID: %v", err)
	}
	if err := reg.UpdateStatus(ctx, "CA_ill", StatusUpdate{Status: models.CallStatusBusy}); err != nil {
		t.Fatalf("UpdateStatus(busy): %v", err)
	}

	// busy is terminal: a late ringing callback must be swallowed, not applied.
	if err := reg.UpdateStatus(ctx, "CA_ill", StatusUpdate{Status: models.CallStatusRinging}); err != nil {
		t.Fatalf("late UpdateStatus returned error: %v", err)
	}

	got, _ := reg.GetByProviderSID(ctx, "CA_ill")
	if got.Status != models.CallStatusBusy {
		t.Errorf("Status = %q, late callback must not mutate terminal state", got.Status)
	}
}

func TestAnsweredWithoutRingingCallback(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	reg, credID := testRegistry(t, fc)
	ctx := context.Background()

	call := createCall(t, reg, credID)
	if err := reg.AttachProviderSID(ctx, call.CallID, "CA_skip"); err != nil {
		t.Fatalf("AttachProviderSID: %v", err)
	}

	// Some providers never send the ringing callback; answered must still
	// land, routed through ringing implicitly.
	if err := reg.UpdateStatus(ctx, "CA_skip", StatusUpdate{Status: models.CallStatusAnswered, At: fc.Now()}); err != nil {
		t.Fatalf("UpdateStatus(answered): %v", err)
	}

	got, err := reg.GetByProviderSID(ctx, "CA_skip")
	if err != nil {
		t.Fatalf("GetByProviderSID: %v", err)
	}
	if got.Status != models.CallStatusAnswered {
		t.Errorf("Status = %q, want answered", got.Status)
	}
	if got.AnsweredAt == nil {
		t.Error("AnsweredAt not set")
	}
}

func TestCancel(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	reg, credID := testRegistry(t, fc)
	ctx := context.Background()

	call := createCall(t, reg, credID)
	if err := reg.Cancel(ctx, call.CallID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := reg.GetByCallID(ctx, call.CallID)
	if got.Status != models.CallStatusCanceled {
		t.Errorf("Status = %q, want canceled", got.Status)
	}

	// Canceling a terminal call is rejected to the client.
	if err := reg.Cancel(ctx, call.CallID); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("second Cancel = %v, want ErrIllegalTransition", err)
	}
}

func TestEarlyCallbackBuffered(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	reg, credID := testRegistry(t, fc)
	ctx := context.Background()

	call := createCall(t, reg, credID)

	// Callback arrives before AttachProviderSID (placement write race).
	if err := reg.UpdateStatus(ctx, "CA_early", StatusUpdate{Status: models.CallStatusRinging}); err != nil {
		t.Fatalf("early UpdateStatus: %v", err)
	}

	if err := reg.AttachProviderSID(ctx, call.CallID, "CA_early"); err != nil {
		t.Fatalf("AttachProviderSID: %v", err)
	}

	got, err := reg.GetByProviderSID(ctx, "CA_early")
	if err != nil {
		t.Fatalf("GetByProviderSID: %v", err)
	}
	if got.Status != models.CallStatusRinging {
		t.Errorf("Status = %q, want ringing applied from buffer", got.Status)
	}
}

func TestBufferedCallbackExpires(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	reg, credID := testRegistry(t, fc)
	ctx := context.Background()

	call := createCall(t, reg, credID)

	if err := reg.UpdateStatus(ctx, "CA_late", StatusUpdate{Status: models.CallStatusRinging}); err != nil {
		t.Fatalf("early UpdateStatus: %v", err)
	}

	// The TTL passes before the record is correlated.
	fc.Advance(pendingTTL + time.Second)
	reg.sweep()

	if err := reg.AttachProviderSID(ctx, call.CallID, "CA_late"); err != nil {
		t.Fatalf("AttachProviderSID: %v", err)
	}

	got, _ := reg.GetByProviderSID(ctx, "CA_late")
	if got.Status != models.CallStatusInitiated {
		t.Errorf("Status = %q, expired buffered callback must not apply", got.Status)
	}
}

func TestStatusSameIsNoop(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	reg, credID := testRegistry(t, fc)
	ctx := context.Background()

	call := createCall(t, reg, credID)
	if err := reg.AttachProviderSID(ctx, call.CallID, "CA_dup"); err != nil {
		t.Fatalf("AttachProviderSID: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := reg.UpdateStatus(ctx, "CA_dup", StatusUpdate{Status: models.CallStatusRinging}); err != nil {
			t.Fatalf("UpdateStatus %d: %v", i+1, err)
		}
	}
	got, _ := reg.GetByProviderSID(ctx, "CA_dup")
	if got.Status != models.CallStatusRinging {
		t.Errorf("Status = %q, want ringing", got.Status)
	}
}
