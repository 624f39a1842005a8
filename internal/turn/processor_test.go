package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/memoora/storycall/internal/ai"
	aimock "github.com/memoora/storycall/internal/ai/mock"
	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/database"
	"github.com/memoora/storycall/internal/database/models"
	"github.com/memoora/storycall/internal/dialog"
	"github.com/memoora/storycall/internal/notify"
	"github.com/memoora/storycall/internal/recording"
	"github.com/memoora/storycall/internal/registry"
)

const turnFlow = `
greeting: "Hello!"
closing: "Thank you for sharing."
first: q1
questions:
  - id: q1
    prompt: "What is your name?"
    contextKey: name
    next: q2
  - id: q2
    prompt: "How was your week?"
    next: q3
  - id: q3
    prompt: "Tell me, {{name}}, about your childhood home."
    next: end
`

type fakeDownloader struct {
	payload string
	err     error
}

func (d *fakeDownloader) DownloadRecording(ctx context.Context, mediaURL string) (io.ReadCloser, int64, error) {
	if d.err != nil {
		return nil, 0, d.err
	}
	return io.NopCloser(strings.NewReader(d.payload)), int64(len(d.payload)), nil
}

type fixture struct {
	proc   *Processor
	reg    *registry.Registry
	engine *dialog.Engine
	recog  *aimock.Recognition
	reason *aimock.Reasoning
	call   *models.CallRecord
	fc     *clock.Fake
}

// runTurn advances the clock so each fetched recording gets a distinct
// filename, then runs the pipeline synchronously.
func (fx *fixture) runTurn() {
	fx.fc.Advance(time.Second)
	fx.proc.run(context.Background(), callback())
}

func newFixture(t *testing.T, kind string, publisher *notify.Publisher) *fixture {
	t.Helper()
	fc := clock.NewFake(time.Now())

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	creds := database.NewCredentialRepository(db)
	cred := &models.Credential{
		KeyID: "key_turn", KeyDigest: "digest-turn", KeyPrefix: "sk_story",
		AccountID: "acct_turn", ClientName: "c", Email: "c@example.com",
		Active: true, CreatedAt: fc.Now(),
		LimitPerHour: 10, LimitPerDay: 50, LimitPerMonth: 1000,
	}
	if err := creds.Create(context.Background(), cred); err != nil {
		t.Fatalf("seeding credential: %v", err)
	}

	reg := registry.New(database.NewCallRepository(db), fc, slog.Default())
	call, err := reg.Create(context.Background(), registry.CreateParams{
		CredentialID: cred.ID,
		AccountID:    "acct_turn",
		Callee:       "+13128484329",
		Kind:         kind,
		Question:     "Tell me a story.",
		Metadata:     map[string]any{"storytellerId": "st_1"},
	})
	if err != nil {
		t.Fatalf("creating call: %v", err)
	}
	if err := reg.AttachProviderSID(context.Background(), call.CallID, "CA_turn"); err != nil {
		t.Fatalf("attaching sid: %v", err)
	}

	flow, err := dialog.LoadFlowFromReader(strings.NewReader(turnFlow))
	if err != nil {
		t.Fatalf("loading flow: %v", err)
	}
	engine := dialog.NewEngine(flow, fc, dialog.DefaultScoringWeights(), slog.Default())
	if kind == models.CallKindInteractive {
		if _, err := engine.Begin(call.CallID); err != nil {
			t.Fatalf("Begin: %v", err)
		}
	}

	fetcher, err := recording.NewFetcher(&fakeDownloader{payload: "mp3"}, t.TempDir(), fc, slog.Default())
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	recog := &aimock.Recognition{Transcript: "My name is Ada"}
	reason := &aimock.Reasoning{}
	proc := New(reg, engine, fetcher, recog, reason, nil, publisher, 4, fc, slog.Default())

	return &fixture{proc: proc, reg: reg, engine: engine, recog: recog, reason: reason, call: call, fc: fc}
}

func callback() RecordingCallback {
	return RecordingCallback{
		ProviderSID: "CA_turn",
		MediaURL:    "https://media.example.com/RE_1",
		DurationSec: 42,
	}
}

func TestInteractiveTurnAdvances(t *testing.T) {
	fx := newFixture(t, models.CallKindInteractive, nil)
	fx.reason.Result = &ai.Analysis{
		Valid: true, ShouldProceed: true, NextQuestionID: "q3",
		Slots: map[string]string{"name": "Ada"},
	}

	fx.runTurn()

	action, ok := fx.proc.TakeNext("CA_turn")
	if !ok {
		t.Fatal("no staged action after turn")
	}
	if action.Kind != dialog.ActionContinue || action.Question.ID != "q3" {
		t.Fatalf("action = %+v, want continue with q3", action)
	}
	if !strings.Contains(action.Text, "Ada") {
		t.Errorf("prompt %q missing substituted slot", action.Text)
	}

	// A staged action pops once.
	if _, again := fx.proc.TakeNext("CA_turn"); again {
		t.Error("TakeNext returned the action twice")
	}

	call, err := fx.reg.GetByCallID(context.Background(), fx.call.CallID)
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if !call.Recorded || call.RecordingFile == "" {
		t.Error("recording not attached to call")
	}

	// The reasoning request carried the turn context.
	if len(fx.reason.Requests) != 1 {
		t.Fatalf("reasoning calls = %d, want 1", len(fx.reason.Requests))
	}
	if fx.reason.Requests[0].QuestionID != "q1" {
		t.Errorf("analysis question = %q, want q1", fx.reason.Requests[0].QuestionID)
	}
}

func TestCloseTriggersNotification(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fc := clock.NewFake(time.Now())
	publisher := notify.NewPublisher(notify.Config{UpstreamURL: srv.URL, Secret: "s"}, fc, slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publisher.Run(ctx)

	fx := newFixture(t, models.CallKindInteractive, publisher)
	fx.reason.Result = &ai.Analysis{Valid: true, ShouldProceed: true, NextQuestionID: "end"}

	fx.runTurn()

	action, ok := fx.proc.TakeNext("CA_turn")
	if !ok || action.Kind != dialog.ActionClose {
		t.Fatalf("action = %+v, want close", action)
	}

	select {
	case body := <-received:
		if !strings.Contains(string(body), "CA_turn") {
			t.Errorf("notification body %s missing provider sid", body)
		}
		if !strings.Contains(string(body), "st_1") {
			t.Errorf("notification body %s missing storyteller correlation", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no upstream notification after close")
	}
}

func TestRecognitionFailureRetriesThenCloses(t *testing.T) {
	fx := newFixture(t, models.CallKindInteractive, nil)
	fx.recog.Err = errors.New("stt down")

	// First and second failures: clarification retries.
	for i := 1; i <= maxFailures; i++ {
		fx.runTurn()
		action, ok := fx.proc.TakeNext("CA_turn")
		if !ok || action.Kind != dialog.ActionRetry {
			t.Fatalf("failure %d: action = %+v, want retry", i, action)
		}
		if action.Text != clarificationPrompt {
			t.Errorf("failure %d: text = %q", i, action.Text)
		}
	}

	// Budget spent: polite close.
	fx.runTurn()
	action, ok := fx.proc.TakeNext("CA_turn")
	if !ok || action.Kind != dialog.ActionClose {
		t.Fatalf("action = %+v, want close after repeated failures", action)
	}
}

func TestReasoningFailureFallsBackToStaticNext(t *testing.T) {
	fx := newFixture(t, models.CallKindInteractive, nil)
	fx.reason.Err = errors.New("llm down")

	fx.runTurn()

	action, ok := fx.proc.TakeNext("CA_turn")
	if !ok || action.Kind != dialog.ActionContinue {
		t.Fatalf("action = %+v, want static continue", action)
	}
	if action.Question.ID != "q2" {
		t.Errorf("static next = %q, want q2", action.Question.ID)
	}
}

func TestBasicCallNotifiesWithoutDialog(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fc := clock.NewFake(time.Now())
	publisher := notify.NewPublisher(notify.Config{UpstreamURL: srv.URL, Secret: "s"}, fc, slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publisher.Run(ctx)

	fx := newFixture(t, models.CallKindBasic, publisher)
	fx.runTurn()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("basic call produced no notification")
	}
	if len(fx.recog.Filenames) != 0 {
		t.Error("basic call must not hit recognition")
	}
	if _, staged := fx.proc.TakeNext("CA_turn"); staged {
		t.Error("basic call staged a dialog action")
	}
}

func TestProcessBusy(t *testing.T) {
	fx := newFixture(t, models.CallKindBasic, nil)

	// Drain every worker slot.
	if !fx.proc.workers.TryAcquire(4) {
		t.Fatal("could not drain worker pool")
	}
	defer fx.proc.workers.Release(4)

	if err := fx.proc.Process(callback()); !errors.Is(err, ErrBusy) {
		t.Errorf("Process = %v, want ErrBusy", err)
	}
}

func TestOnCallEndedClearsState(t *testing.T) {
	fx := newFixture(t, models.CallKindInteractive, nil)
	fx.runTurn()

	fx.proc.OnCallEnded("CA_turn", fx.call.CallID)

	if _, staged := fx.proc.TakeNext("CA_turn"); staged {
		t.Error("staged action survived call end")
	}
	if _, err := fx.engine.Current(fx.call.CallID); !errors.Is(err, dialog.ErrNoConversation) {
		t.Errorf("Current after end = %v, want ErrNoConversation", err)
	}
}
