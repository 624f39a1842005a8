package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/memoora/storycall/internal/database/models"
)

func placementRequest() PlacementRequest {
	return PlacementRequest{
		Callee:           "+13128484329",
		Caller:           CallerIdentity{Fallback: "+17085547471"},
		PromptWebhookURL: "https://calls.example.com/voice",
		StatusWebhookURL: "https://calls.example.com/call-status",
		TimeoutSeconds:   30,
	}
}

func TestPlaceCall(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC_test" || pass != "token" {
			t.Error("missing or wrong basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		gotForm = map[string]string{
			"To":      r.PostForm.Get("To"),
			"From":    r.PostForm.Get("From"),
			"Url":     r.PostForm.Get("Url"),
			"Timeout": r.PostForm.Get("Timeout"),
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"sid":"CA_abc","status":"queued"}`)
	}))
	defer srv.Close()

	a := New("AC_test", "token", srv.URL, slog.Default())
	placement, err := a.PlaceCall(context.Background(), placementRequest())
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if placement.ProviderSID != "CA_abc" {
		t.Errorf("ProviderSID = %q, want CA_abc", placement.ProviderSID)
	}
	if placement.InitialStatus != models.CallStatusInitiated {
		t.Errorf("InitialStatus = %q, want initiated", placement.InitialStatus)
	}
	if placement.FallbackUsed {
		t.Error("FallbackUsed = true for a clean placement")
	}
	if gotForm["To"] != "+13128484329" || gotForm["From"] != "+17085547471" {
		t.Errorf("form To/From = %q/%q", gotForm["To"], gotForm["From"])
	}
	if gotForm["Timeout"] != "30" {
		t.Errorf("form Timeout = %q, want 30", gotForm["Timeout"])
	}
}

func TestPlaceCallAlphaFallback(t *testing.T) {
	var attempts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		from := r.PostForm.Get("From")
		attempts = append(attempts, from)
		if from == "Memoora" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":21211,"message":"Invalid 'From' Phone Number"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"sid":"CA_fb","status":"queued"}`)
	}))
	defer srv.Close()

	a := New("AC_test", "token", srv.URL, slog.Default())
	req := placementRequest()
	req.Caller = CallerIdentity{Label: "Memoora", Fallback: "+17085547471"}

	placement, err := a.PlaceCall(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want exactly 2", len(attempts))
	}
	if attempts[0] != "Memoora" || attempts[1] != "+17085547471" {
		t.Errorf("attempt order = %v", attempts)
	}
	if !placement.FallbackUsed {
		t.Error("FallbackUsed = false, want true")
	}
	if placement.CallerUsed != "+17085547471" {
		t.Errorf("CallerUsed = %q, want fallback number", placement.CallerUsed)
	}
	if placement.FallbackReason == "" {
		t.Error("FallbackReason empty, want provider rejection recorded")
	}
}

func TestPlaceCallNonFromErrorSurfaces(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":21217,"message":"unreachable"}`)
	}))
	defer srv.Close()

	a := New("AC_test", "token", srv.URL, slog.Default())

	// No alpha label: an invalid-from code must not trigger a retry.
	_, err := a.PlaceCall(context.Background(), placementRequest())
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("PlaceCall = %v, want ProviderError", err)
	}
	if provErr.Code != 21217 {
		t.Errorf("Code = %d, want 21217", provErr.Code)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPlaceCallFallbackAlsoRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":21211,"message":"Invalid 'From' Phone Number"}`)
	}))
	defer srv.Close()

	a := New("AC_test", "token", srv.URL, slog.Default())
	req := placementRequest()
	req.Caller = CallerIdentity{Label: "Memoora", Fallback: "+17085547471"}

	// Both attempts rejected: the second error surfaces, no third attempt.
	_, err := a.PlaceCall(context.Background(), req)
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("PlaceCall = %v, want ProviderError", err)
	}
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"completed","duration":"42",
			"start_time":"Mon, 24 Aug 2026 10:00:00 +0000",
			"end_time":"Mon, 24 Aug 2026 10:00:42 +0000"}`)
	}))
	defer srv.Close()

	a := New("AC_test", "token", srv.URL, slog.Default())
	st, err := a.FetchStatus(context.Background(), "CA_abc")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if st.Status != models.CallStatusCompleted {
		t.Errorf("Status = %q, want completed", st.Status)
	}
	if st.DurationSec == nil || *st.DurationSec != 42 {
		t.Errorf("DurationSec = %v, want 42", st.DurationSec)
	}
	if st.StartedAt == nil || st.EndedAt == nil {
		t.Error("expected both timestamps parsed")
	}
}

func TestDownloadRecordingNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := New("AC_test", "token", srv.URL, slog.Default())
	_, _, err := a.DownloadRecording(context.Background(), srv.URL+"/media/RE_abc.mp3")
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("DownloadRecording = %v, want ErrNotReady", err)
	}
}

func TestDownloadRecording(t *testing.T) {
	payload := []byte("ID3fake-mp3-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			t.Error("media request missing basic auth")
		}
		w.Write(payload)
	}))
	defer srv.Close()

	a := New("AC_test", "token", srv.URL, slog.Default())
	body, size, err := a.DownloadRecording(context.Background(), srv.URL+"/media/RE_abc.mp3")
	if err != nil {
		t.Fatalf("DownloadRecording: %v", err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("body = %q, want %q", got, payload)
	}
	if size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", size, len(payload))
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"queued", models.CallStatusInitiated},
		{"ringing", models.CallStatusRinging},
		{"in-progress", models.CallStatusAnswered},
		{"completed", models.CallStatusCompleted},
		{"busy", models.CallStatusBusy},
		{"no-answer", models.CallStatusNoAnswer},
		{"canceled", models.CallStatusCanceled},
		{"weird-new-status", models.CallStatusFailed},
	}
	for _, tt := range tests {
		if got := NormalizeStatus(tt.in); got != tt.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
