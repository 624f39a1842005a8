package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memoora/storycall/internal/ai/mock"
	"github.com/memoora/storycall/internal/clock"
)

func testStore(t *testing.T, synth *mock.Synthesis, fc *clock.Fake) *Store {
	t.Helper()
	s, err := NewStore(synth, t.TempDir(), "https://calls.example.com", []byte("audio-secret"), fc, slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func parseURL(t *testing.T, url string) (filename, token string) {
	t.Helper()
	rest, ok := strings.CutPrefix(url, "https://calls.example.com/audio/")
	if !ok {
		t.Fatalf("unexpected url %q", url)
	}
	filename, token, ok = strings.Cut(rest, "?token=")
	if !ok {
		t.Fatalf("url %q missing token", url)
	}
	return filename, token
}

func TestPrepareAndServe(t *testing.T) {
	fc := clock.NewFake(time.Now())
	synth := &mock.Synthesis{Audio: []byte("prompt-mp3")}
	s := testStore(t, synth, fc)

	if err := s.Prepare(context.Background(), "CA_a", "What is your name?"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(synth.Texts) != 1 || synth.Texts[0] != "What is your name?" {
		t.Errorf("synthesized texts = %v", synth.Texts)
	}

	url, ok := s.Take("CA_a")
	if !ok {
		t.Fatal("Take found no prepared prompt")
	}
	// A prepared prompt plays once.
	if _, again := s.Take("CA_a"); again {
		t.Error("second Take returned the same prompt")
	}

	filename, token := parseURL(t, url)
	f, err := s.Open(filename, token)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if string(got) != "prompt-mp3" {
		t.Errorf("served bytes = %q", got)
	}
}

func TestOpenRejectsBadTokens(t *testing.T) {
	fc := clock.NewFake(time.Now())
	s := testStore(t, &mock.Synthesis{}, fc)

	if err := s.Prepare(context.Background(), "CA_b", "hello"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	url, _ := s.Take("CA_b")
	filename, token := parseURL(t, url)

	tests := []struct {
		name     string
		filename string
		token    string
	}{
		{"garbage token", filename, "not-a-token"},
		{"token for other file", "question_CA_other_1.mp3", token},
		{"path escape", "../" + filename, token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Open(tt.filename, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Open = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestOpenRejectsExpiredToken(t *testing.T) {
	// A store whose clock sits in the past mints tokens that are
	// already expired by wall time.
	fc := clock.NewFake(time.Now().Add(-time.Hour))
	s := testStore(t, &mock.Synthesis{}, fc)

	if err := s.Prepare(context.Background(), "CA_c", "hello"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	url, _ := s.Take("CA_c")
	filename, token := parseURL(t, url)

	if _, err := s.Open(filename, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Open(expired) = %v, want ErrInvalidToken", err)
	}
}

func TestPrepareSynthesisFailureLeavesNothing(t *testing.T) {
	fc := clock.NewFake(time.Now())
	synth := &mock.Synthesis{Err: errors.New("tts down")}
	s := testStore(t, synth, fc)

	if err := s.Prepare(context.Background(), "CA_d", "hello"); err == nil {
		t.Fatal("Prepare succeeded with failing synthesis")
	}
	if _, ok := s.Take("CA_d"); ok {
		t.Error("failed Prepare left a prepared prompt")
	}
}

func TestCleanupRemovesStaleFiles(t *testing.T) {
	fc := clock.NewFake(time.Now())
	s := testStore(t, &mock.Synthesis{}, fc)

	stale := filepath.Join(s.dir, "question_CA_old_1.mp3")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	past := fc.Now().Add(-fileTTL - time.Minute)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	s.cleanup()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp audio survived cleanup")
	}
}
