package recording

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

	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/telephony"
)

// fakeDownloader fails with notReady for a configured number of attempts
// before serving the payload.
type fakeDownloader struct {
	notReady int
	payload  string
	err      error
	attempts int
}

func (d *fakeDownloader) DownloadRecording(ctx context.Context, mediaURL string) (io.ReadCloser, int64, error) {
	d.attempts++
	if d.err != nil {
		return nil, 0, d.err
	}
	if d.attempts <= d.notReady {
		return nil, 0, telephony.ErrNotReady
	}
	return io.NopCloser(strings.NewReader(d.payload)), int64(len(d.payload)), nil
}

func testFetcher(t *testing.T, d Downloader, fc *clock.Fake) *Fetcher {
	t.Helper()
	f, err := NewFetcher(d, t.TempDir(), fc, slog.Default())
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func TestFetchImmediate(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	d := &fakeDownloader{payload: "mp3-bytes"}
	f := testFetcher(t, d, fc)

	filename, size, err := f.Fetch(context.Background(), "https://media.example.com/RE_a")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasPrefix(filename, "story-") || !strings.HasSuffix(filename, ".mp3") {
		t.Errorf("filename = %q, want story-<ms>.mp3", filename)
	}
	if size != int64(len(d.payload)) {
		t.Errorf("size = %d, want %d", size, len(d.payload))
	}

	got, err := os.ReadFile(filepath.Join(f.Dir(), filename))
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if string(got) != d.payload {
		t.Errorf("stored bytes = %q", got)
	}

	// No stray partial files.
	entries, _ := os.ReadDir(f.Dir())
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the recording", len(entries))
	}
}

func TestFetchRetriesWhileNotReady(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	d := &fakeDownloader{notReady: 2, payload: "late-mp3"}
	f := testFetcher(t, d, fc)

	done := make(chan error, 1)
	go func() {
		_, _, err := f.Fetch(context.Background(), "https://media.example.com/RE_b")
		done <- err
	}()

	// First retry waits 2s, second 4s.
	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)
	fc.BlockUntil(1)
	fc.Advance(4 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if d.attempts != 3 {
		t.Errorf("attempts = %d, want exactly 3", d.attempts)
	}
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	d := &fakeDownloader{notReady: 10}
	f := testFetcher(t, d, fc)

	done := make(chan error, 1)
	go func() {
		_, _, err := f.Fetch(context.Background(), "https://media.example.com/RE_c")
		done <- err
	}()

	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)
	fc.BlockUntil(1)
	fc.Advance(4 * time.Second)

	if err := <-done; !errors.Is(err, telephony.ErrNotReady) {
		t.Fatalf("Fetch = %v, want ErrNotReady after retries exhausted", err)
	}
	if d.attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", d.attempts, maxAttempts)
	}
}

func TestFetchHardErrorNoRetry(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	d := &fakeDownloader{err: errors.New("boom")}
	f := testFetcher(t, d, fc)

	_, _, err := f.Fetch(context.Background(), "https://media.example.com/RE_d")
	if err == nil {
		t.Fatal("Fetch succeeded, want error")
	}
	if d.attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a non-retryable error", d.attempts)
	}
}

func TestOpenRejectsPathEscape(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	f := testFetcher(t, &fakeDownloader{payload: "x"}, fc)

	for _, name := range []string{"../secret.mp3", "a/b.mp3", "..", "/etc/passwd"} {
		if _, err := f.Open(name); err == nil {
			t.Errorf("Open(%q) succeeded, want rejection", name)
		}
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	fc := clock.NewFake(time.Now())
	f := testFetcher(t, &fakeDownloader{}, fc)

	old := filepath.Join(f.Dir(), "story-1.mp3")
	fresh := filepath.Join(f.Dir(), "story-2.mp3")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("seeding file: %v", err)
		}
	}
	stale := fc.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("backdating file: %v", err)
	}

	f.cleanup(24 * time.Hour)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired recording survived cleanup")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh recording removed by cleanup")
	}
}
