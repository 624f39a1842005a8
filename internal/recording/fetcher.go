// Package recording downloads call recordings from the provider's media
// store into the local recordings directory and keeps that directory
// within retention.
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/telephony"
)

// maxAttempts bounds fetch retries when the provider has not finished
// preparing the media.
const maxAttempts = 3

// Downloader is the slice of the telephony adapter the fetcher needs.
type Downloader interface {
	DownloadRecording(ctx context.Context, mediaURL string) (io.ReadCloser, int64, error)
}

// Fetcher pulls recording media to local disk.
type Fetcher struct {
	downloader Downloader
	dir        string
	clk        clock.Clock
	logger     *slog.Logger
}

// NewFetcher creates a fetcher writing into dir, creating it if needed.
func NewFetcher(downloader Downloader, dir string, clk clock.Clock, logger *slog.Logger) (*Fetcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recordings dir: %w", err)
	}
	return &Fetcher{
		downloader: downloader,
		dir:        dir,
		clk:        clk,
		logger:     logger.With("subsystem", "recording"),
	}, nil
}

// Dir returns the recordings directory.
func (f *Fetcher) Dir() string { return f.dir }

// Fetch downloads one recording, retrying with doubling backoff while
// the provider reports the media as not ready. The file lands as
// story-<unix_ms>.mp3; a partial download never becomes visible because
// the write goes to a temp file renamed only on success.
func (f *Fetcher) Fetch(ctx context.Context, mediaURL string) (filename string, size int64, err error) {
	backoff := 2 * time.Second
	for attempt := 1; ; attempt++ {
		filename, size, err = f.fetchOnce(ctx, mediaURL)
		if err == nil {
			return filename, size, nil
		}
		if !errors.Is(err, telephony.ErrNotReady) || attempt >= maxAttempts {
			return "", 0, err
		}

		f.logger.Debug("media not ready, backing off",
			"attempt", attempt, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-f.clk.After(backoff):
		}
		backoff *= 2
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, mediaURL string) (string, int64, error) {
	body, _, err := f.downloader.DownloadRecording(ctx, mediaURL)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	filename := fmt.Sprintf("story-%d.mp3", f.clk.Now().UnixMilli())
	final := filepath.Join(f.dir, filename)
	if _, err := os.Stat(final); err == nil {
		return "", 0, fmt.Errorf("recording %s already exists", filename)
	}

	tmp, err := os.CreateTemp(f.dir, ".story-*.part")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("writing recording: %w", err)
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, fmt.Errorf("publishing recording: %w", err)
	}

	f.logger.Info("recording stored", "file", filename, "bytes", written)
	return filename, written, nil
}

// Open returns a reader over a stored recording by bare filename. Path
// separators are rejected so callers cannot escape the directory.
func (f *Fetcher) Open(filename string) (*os.File, error) {
	if filepath.Base(filename) != filename {
		return nil, fmt.Errorf("invalid recording filename %q", filename)
	}
	return os.Open(filepath.Join(f.dir, filename))
}

// StartCleanupTicker removes recordings older than maxAge on the given
// interval until ctx is cancelled. maxAge of zero disables cleanup.
func (f *Fetcher) StartCleanupTicker(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.clk.After(interval):
				f.cleanup(maxAge)
			}
		}
	}()
}

func (f *Fetcher) cleanup(maxAge time.Duration) {
	cutoff := f.clk.Now().Add(-maxAge)
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		f.logger.Error("recording retention: reading dir failed", "error", err)
		return
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			f.logger.Warn("failed to remove recording file", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		f.logger.Info("recording retention cleanup", "deleted", removed)
	}
}
