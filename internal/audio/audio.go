// Package audio holds synthesized prompt audio for the few seconds
// between a turn decision and the provider fetching the prompt. Files
// are served through short-lived signed URLs and deleted afterwards.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/memoora/storycall/internal/ai"
	"github.com/memoora/storycall/internal/clock"
)

// ErrInvalidToken covers expired, malformed or mismatched URL tokens.
var ErrInvalidToken = errors.New("invalid audio token")

// tokenTTL bounds how long a signed audio URL stays fetchable. The
// provider fetches prompts within seconds; a short window keeps leaked
// URLs worthless.
const tokenTTL = 5 * time.Minute

// fileTTL bounds how long an unfetched temp file survives.
const fileTTL = 10 * time.Minute

// Store synthesizes prompts ahead of time and serves them once.
type Store struct {
	synth   ai.Synthesis
	dir     string
	baseURL string
	secret  []byte
	clk     clock.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	ready map[string]string // provider SID -> signed URL of prepared prompt
}

// NewStore creates the temp-audio store, creating dir if needed.
func NewStore(synth ai.Synthesis, dir, baseURL string, secret []byte, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp audio dir: %w", err)
	}
	return &Store{
		synth:   synth,
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		clk:     clk,
		logger:  logger.With("subsystem", "audio"),
		ready:   make(map[string]string),
	}, nil
}

// Prepare synthesizes text for the given call and records the signed URL
// the prompt handler will hand to the provider. A synthesis failure
// leaves no entry, so the handler falls back to provider-voiced text.
func (s *Store) Prepare(ctx context.Context, providerSID, text string) error {
	if s.synth == nil {
		return ai.ErrUnavailable
	}
	if err := s.synth.Available(ctx); err != nil {
		return err
	}

	mp3, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesizing prompt: %w", err)
	}

	filename := fmt.Sprintf("question_%s_%d.mp3", providerSID, s.clk.Now().UnixMilli())
	if err := os.WriteFile(filepath.Join(s.dir, filename), mp3, 0o644); err != nil {
		return fmt.Errorf("writing prompt audio: %w", err)
	}

	url, err := s.SignedURL(filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ready[providerSID] = url
	s.mu.Unlock()

	s.logger.Debug("prompt audio prepared", "provider_sid", providerSID, "file", filename)
	return nil
}

// Take returns and clears the prepared prompt URL for a call, so each
// prepared prompt plays at most once.
func (s *Store) Take(providerSID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url, ok := s.ready[providerSID]
	if ok {
		delete(s.ready, providerSID)
	}
	return url, ok
}

// SignedURL builds the public URL for a temp file with an expiring token.
func (s *Store) SignedURL(filename string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   filename,
		ExpiresAt: jwt.NewNumericDate(s.clk.Now().Add(tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(s.clk.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing audio url: %w", err)
	}
	return fmt.Sprintf("%s/audio/%s?token=%s", s.baseURL, filename, token), nil
}

// Open validates the token for a filename and returns the file. The
// token's subject must match the requested file exactly.
func (s *Store) Open(filename, tokenString string) (*os.File, error) {
	if filepath.Base(filename) != filename {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != filename {
		return nil, ErrInvalidToken
	}

	return os.Open(filepath.Join(s.dir, filename))
}

// Forget drops any prepared prompt for a call, used on call teardown.
func (s *Store) Forget(providerSID string) {
	s.mu.Lock()
	delete(s.ready, providerSID)
	s.mu.Unlock()
}

// StartCleanupTicker deletes temp files older than fileTTL until ctx is
// cancelled.
func (s *Store) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clk.After(interval):
				s.cleanup()
			}
		}
	}()
}

func (s *Store) cleanup() {
	cutoff := s.clk.Now().Add(-fileTTL)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("temp audio cleanup: reading dir failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove temp audio", "file", e.Name(), "error", err)
		}
	}
}
