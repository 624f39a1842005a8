// Package mock provides test doubles for the ai capability interfaces.
// Each mock records its calls and returns configured values so tests can
// drive the dialog pipeline without external services.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/memoora/storycall/internal/ai"
)

// Synthesis is a configurable ai.Synthesis double.
type Synthesis struct {
	mu sync.Mutex

	// Audio is returned from Synthesize. Defaults to a small placeholder.
	Audio []byte
	// Err, when set, is returned from Synthesize and Available.
	Err error

	// Texts records every synthesized input in order.
	Texts []string
}

var _ ai.Synthesis = (*Synthesis)(nil)

func (s *Synthesis) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Audio == nil {
		return []byte("mock-mp3"), nil
	}
	return s.Audio, nil
}

func (s *Synthesis) Available(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

// Recognition is a configurable ai.Recognition double.
type Recognition struct {
	mu sync.Mutex

	// Transcript is returned from Transcribe.
	Transcript string
	// Err, when set, is returned from Transcribe and Available.
	Err error
	// ErrOnce makes only the first Transcribe fail, then clears itself.
	ErrOnce error

	// Filenames records every transcribed filename in order.
	Filenames []string
}

var _ ai.Recognition = (*Recognition)(nil)

func (r *Recognition) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Filenames = append(r.Filenames, filename)
	if r.ErrOnce != nil {
		err := r.ErrOnce
		r.ErrOnce = nil
		return "", err
	}
	if r.Err != nil {
		return "", r.Err
	}
	return r.Transcript, nil
}

func (r *Recognition) Available(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Err
}

// Reasoning is a configurable ai.Reasoning double.
type Reasoning struct {
	mu sync.Mutex

	// Result is returned from Analyze. Nil with a nil Err yields a
	// proceed-with-flow default.
	Result *ai.Analysis
	// Err, when set, is returned from Analyze and Available.
	Err error

	// Requests records every analysis request in order.
	Requests []ai.AnalysisRequest
}

var _ ai.Reasoning = (*Reasoning)(nil)

func (r *Reasoning) Analyze(ctx context.Context, req ai.AnalysisRequest) (*ai.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests = append(r.Requests, req)
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Result != nil {
		cp := *r.Result
		return &cp, nil
	}
	return &ai.Analysis{Valid: true, ShouldProceed: true}, nil
}

func (r *Reasoning) Available(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Err
}
