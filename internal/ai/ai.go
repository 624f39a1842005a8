// Package ai declares the capability contracts for the external AI
// services the dialog pipeline depends on: speech synthesis, speech
// recognition and conversational reasoning. Implementations are chosen
// at construction time; callers probe Available to fall back gracefully.
package ai

import (
	"context"
	"errors"
	"io"
)

// ErrUnavailable indicates a capability is not configured or its backing
// service cannot be reached right now.
var ErrUnavailable = errors.New("ai capability unavailable")

// Synthesis turns prompt text into playable audio.
type Synthesis interface {
	// Synthesize renders text to MP3 bytes.
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Available(ctx context.Context) error
}

// Recognition turns recorded audio into a transcript.
type Recognition interface {
	// Transcribe reads one complete audio file. filename carries the
	// extension the backend uses to sniff the container format.
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
	Available(ctx context.Context) error
}

// AnalysisRequest carries one turn's worth of conversation for the
// reasoning model.
type AnalysisRequest struct {
	QuestionID     string
	QuestionPrompt string
	Transcript     string
	// Context is the compact slot summary, e.g. {"name": "Ada"}.
	Context map[string]string
	// CandidateIDs are the unanswered question ids the model may pick from.
	CandidateIDs []string
}

// Analysis is the reasoning model's structured verdict on one answer.
type Analysis struct {
	Valid          bool   `json:"valid"`
	Summary        string `json:"summary"`
	ShouldProceed  bool   `json:"shouldProceed"`
	NextQuestionID string `json:"nextQuestionId"`
	Feedback       string `json:"feedback"`
	// Slots holds context values the model extracted from the answer.
	Slots map[string]string `json:"slots"`
}

// Reasoning evaluates an answer and proposes how the dialog continues.
type Reasoning interface {
	Analyze(ctx context.Context, req AnalysisRequest) (*Analysis, error)
	Available(ctx context.Context) error
}
