// Package openai implements the ai capability contracts against the
// OpenAI API: speech for synthesis, whisper for recognition and chat
// completions for reasoning.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/memoora/storycall/internal/ai"
)

// Config selects the models and voice used for each capability.
type Config struct {
	APIKey         string
	BaseURL        string // empty for the live endpoint; tests point elsewhere
	ReasoningModel string
	WhisperModel   string
	Voice          string
	Timeout        time.Duration
}

// Client implements ai.Synthesis, ai.Recognition and ai.Reasoning.
type Client struct {
	client oai.Client
	cfg    Config
}

var (
	_ ai.Synthesis   = (*Client)(nil)
	_ ai.Recognition = (*Client)(nil)
	_ ai.Reasoning   = (*Client)(nil)
)

// New constructs a client. APIKey may be empty, in which case every
// capability reports unavailable and calls fail fast.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{client: oai.NewClient(reqOpts...), cfg: cfg}
}

// Available reports whether the client is usable at all.
func (c *Client) Available(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return ai.ErrUnavailable
	}
	return nil
}

// Synthesize renders prompt text to MP3 via the speech endpoint.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := c.Available(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModelTTS1,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(c.cfg.Voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesizing speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading synthesized audio: %w", err)
	}
	return audio, nil
}

// Transcribe runs whisper on one complete recording.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if err := c.Available(ctx); err != nil {
		return "", err
	}

	resp, err := c.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(c.cfg.WhisperModel),
		File:  oai.File(audio, filename, "audio/mpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("transcribing recording: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// analysisSystemPrompt instructs the model to emit exactly the JSON
// document the turn processor parses.
const analysisSystemPrompt = `You evaluate one answer in a phone interview that collects personal
memories and stories. Respond with a single JSON object and nothing else:
{"valid": bool, "summary": string, "shouldProceed": bool,
 "nextQuestionId": string or "", "feedback": string or "",
 "slots": object of string to string}
valid: the answer addresses the question. summary: one sentence.
shouldProceed: move on rather than re-ask. nextQuestionId: the best id
from the candidate list, or "" to let the flow decide. feedback: a short
spoken re-ask hint when not proceeding. slots: personal facts worth
remembering, e.g. {"name": "Ada"}.`

// Analyze asks the reasoning model what to do with one answer.
func (c *Client) Analyze(ctx context.Context, req ai.AnalysisRequest) (*ai.Analysis, error) {
	if err := c.Available(ctx); err != nil {
		return nil, err
	}

	user, err := json.Marshal(map[string]any{
		"questionId": req.QuestionID,
		"question":   req.QuestionPrompt,
		"transcript": req.Transcript,
		"context":    req.Context,
		"candidates": req.CandidateIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding analysis request: %w", err)
	}

	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.ReasoningModel),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(analysisSystemPrompt),
			oai.UserMessage(string(user)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("reasoning response carried no choices")
	}

	return parseAnalysis(resp.Choices[0].Message.Content)
}

// parseAnalysis decodes the model's JSON verdict, tolerating markdown
// code fences some models wrap around JSON output.
func parseAnalysis(content string) (*ai.Analysis, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if start := strings.Index(s, "{"); start > 0 {
		s = s[start:]
	}

	var a ai.Analysis
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("decoding analysis: %w", err)
	}
	return &a, nil
}
