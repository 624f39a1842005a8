// Package notify delivers HMAC-signed recording-complete events to the
// upstream backend. The turn processor enqueues events; a single drain
// goroutine posts them with bounded retries.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/memoora/storycall/internal/clock"
)

// recordingCompletePath is the upstream endpoint receiving events.
const recordingCompletePath = "/api/calls/recording-complete"

// maxAttempts bounds delivery retries for one event.
const maxAttempts = 3

// Event is the recording-complete payload posted upstream. The encoded
// bytes are signed and sent verbatim.
type Event struct {
	CallSid         string `json:"callSid"`
	Filename        string `json:"filename"`
	DurationSeconds int    `json:"durationSeconds"`
	FileSize        int64  `json:"fileSize"`
	StorytellerID   string `json:"storytellerId,omitempty"`
	FamilyMemberID  string `json:"familyMemberId,omitempty"`
	Question        string `json:"question,omitempty"`

	// CallID is the internal id used to report delivery back; it is not
	// part of the wire payload.
	CallID string `json:"-"`
}

// Sign computes the hex HMAC-SHA256 over timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Config sets up the publisher.
type Config struct {
	UpstreamURL string // base URL; empty disables delivery
	Secret      string
	AccountID   string // optional x-account-id header
	Timeout     time.Duration
}

// Publisher drains queued events into signed upstream POSTs.
type Publisher struct {
	cfg        Config
	httpClient *http.Client
	clk        clock.Clock
	logger     *slog.Logger
	queue      chan Event
	// onResult reports every event's final outcome, nil error on 2xx.
	onResult func(Event, error)
}

// NewPublisher creates a publisher. onResult may be nil.
func NewPublisher(cfg Config, clk clock.Clock, logger *slog.Logger, onResult func(Event, error)) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if onResult == nil {
		onResult = func(Event, error) {}
	}
	return &Publisher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clk:        clk,
		logger:     logger.With("subsystem", "notify"),
		queue:      make(chan Event, 64),
		onResult:   onResult,
	}
}

// Enqueue hands an event to the drain loop. It never blocks; when the
// queue is full the event is reported failed immediately.
func (p *Publisher) Enqueue(ev Event) {
	select {
	case p.queue <- ev:
	default:
		p.logger.Error("notification queue full, dropping event", "call_id", ev.CallID)
		p.onResult(ev, fmt.Errorf("notification queue full"))
	}
}

// QueueDepth reports the number of events awaiting delivery.
func (p *Publisher) QueueDepth() int {
	return len(p.queue)
}

// Run drains the queue until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			err := p.deliver(ctx, ev)
			if err != nil {
				p.logger.Error("notification delivery failed",
					"call_id", ev.CallID, "provider_sid", ev.CallSid, "error", err)
			}
			p.onResult(ev, err)
		}
	}
}

// permanentError marks outcomes that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// deliver posts one event, retrying network and 5xx failures with
// doubling backoff. 4xx outcomes are final.
func (p *Publisher) deliver(ctx context.Context, ev Event) error {
	if p.cfg.UpstreamURL == "" {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	backoff := 2 * time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.post(ctx, body)
		if lastErr == nil {
			p.logger.Info("notification delivered",
				"call_id", ev.CallID, "file", ev.Filename, "attempt", attempt)
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clk.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// post sends one signed POST. The signed bytes and the sent bytes are
// the same buffer.
func (p *Publisher) post(ctx context.Context, body []byte) error {
	url := strings.TrimRight(p.cfg.UpstreamURL, "/") + recordingCompletePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating notification request: %w", err)
	}

	timestamp := strconv.FormatInt(p.clk.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.Secret)
	req.Header.Set("x-timestamp", timestamp)
	req.Header.Set("x-signature", "sha256="+Sign(p.cfg.Secret, timestamp, body))
	if p.cfg.AccountID != "" {
		req.Header.Set("x-account-id", p.cfg.AccountID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return &permanentError{err: fmt.Errorf("upstream rejected notification: %s", resp.Status)}
	default:
		return fmt.Errorf("upstream returned %s", resp.Status)
	}
}
