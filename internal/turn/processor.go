// Package turn runs the asynchronous per-turn pipeline behind the
// recording-complete webhook: fetch the media, transcribe it, reason
// about the answer and stage what the callee hears next.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/memoora/storycall/internal/ai"
	"github.com/memoora/storycall/internal/audio"
	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/database/models"
	"github.com/memoora/storycall/internal/dialog"
	"github.com/memoora/storycall/internal/notify"
	"github.com/memoora/storycall/internal/recording"
	"github.com/memoora/storycall/internal/registry"
)

// ErrBusy indicates the worker pool is saturated; the webhook should be
// acknowledged and the provider's retry relied upon.
var ErrBusy = errors.New("turn workers saturated")

// clarificationPrompt is spoken when recognition fails once.
const clarificationPrompt = "I'm sorry, I didn't quite catch that. Could you say it again?"

// apologyClosing is spoken when the pipeline fails repeatedly.
const apologyClosing = "I'm having a little trouble hearing you. Thank you so much for your time today."

// maxFailures bounds consecutive degraded turns before the call closes.
const maxFailures = 2

// turnTimeout bounds one complete pipeline run.
const turnTimeout = 2 * time.Minute

// RecordingCallback is the parsed provider recording-complete webhook.
type RecordingCallback struct {
	ProviderSID string
	MediaURL    string
	DurationSec int
}

// Processor executes turns on a bounded worker pool.
type Processor struct {
	reg       *registry.Registry
	engine    *dialog.Engine
	fetcher   *recording.Fetcher
	recog     ai.Recognition
	reason    ai.Reasoning
	audio     *audio.Store
	publisher *notify.Publisher
	workers   *semaphore.Weighted
	clk       clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	next     map[string]dialog.NextAction // provider SID -> staged action
	failures map[string]int               // call id -> consecutive failures
}

// New creates a turn processor with the given pool size.
func New(reg *registry.Registry, engine *dialog.Engine, fetcher *recording.Fetcher,
	recog ai.Recognition, reason ai.Reasoning, audioStore *audio.Store,
	publisher *notify.Publisher, workers int, clk clock.Clock, logger *slog.Logger) *Processor {
	if workers <= 0 {
		workers = 16
	}
	return &Processor{
		reg:       reg,
		engine:    engine,
		fetcher:   fetcher,
		recog:     recog,
		reason:    reason,
		audio:     audioStore,
		publisher: publisher,
		workers:   semaphore.NewWeighted(int64(workers)),
		clk:       clk,
		logger:    logger.With("subsystem", "turn"),
		next:      make(map[string]dialog.NextAction),
		failures:  make(map[string]int),
	}
}

// Process schedules one turn. It returns immediately; ErrBusy means no
// worker slot was free.
func (p *Processor) Process(cb RecordingCallback) error {
	if !p.workers.TryAcquire(1) {
		return ErrBusy
	}
	go func() {
		defer p.workers.Release(1)
		// Detached from the webhook request; the provider got its ack.
		ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
		defer cancel()
		p.run(ctx, cb)
	}()
	return nil
}

// Saturated reports whether every worker slot is taken. Placements use
// it to refuse new interactive calls the pipeline could not serve.
func (p *Processor) Saturated() bool {
	if p.workers.TryAcquire(1) {
		p.workers.Release(1)
		return false
	}
	return true
}

func (p *Processor) run(ctx context.Context, cb RecordingCallback) {
	call, err := p.reg.GetByProviderSID(ctx, cb.ProviderSID)
	if err != nil {
		p.logger.Error("recording callback for unknown call",
			"provider_sid", cb.ProviderSID, "error", err)
		return
	}
	log := p.logger.With("call_id", call.CallID, "provider_sid", cb.ProviderSID)

	filename, size, err := p.fetcher.Fetch(ctx, cb.MediaURL)
	if err != nil {
		// The call still completes for telephony purposes; it just has
		// no recording.
		log.Error("recording fetch failed", "error", err)
		if call.Kind == models.CallKindInteractive {
			p.stage(cb.ProviderSID, dialog.NextAction{Kind: dialog.ActionClose, Text: apologyClosing})
		}
		return
	}
	if err := p.reg.AttachRecording(ctx, call.CallID, filename, size); err != nil {
		log.Warn("attaching recording failed", "file", filename, "error", err)
	}

	if call.Kind != models.CallKindInteractive {
		p.notifyUpstream(call, cb, filename, size)
		return
	}
	p.runInteractive(ctx, log, call, cb, filename, size)
}

func (p *Processor) runInteractive(ctx context.Context, log *slog.Logger, call *models.CallRecord,
	cb RecordingCallback, filename string, size int64) {

	question, err := p.engine.Current(call.CallID)
	if err != nil {
		log.Warn("no dialog state for interactive call, closing", "error", err)
		p.stage(cb.ProviderSID, dialog.NextAction{Kind: dialog.ActionClose, Text: apologyClosing})
		p.notifyUpstream(call, cb, filename, size)
		return
	}

	transcript, err := p.transcribe(ctx, filename)
	if err != nil {
		log.Warn("recognition failed", "error", err)
		p.degrade(cb.ProviderSID, call, cb, filename, size,
			dialog.NextAction{Kind: dialog.ActionRetry, Question: question, Text: clarificationPrompt})
		return
	}

	normalized := strings.TrimSpace(transcript)
	if err := question.ValidateAnswer(normalized); err != nil {
		log.Debug("answer failed validation", "question", question.ID, "error", err)
		action, derr := p.engine.Decide(call.CallID, &ai.Analysis{
			ShouldProceed: false,
			Feedback:      clarificationPrompt,
		})
		if derr != nil {
			action = dialog.NextAction{Kind: dialog.ActionClose, Text: apologyClosing}
		}
		p.finishTurn(ctx, call, cb, filename, size, action)
		return
	}

	analysis, err := p.reason.Analyze(ctx, ai.AnalysisRequest{
		QuestionID:     question.ID,
		QuestionPrompt: question.Prompt,
		Transcript:     transcript,
		Context:        p.engine.Slots(call.CallID),
		CandidateIDs:   p.engine.UnansweredIDs(call.CallID),
	})
	if err != nil {
		// Static-next fallback keeps the call moving.
		log.Warn("reasoning failed, using static flow", "error", err)
		p.bumpFailures(call.CallID)
		analysis = nil
	} else {
		p.clearFailures(call.CallID)
	}

	if err := p.engine.RecordAnswer(call.CallID, question.ID, transcript, normalized); err != nil {
		log.Warn("recording answer failed", "question", question.ID, "error", err)
	}
	if analysis != nil && len(analysis.Slots) > 0 {
		if err := p.engine.MergeSlots(call.CallID, analysis.Slots); err != nil {
			log.Warn("merging slots failed", "error", err)
		}
	}

	action, err := p.engine.Decide(call.CallID, analysis)
	if err != nil {
		action = dialog.NextAction{Kind: dialog.ActionClose, Text: apologyClosing}
	}
	p.finishTurn(ctx, call, cb, filename, size, action)
}

func (p *Processor) transcribe(ctx context.Context, filename string) (string, error) {
	f, err := p.fetcher.Open(filename)
	if err != nil {
		return "", fmt.Errorf("opening recording: %w", err)
	}
	defer f.Close()
	return p.recog.Transcribe(ctx, f, filename)
}

// finishTurn stages the decided action and, for a close, fires the
// upstream notification and tears down dialog state.
func (p *Processor) finishTurn(ctx context.Context, call *models.CallRecord,
	cb RecordingCallback, filename string, size int64, action dialog.NextAction) {

	if action.Kind != dialog.ActionClose && p.audio != nil && action.Text != "" {
		if err := p.audio.Prepare(ctx, cb.ProviderSID, action.Text); err != nil {
			p.logger.Debug("prompt pre-synthesis unavailable",
				"provider_sid", cb.ProviderSID, "error", err)
		}
	}
	p.stage(cb.ProviderSID, action)

	if action.Kind == dialog.ActionClose {
		p.notifyUpstream(call, cb, filename, size)
	}
}

// degrade stages a retry unless the failure budget is spent, in which
// case the call closes politely; a stored recording is still notified.
func (p *Processor) degrade(providerSID string, call *models.CallRecord,
	cb RecordingCallback, filename string, size int64, retry dialog.NextAction) {

	if p.bumpFailures(call.CallID) > maxFailures {
		p.stage(providerSID, dialog.NextAction{Kind: dialog.ActionClose, Text: apologyClosing})
		if filename != "" {
			p.notifyUpstream(call, cb, filename, size)
		}
		return
	}
	p.stage(providerSID, retry)
}

func (p *Processor) bumpFailures(callID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[callID]++
	return p.failures[callID]
}

func (p *Processor) clearFailures(callID string) {
	p.mu.Lock()
	delete(p.failures, callID)
	p.mu.Unlock()
}

// stage records the action the prompt handler serves on its next hit.
func (p *Processor) stage(providerSID string, action dialog.NextAction) {
	p.mu.Lock()
	p.next[providerSID] = action
	p.mu.Unlock()
}

// TakeNext pops the staged action for a call, if any.
func (p *Processor) TakeNext(providerSID string) (dialog.NextAction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	action, ok := p.next[providerSID]
	if ok {
		delete(p.next, providerSID)
	}
	return action, ok
}

// notifyUpstream builds and enqueues the recording-complete event.
func (p *Processor) notifyUpstream(call *models.CallRecord, cb RecordingCallback, filename string, size int64) {
	if p.publisher == nil {
		return
	}

	ev := notify.Event{
		CallID:          call.CallID,
		CallSid:         cb.ProviderSID,
		Filename:        filename,
		DurationSeconds: cb.DurationSec,
		FileSize:        size,
		Question:        call.Question,
	}
	if call.Metadata != "" {
		var meta map[string]any
		if json.Unmarshal([]byte(call.Metadata), &meta) == nil {
			if v, ok := meta["storytellerId"].(string); ok {
				ev.StorytellerID = v
			}
			if v, ok := meta["familyMemberId"].(string); ok {
				ev.FamilyMemberID = v
			}
		}
	}
	p.publisher.Enqueue(ev)
}

// OnCallEnded releases per-call state once the provider reports a
// terminal status.
func (p *Processor) OnCallEnded(providerSID, callID string) {
	p.mu.Lock()
	delete(p.next, providerSID)
	delete(p.failures, callID)
	p.mu.Unlock()
	if p.audio != nil {
		p.audio.Forget(providerSID)
	}
	p.engine.End(callID)
}
