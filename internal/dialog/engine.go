package dialog

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memoora/storycall/internal/ai"
	"github.com/memoora/storycall/internal/clock"
)

// ErrNoConversation indicates the call has no live dialog state.
var ErrNoConversation = errors.New("no conversation for call")

// ErrUnknownQuestion indicates a question id outside the loaded flow.
var ErrUnknownQuestion = errors.New("unknown question")

// idleTTL bounds how long an untouched conversation survives before the
// sweeper reclaims it, covering calls that die without a callback.
const idleTTL = 15 * time.Minute

// maxRetries caps how often one question is re-asked before the static
// fallback takes over.
const maxRetries = 2

// Next action kinds.
const (
	ActionContinue = "continue"
	ActionRetry    = "retry"
	ActionClose    = "close"
)

// NextAction tells the turn processor what the callee hears next.
type NextAction struct {
	Kind     string
	Question *Question // set for ActionContinue
	// Text is the rendered prompt, the retry feedback or the closing line.
	Text string
}

// ScoringWeights parameterizes dynamic next-question selection.
type ScoringWeights struct {
	FreeText          int
	MultipleChoice    int
	YesNo             int
	PopulatedSlot     int
	FamilyKeyword     int
	ContextRelevance  int
	AnsweredPenalty   int
	ShortPromptBonus  int
	MediumPromptBonus int
	LongPromptPenalty int
}

// DefaultScoringWeights returns the stock weighting.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		FreeText:          10,
		MultipleChoice:    8,
		YesNo:             6,
		PopulatedSlot:     5,
		FamilyKeyword:     4,
		ContextRelevance:  3,
		AnsweredPenalty:   -100,
		ShortPromptBonus:  10,
		MediumPromptBonus: 8,
		LongPromptPenalty: -5,
	}
}

// familyKeywords biases selection toward family-memory territory.
var familyKeywords = []string{
	"family", "mother", "father", "parent", "grand", "brother", "sister",
	"child", "home", "wedding", "married", "holiday",
}

func hasFamilyKeyword(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, kw := range familyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Answer is one recorded callee response.
type Answer struct {
	QuestionID string
	Raw        string
	Normalized string
	At         time.Time
}

// conversation is the live state of one interactive call. All mutation
// goes through the engine, which holds the conversation lock.
type conversation struct {
	mu        sync.Mutex
	currentID string
	answers   []Answer
	answered  map[string]bool
	slots     map[string]string
	retries   int
	startedAt time.Time
	updatedAt time.Time
}

// Engine holds the flow and all live conversations.
type Engine struct {
	flow    *Flow
	clk     clock.Clock
	weights ScoringWeights
	logger  *slog.Logger

	mu    sync.RWMutex
	convs map[string]*conversation
}

// NewEngine creates a dialog engine over a validated flow.
func NewEngine(flow *Flow, clk clock.Clock, weights ScoringWeights, logger *slog.Logger) *Engine {
	return &Engine{
		flow:    flow,
		clk:     clk,
		weights: weights,
		logger:  logger.With("subsystem", "dialog"),
		convs:   make(map[string]*conversation),
	}
}

// Flow exposes the loaded flow for prompt pre-synthesis and greetings.
func (e *Engine) Flow() *Flow { return e.flow }

// ActiveConversations reports the number of live conversations.
func (e *Engine) ActiveConversations() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.convs)
}

func (e *Engine) conversation(callID string) (*conversation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.convs[callID]
	return c, ok
}

// Begin initializes dialog state at the first question. Calling it again
// for a live call is idempotent and returns the current question.
func (e *Engine) Begin(callID string) (*Question, error) {
	e.mu.Lock()
	c, ok := e.convs[callID]
	if !ok {
		now := e.clk.Now()
		c = &conversation{
			currentID: e.flow.First,
			answered:  make(map[string]bool),
			slots:     make(map[string]string),
			startedAt: now,
			updatedAt: now,
		}
		e.convs[callID] = c
	}
	e.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return e.flow.Question(c.currentID), nil
}

// Current returns the question the call is waiting on.
func (e *Engine) Current(callID string) (*Question, error) {
	c, ok := e.conversation(callID)
	if !ok {
		return nil, ErrNoConversation
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := e.flow.Question(c.currentID)
	if q == nil {
		return nil, ErrUnknownQuestion
	}
	return q, nil
}

// Prompt renders the current question's template against the call's
// context slots.
func (e *Engine) Prompt(callID string) (string, error) {
	c, ok := e.conversation(callID)
	if !ok {
		return "", ErrNoConversation
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := e.flow.Question(c.currentID)
	if q == nil {
		return "", ErrUnknownQuestion
	}
	return renderPrompt(q.Prompt, c.slots), nil
}

// RecordAnswer appends one answer, populates the question's context slot
// when declared and refreshes the idle timestamp.
func (e *Engine) RecordAnswer(callID, questionID, raw, normalized string) error {
	c, ok := e.conversation(callID)
	if !ok {
		return ErrNoConversation
	}
	q := e.flow.Question(questionID)
	if q == nil {
		return ErrUnknownQuestion
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := e.clk.Now()
	c.answers = append(c.answers, Answer{
		QuestionID: questionID,
		Raw:        raw,
		Normalized: normalized,
		At:         now,
	})
	c.answered[questionID] = true
	if q.ContextKey != "" && strings.TrimSpace(normalized) != "" {
		c.slots[q.ContextKey] = strings.TrimSpace(normalized)
	}
	c.updatedAt = now
	return nil
}

// MergeSlots folds reasoning-extracted context values into the call's
// slot map. Existing slots win only when the new value is empty.
func (e *Engine) MergeSlots(callID string, slots map[string]string) error {
	c, ok := e.conversation(callID)
	if !ok {
		return ErrNoConversation
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range slots {
		if strings.TrimSpace(v) != "" {
			c.slots[k] = strings.TrimSpace(v)
		}
	}
	c.updatedAt = e.clk.Now()
	return nil
}

// Slots returns a point-in-time copy of the call's context slots.
func (e *Engine) Slots(callID string) map[string]string {
	c, ok := e.conversation(callID)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.slots))
	for k, v := range c.slots {
		out[k] = v
	}
	return out
}

// UnansweredIDs lists question ids not yet answered, in flow order.
func (e *Engine) UnansweredIDs(callID string) []string {
	c, ok := e.conversation(callID)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for i := range e.flow.Questions {
		if !c.answered[e.flow.Questions[i].ID] {
			ids = append(ids, e.flow.Questions[i].ID)
		}
	}
	return ids
}

// Decide maps a reasoning verdict onto the next action and advances the
// conversation. A nil analysis falls back to the static flow pointers.
func (e *Engine) Decide(callID string, analysis *ai.Analysis) (NextAction, error) {
	c, ok := e.conversation(callID)
	if !ok {
		return NextAction{}, ErrNoConversation
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := e.flow.Question(c.currentID)
	if current == nil {
		return e.close(c), nil
	}

	if analysis != nil {
		if analysis.ShouldProceed && analysis.NextQuestionID != "" {
			if analysis.NextQuestionID == NextEnd {
				return e.close(c), nil
			}
			if next := e.flow.Question(analysis.NextQuestionID); next != nil && !c.answered[next.ID] {
				return e.advance(c, next), nil
			}
			// Unknown or already-answered suggestion: fall through to
			// the static pointer.
		}
		if !analysis.ShouldProceed && analysis.Feedback != "" && c.retries < maxRetries {
			c.retries++
			c.updatedAt = e.clk.Now()
			return NextAction{Kind: ActionRetry, Question: current, Text: analysis.Feedback}, nil
		}
	}

	return e.followStatic(c, current), nil
}

// followStatic resolves the current question's static pointer, switching
// to scored selection when the flow marks it dynamic.
func (e *Engine) followStatic(c *conversation, current *Question) NextAction {
	switch current.Next {
	case NextEnd, "":
		return e.close(c)
	case NextDynamic:
		if next := e.pickDynamic(c); next != nil {
			return e.advance(c, next)
		}
		return e.close(c)
	default:
		next := e.flow.Question(current.Next)
		if next == nil || c.answered[next.ID] {
			if picked := e.pickDynamic(c); picked != nil {
				return e.advance(c, picked)
			}
			return e.close(c)
		}
		return e.advance(c, next)
	}
}

func (e *Engine) advance(c *conversation, next *Question) NextAction {
	c.currentID = next.ID
	c.retries = 0
	c.updatedAt = e.clk.Now()
	return NextAction{
		Kind:     ActionContinue,
		Question: next,
		Text:     renderPrompt(next.Prompt, c.slots),
	}
}

func (e *Engine) close(c *conversation) NextAction {
	c.updatedAt = e.clk.Now()
	return NextAction{Kind: ActionClose, Text: e.flow.Closing}
}

// pickDynamic scores the remaining questions and returns the winner, or
// nil when nothing scores above zero.
func (e *Engine) pickDynamic(c *conversation) *Question {
	remaining := time.Duration(e.flow.BudgetSeconds)*time.Second - e.clk.Now().Sub(c.startedAt)

	candidates := make([]*Question, 0, len(e.flow.Questions))
	for i := range e.flow.Questions {
		candidates = append(candidates, &e.flow.Questions[i])
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	var best *Question
	bestScore := 0
	for _, q := range candidates {
		if score := e.score(c, q, remaining); score > bestScore {
			best, bestScore = q, score
		}
	}
	return best
}

func (e *Engine) score(c *conversation, q *Question, remaining time.Duration) int {
	if c.answered[q.ID] {
		return e.weights.AnsweredPenalty
	}

	var score int
	switch q.Kind {
	case KindFreeText:
		score += e.weights.FreeText
	case KindMultipleChoice:
		score += e.weights.MultipleChoice
	case KindYesNo:
		score += e.weights.YesNo
	}

	for _, ref := range slotRefs(q.Prompt) {
		if c.slots[ref] != "" {
			score += e.weights.PopulatedSlot
			break
		}
	}
	if hasFamilyKeyword(q.Prompt) {
		score += e.weights.FamilyKeyword
	}
	if q.ContextKey != "" && c.slots[q.ContextKey] != "" {
		score += e.weights.ContextRelevance
	}

	switch {
	case remaining < time.Minute:
		if len(q.Prompt) < 100 {
			score += e.weights.ShortPromptBonus
		} else {
			score += e.weights.LongPromptPenalty
		}
	case remaining < 2*time.Minute:
		if len(q.Prompt) < 150 {
			score += e.weights.MediumPromptBonus
		}
	}
	return score
}

// Summary returns the normalized answers keyed by question id.
func (e *Engine) Summary(callID string) (map[string]string, error) {
	c, ok := e.conversation(callID)
	if !ok {
		return nil, ErrNoConversation
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.answers))
	for _, a := range c.answers {
		out[a.QuestionID] = a.Normalized
	}
	return out, nil
}

// Answers returns a point-in-time copy of the ordered answer list.
func (e *Engine) Answers(callID string) []Answer {
	c, ok := e.conversation(callID)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Answer(nil), c.answers...)
}

// End discards the call's dialog state.
func (e *Engine) End(callID string) {
	e.mu.Lock()
	delete(e.convs, callID)
	e.mu.Unlock()
}

// StartSweeper reclaims idle conversations until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.clk.After(interval):
				e.sweep()
			}
		}
	}()
}

func (e *Engine) sweep() {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for callID, c := range e.convs {
		c.mu.Lock()
		idle := now.Sub(c.updatedAt) > idleTTL
		c.mu.Unlock()
		if idle {
			delete(e.convs, callID)
			e.logger.Warn("reclaimed idle conversation", "call_id", callID)
		}
	}
}
