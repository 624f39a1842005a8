// Package dialog drives interactive calls: it loads the declarative
// question flow, holds per-call conversation state and decides what the
// callee hears next.
package dialog

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Question kinds.
const (
	KindFreeText       = "free-text"
	KindMultipleChoice = "multiple-choice"
	KindYesNo          = "yes-no"
)

// Validation rules.
const (
	ValidateNone           = "none"
	ValidateNonEmpty       = "nonEmpty"
	ValidateIntegerInRange = "integerInRange"
)

// Next pointer markers. Any other value is a question id.
const (
	NextEnd     = "end"
	NextDynamic = "dynamic"
)

// Question is one declarative step of the flow. Questions are loaded
// once at startup and never mutated afterwards.
type Question struct {
	ID         string `yaml:"id"`
	Prompt     string `yaml:"prompt"`
	Kind       string `yaml:"kind"`
	Validation string `yaml:"validation"`
	Min        int    `yaml:"min"`
	Max        int    `yaml:"max"`
	ContextKey string `yaml:"contextKey"`
	Next       string `yaml:"next"`
}

// ValidateAnswer applies the question's declared validation rule to a
// normalized answer.
func (q *Question) ValidateAnswer(text string) error {
	switch q.Validation {
	case "", ValidateNone:
		return nil
	case ValidateNonEmpty:
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("question %s requires a non-empty answer", q.ID)
		}
		return nil
	case ValidateIntegerInRange:
		n, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return fmt.Errorf("question %s expects a number", q.ID)
		}
		if n < q.Min || n > q.Max {
			return fmt.Errorf("question %s expects a number between %d and %d", q.ID, q.Min, q.Max)
		}
		return nil
	default:
		return fmt.Errorf("question %s has unknown validation rule %q", q.ID, q.Validation)
	}
}

// Flow is the top-level structure of a flow YAML file.
//
// Example:
//
//	greeting: "Hello! I'd love to hear your stories."
//	closing: "Thank you so much for sharing."
//	first: q1
//	budgetSeconds: 300
//	questions:
//	  - id: q1
//	    prompt: "What is your name?"
//	    kind: free-text
//	    validation: nonEmpty
//	    contextKey: name
//	    next: q2
type Flow struct {
	Greeting      string     `yaml:"greeting"`
	Closing       string     `yaml:"closing"`
	First         string     `yaml:"first"`
	BudgetSeconds int        `yaml:"budgetSeconds"`
	Questions     []Question `yaml:"questions"`

	byID map[string]*Question
}

// Question returns the flow question with the given id, or nil.
func (f *Flow) Question(id string) *Question {
	return f.byID[id]
}

// LoadFlowFile reads and parses a flow YAML file from disk.
func LoadFlowFile(path string) (*Flow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening flow file %q: %w", path, err)
	}
	defer f.Close()

	flow, err := LoadFlowFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing flow file %q: %w", path, err)
	}
	return flow, nil
}

// LoadFlowFromReader parses and validates flow YAML. The reader is
// consumed entirely; the caller closes it.
func LoadFlowFromReader(r io.Reader) (*Flow, error) {
	var flow Flow
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&flow); err != nil {
		return nil, fmt.Errorf("decoding flow yaml: %w", err)
	}
	if err := flow.validate(); err != nil {
		return nil, err
	}
	return &flow, nil
}

func (f *Flow) validate() error {
	if len(f.Questions) == 0 {
		return fmt.Errorf("flow has no questions")
	}
	if f.BudgetSeconds <= 0 {
		f.BudgetSeconds = 300
	}

	f.byID = make(map[string]*Question, len(f.Questions))
	for i := range f.Questions {
		q := &f.Questions[i]
		if q.ID == "" {
			return fmt.Errorf("question %d has no id", i)
		}
		if _, dup := f.byID[q.ID]; dup {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		if q.Prompt == "" {
			return fmt.Errorf("question %s has no prompt", q.ID)
		}
		switch q.Kind {
		case KindFreeText, KindMultipleChoice, KindYesNo:
		case "":
			q.Kind = KindFreeText
		default:
			return fmt.Errorf("question %s has unknown kind %q", q.ID, q.Kind)
		}
		switch q.Validation {
		case "", ValidateNone, ValidateNonEmpty:
		case ValidateIntegerInRange:
			if q.Min >= q.Max {
				return fmt.Errorf("question %s range [%d,%d] is empty", q.ID, q.Min, q.Max)
			}
		default:
			return fmt.Errorf("question %s has unknown validation %q", q.ID, q.Validation)
		}
		f.byID[q.ID] = q
	}

	if f.First == "" {
		f.First = f.Questions[0].ID
	}
	if f.byID[f.First] == nil {
		return fmt.Errorf("first question %q does not exist", f.First)
	}
	for i := range f.Questions {
		q := &f.Questions[i]
		switch q.Next {
		case "", NextEnd, NextDynamic:
		default:
			if f.byID[q.Next] == nil {
				return fmt.Errorf("question %s points at unknown next %q", q.ID, q.Next)
			}
		}
	}
	return nil
}

// slotRe matches {{slot}} placeholders in prompt templates.
var slotRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// renderPrompt substitutes populated context slots into a template.
// Unpopulated placeholders render as empty text.
func renderPrompt(template string, slots map[string]string) string {
	out := slotRe.ReplaceAllStringFunc(template, func(m string) string {
		key := slotRe.FindStringSubmatch(m)[1]
		return slots[key]
	})
	// Collapse doubled spaces left by empty substitutions.
	return strings.Join(strings.Fields(out), " ")
}

// slotRefs lists the slot names a template references.
func slotRefs(template string) []string {
	var refs []string
	for _, m := range slotRe.FindAllStringSubmatch(template, -1) {
		refs = append(refs, m[1])
	}
	return refs
}
