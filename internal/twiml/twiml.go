// Package twiml renders the XML call-control documents the telephony
// provider executes: play or speak a prompt, then record the callee.
package twiml

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Response is the root call-control document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text with the provider's built-in voice.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Play streams a pre-synthesized audio file to the callee.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Pause waits the given number of seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

// Record captures the callee's answer and posts it to Action when done.
type Record struct {
	XMLName     xml.Name `xml:"Record"`
	Action      string   `xml:"action,attr,omitempty"`
	Method      string   `xml:"method,attr,omitempty"`
	MaxLength   int      `xml:"maxLength,attr,omitempty"`
	Timeout     int      `xml:"timeout,attr,omitempty"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
	PlayBeep    bool     `xml:"playBeep,attr"`
}

// Redirect hands call control to another document URL, used to poll for
// the next prompt while a turn is still being processed.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Builder accumulates verbs in order.
type Builder struct {
	verbs []any
}

// New creates an empty document builder.
func New() *Builder {
	return &Builder{}
}

// Say appends a spoken prompt.
func (b *Builder) Say(voice, text string) *Builder {
	b.verbs = append(b.verbs, Say{Voice: voice, Text: text})
	return b
}

// Play appends a pre-synthesized audio prompt.
func (b *Builder) Play(url string) *Builder {
	b.verbs = append(b.verbs, Play{URL: url})
	return b
}

// Pause appends a silence of the given seconds.
func (b *Builder) Pause(seconds int) *Builder {
	b.verbs = append(b.verbs, Pause{Length: seconds})
	return b
}

// Record appends an answer-capture verb posting to action when finished.
func (b *Builder) Record(action string, maxSeconds, silenceTimeout int) *Builder {
	b.verbs = append(b.verbs, Record{
		Action:      action,
		Method:      "POST",
		MaxLength:   maxSeconds,
		Timeout:     silenceTimeout,
		FinishOnKey: "#",
		PlayBeep:    true,
	})
	return b
}

// Redirect appends a POST redirect to another document URL.
func (b *Builder) Redirect(url string) *Builder {
	b.verbs = append(b.verbs, Redirect{Method: "POST", URL: url})
	return b
}

// Hangup appends a hangup verb.
func (b *Builder) Hangup() *Builder {
	b.verbs = append(b.verbs, Hangup{})
	return b
}

// Render serializes the document with the XML declaration the provider
// expects.
func (b *Builder) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	body, err := xml.MarshalIndent(Response{Verbs: b.verbs}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("rendering call-control document: %w", err)
	}
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
