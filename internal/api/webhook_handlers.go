package api

import (
	"net/http"
	"strconv"

	"github.com/memoora/storycall/internal/database/models"
	"github.com/memoora/storycall/internal/dialog"
	"github.com/memoora/storycall/internal/registry"
	"github.com/memoora/storycall/internal/telephony"
	"github.com/memoora/storycall/internal/turn"
	"github.com/memoora/storycall/internal/twiml"
)

// Prompts spoken when the flow provides nothing better. The provider
// voices these directly.
const (
	defaultGreeting = "Hello! We'd love to hear one of your stories. Please share it after the beep."
	basicClosing    = "Thank you so much for sharing your story. Goodbye!"
)

// silenceTimeoutSeconds ends a recording after this much trailing silence.
const silenceTimeoutSeconds = 5

// pollPauseSeconds is the wait between prompt-handler polls while a turn
// is still being processed.
const pollPauseSeconds = 2

// writeTwiML renders a call-control document. Webhooks always answer
// 200: a failure here would make the provider drop the live call.
func (s *Server) writeTwiML(w http.ResponseWriter, b *twiml.Builder) {
	body, err := b.Render()
	if err != nil {
		s.logger.Error("rendering call-control document failed", "error", err)
		body, _ = twiml.New().Hangup().Render()
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

// handleVoice serves the opening document for a basic (non-interactive)
// call: speak the message, record one answer.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeTwiML(w, twiml.New().Hangup())
		return
	}
	sid := r.FormValue("CallSid")

	call, err := s.registry.GetByProviderSID(r.Context(), sid)
	if err != nil {
		s.logger.Warn("voice webhook for unknown call", "provider_sid", sid, "error", err)
		s.writeTwiML(w, twiml.New().Hangup())
		return
	}
	if err := s.registry.MarkInProgress(r.Context(), sid); err != nil {
		s.logger.Warn("marking call in progress failed", "call_id", call.CallID, "error", err)
	}

	message := call.Question
	if message == "" {
		message = defaultGreeting
	}

	s.writeTwiML(w, twiml.New().
		Say(sayVoice, message).
		Pause(1).
		Record(s.webhookURL("/handle-recording"), s.cfg.MaxRecordingSeconds, silenceTimeoutSeconds))
}

// handleVoiceInteractive serves the next document for an interactive
// call. On the first hit it begins the conversation; afterwards it
// serves whatever the turn processor staged, or polls if the turn is
// still in flight.
func (s *Server) handleVoiceInteractive(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeTwiML(w, twiml.New().Hangup())
		return
	}
	sid := r.FormValue("CallSid")

	call, err := s.registry.GetByProviderSID(r.Context(), sid)
	if err != nil {
		s.logger.Warn("interactive webhook for unknown call", "provider_sid", sid, "error", err)
		s.writeTwiML(w, twiml.New().Hangup())
		return
	}
	if err := s.registry.MarkInProgress(r.Context(), sid); err != nil {
		s.logger.Warn("marking call in progress failed", "call_id", call.CallID, "error", err)
	}

	if action, ok := s.processor.TakeNext(sid); ok {
		s.serveAction(w, sid, action)
		return
	}

	if _, err := s.engine.Current(call.CallID); err == nil {
		// A turn is still being processed; have the provider come back.
		s.writeTwiML(w, twiml.New().
			Pause(pollPauseSeconds).
			Redirect(s.webhookURL("/voice-interactive")))
		return
	}

	// First hit: open the conversation.
	if _, err := s.engine.Begin(call.CallID); err != nil {
		s.logger.Error("beginning conversation failed", "call_id", call.CallID, "error", err)
		s.writeTwiML(w, twiml.New().Say(sayVoice, basicClosing).Hangup())
		return
	}
	prompt, err := s.engine.Prompt(call.CallID)
	if err != nil {
		s.logger.Error("rendering first prompt failed", "call_id", call.CallID, "error", err)
		s.writeTwiML(w, twiml.New().Say(sayVoice, basicClosing).Hangup())
		return
	}

	b := twiml.New()
	if greeting := s.engine.Flow().Greeting; greeting != "" {
		b.Say(sayVoice, greeting).Pause(1)
	}
	s.writeTwiML(w, b.
		Say(sayVoice, prompt).
		Record(s.webhookURL("/handle-recording"), s.cfg.MaxRecordingSeconds, silenceTimeoutSeconds))
}

// serveAction renders a staged turn decision. Pre-synthesized audio is
// preferred; the provider's voice is the fallback.
func (s *Server) serveAction(w http.ResponseWriter, sid string, action dialog.NextAction) {
	b := twiml.New()

	switch action.Kind {
	case dialog.ActionClose:
		text := action.Text
		if text == "" {
			text = s.engine.Flow().Closing
		}
		if text != "" {
			b.Say(sayVoice, text)
		}
		b.Hangup()
	default: // continue or retry
		if url, ok := s.audio.Take(sid); ok {
			b.Play(url)
		} else {
			b.Say(sayVoice, action.Text)
		}
		b.Record(s.webhookURL("/handle-recording"), s.cfg.MaxRecordingSeconds, silenceTimeoutSeconds)
	}
	s.writeTwiML(w, b)
}

// handleCallStatus ingests provider lifecycle callbacks. It always acks:
// a non-2xx would only make the provider hammer the endpoint again.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sid := r.FormValue("CallSid")
	if sid == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	update := registry.StatusUpdate{
		Status: telephony.NormalizeStatus(r.FormValue("CallStatus")),
		At:     s.clk.Now(),
	}
	if d, err := strconv.Atoi(r.FormValue("CallDuration")); err == nil {
		update.DurationSec = &d
	}

	if err := s.registry.UpdateStatus(r.Context(), sid, update); err != nil {
		s.logger.Error("status callback failed", "provider_sid", sid, "error", err)
	}

	terminal := (&models.CallRecord{Status: update.Status}).HasTerminalStatus()
	if terminal {
		if call, err := s.registry.GetByProviderSID(r.Context(), sid); err == nil {
			s.processor.OnCallEnded(sid, call.CallID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecordingComplete receives the provider's recording-complete
// callback, hands the turn to the worker pool and returns the document
// that keeps the call going while the turn is processed.
func (s *Server) handleRecordingComplete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeTwiML(w, twiml.New().Hangup())
		return
	}
	sid := r.FormValue("CallSid")
	mediaURL := r.FormValue("RecordingUrl")
	if sid == "" || mediaURL == "" {
		s.writeTwiML(w, twiml.New().Hangup())
		return
	}

	cb := turn.RecordingCallback{ProviderSID: sid, MediaURL: mediaURL}
	if d, err := strconv.Atoi(r.FormValue("RecordingDuration")); err == nil {
		cb.DurationSec = d
	}

	if err := s.processor.Process(cb); err != nil {
		// Saturation is survivable: the webhook is still acked and the
		// call winds down without this turn.
		s.logger.Warn("turn not scheduled", "provider_sid", sid, "error", err)
	}

	call, err := s.registry.GetByProviderSID(r.Context(), sid)
	if err != nil || call.Kind != models.CallKindInteractive {
		s.writeTwiML(w, twiml.New().Say(sayVoice, basicClosing).Hangup())
		return
	}
	s.writeTwiML(w, twiml.New().
		Pause(1).
		Redirect(s.webhookURL("/voice-interactive")))
}
