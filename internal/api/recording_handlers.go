package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memoora/storycall/internal/api/middleware"
	"github.com/memoora/storycall/internal/audio"
	"github.com/memoora/storycall/internal/registry"
)

// recordingView is the client-facing shape of one stored recording.
type recordingView struct {
	CallID          string     `json:"callId"`
	Filename        string     `json:"filename"`
	SizeBytes       int64      `json:"sizeBytes"`
	DurationSeconds *int       `json:"durationSeconds,omitempty"`
	Question        string     `json:"question,omitempty"`
	RecordedAt      *time.Time `json:"recordedAt,omitempty"`
}

// handleListRecordings lists the credential's calls that produced a
// recording, newest first.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	id := middleware.Identity(r.Context())
	if !hasPermission(id, "recordings") {
		writeError(w, http.StatusForbidden, "forbidden", "credential lacks the recordings permission")
		return
	}

	f := listFilter(r)
	calls, total, err := s.registry.ListRecordedByCredential(r.Context(), id.CredentialID, f)
	if err != nil {
		s.logger.Error("listing recordings failed", "key_id", id.KeyID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "call store unavailable")
		return
	}

	views := make([]recordingView, 0, len(calls))
	for i := range calls {
		c := &calls[i]
		v := recordingView{
			CallID:          c.CallID,
			Filename:        c.RecordingFile,
			DurationSeconds: c.DurationSec,
			Question:        c.Question,
			RecordedAt:      c.CompletedAt,
		}
		if c.RecordingSize != nil {
			v.SizeBytes = *c.RecordingSize
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, struct {
		Recordings []recordingView `json:"recordings"`
		Total      int             `json:"total"`
		Limit      int             `json:"limit"`
		Offset     int             `json:"offset"`
	}{Recordings: views, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// handleGetRecording streams one recording the credential owns. Files
// belonging to other credentials are indistinguishable from missing ones.
func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id := middleware.Identity(r.Context())
	if !hasPermission(id, "recordings") {
		writeError(w, http.StatusForbidden, "forbidden", "credential lacks the recordings permission")
		return
	}

	filename := chi.URLParam(r, "filename")
	call, err := s.registry.GetByRecordingFile(r.Context(), id.CredentialID, filename)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown recording")
		return
	}
	if err != nil {
		s.logger.Error("recording lookup failed", "file", filename, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "call store unavailable")
		return
	}

	f, err := s.fetcher.Open(call.RecordingFile)
	if err != nil {
		if os.IsNotExist(err) {
			// The record outlived the file, most likely retention cleanup.
			writeError(w, http.StatusNotFound, "not_found", "recording no longer stored")
			return
		}
		s.logger.Error("opening recording failed", "file", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("stat recording failed", "file", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="`+call.RecordingFile+`"`)
	http.ServeContent(w, r, call.RecordingFile, info.ModTime(), f)
}

// handleAudio serves pre-synthesized prompt audio to the provider. The
// URL carries its own expiring token, so there is no API key here.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	token := r.URL.Query().Get("token")

	f, err := s.audio.Open(filename, token)
	if err != nil {
		if errors.Is(err, audio.ErrInvalidToken) {
			writeError(w, http.StatusForbidden, "forbidden", "invalid or expired audio token")
			return
		}
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "not_found", "audio no longer available")
			return
		}
		s.logger.Error("opening prompt audio failed", "file", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeContent(w, r, filename, info.ModTime(), f)
}
