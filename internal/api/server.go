// Package api exposes the HTTP surface: the authenticated client API,
// the key issuance endpoint, the provider webhook endpoints and the
// signed temp-audio fetch.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/memoora/storycall/internal/api/middleware"
	"github.com/memoora/storycall/internal/audio"
	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/config"
	"github.com/memoora/storycall/internal/credential"
	"github.com/memoora/storycall/internal/dialog"
	"github.com/memoora/storycall/internal/recording"
	"github.com/memoora/storycall/internal/registry"
	"github.com/memoora/storycall/internal/telephony"
	"github.com/memoora/storycall/internal/turn"
)

// sayVoice is the provider built-in voice used when no pre-synthesized
// audio is available for a prompt.
const sayVoice = "alice"

// Dialer is the slice of the telephony adapter call placement needs.
type Dialer interface {
	PlaceCall(ctx context.Context, req telephony.PlacementRequest) (*telephony.Placement, error)
	EndCall(ctx context.Context, providerSID string) error
}

// Capabilities reports which optional integrations are configured, for
// the health endpoint.
type Capabilities struct {
	Synthesis     bool `json:"synthesis"`
	Recognition   bool `json:"recognition"`
	Reasoning     bool `json:"reasoning"`
	Notifications bool `json:"notifications"`
}

// Server wires the services into an HTTP handler.
type Server struct {
	cfg       *config.Config
	creds     *credential.Service
	registry  *registry.Registry
	dialer    Dialer
	engine    *dialog.Engine
	processor *turn.Processor
	fetcher   *recording.Fetcher
	audio     *audio.Store
	caps      Capabilities
	clk       clock.Clock
	logger    *slog.Logger
	startedAt time.Time
	metrics   http.Handler

	issuanceLimiter *middleware.IPRateLimiter
	webhookLimiter  *middleware.IPRateLimiter
}

// SetMetricsHandler mounts a prometheus scrape handler at /metrics. Call
// before Routes; a nil handler leaves the endpoint unregistered.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// NewServer creates the HTTP server facade over the assembled services.
func NewServer(cfg *config.Config, creds *credential.Service, reg *registry.Registry,
	dialer Dialer, engine *dialog.Engine, processor *turn.Processor,
	fetcher *recording.Fetcher, audioStore *audio.Store, caps Capabilities,
	clk clock.Clock, logger *slog.Logger) *Server {

	return &Server{
		cfg:             cfg,
		creds:           creds,
		registry:        reg,
		dialer:          dialer,
		engine:          engine,
		processor:       processor,
		fetcher:         fetcher,
		audio:           audioStore,
		caps:            caps,
		clk:             clk,
		logger:          logger.With("subsystem", "api"),
		startedAt:       clk.Now(),
		issuanceLimiter: middleware.NewIPRateLimiter(middleware.IssuanceRateLimitConfig()),
		webhookLimiter:  middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig()),
	}
}

// Routes builds the router with the full middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.CORS(s.cfg.CORSOriginList()))

	r.Get("/health", s.handleHealth)
	r.Get("/audio/{filename}", s.handleAudio)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// Key issuance is unauthenticated by nature and throttled hard.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.issuanceLimiter))
		r.Post("/generate-api-key", s.handleGenerateKey)
	})

	// Provider webhooks carry no API key; they are throttled per IP and
	// always acknowledged so the provider never retries into a failure.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.webhookLimiter))
		r.Post("/voice", s.handleVoice)
		r.Post("/voice-interactive", s.handleVoiceInteractive)
		r.Post("/call-status", s.handleCallStatus)
		r.Post("/handle-recording", s.handleRecordingComplete)
	})

	// Authenticated client API.
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.creds))
		r.Post("/call", s.handleStartCall)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{callID}", s.handleGetCall)
		r.Post("/calls/{callID}/cancel", s.handleCancelCall)
		r.Get("/recordings", s.handleListRecordings)
		r.Get("/recordings/{filename}", s.handleGetRecording)
		r.Get("/stats", s.handleStats)
		r.Post("/keys/{keyID}/revoke", s.handleRevokeKey)
	})

	return r
}

// Close stops the background rate-limiter cleanup goroutines.
func (s *Server) Close() {
	s.issuanceLimiter.Stop()
	s.webhookLimiter.Stop()
}

// webhookURL builds the absolute URL the provider calls back on.
func (s *Server) webhookURL(path string) string {
	return s.cfg.PublicBaseURL + path
}

// handleHealth reports liveness and which integrations are configured.
// It is unauthenticated so load balancers can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status        string       `json:"status"`
		Time          time.Time    `json:"time"`
		UptimeSeconds int64        `json:"uptimeSeconds"`
		Capabilities  Capabilities `json:"capabilities"`
	}{
		Status:        "ok",
		Time:          s.clk.Now().UTC(),
		UptimeSeconds: int64(s.clk.Now().Sub(s.startedAt).Seconds()),
		Capabilities:  s.caps,
	})
}
