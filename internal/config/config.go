package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Storycall server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	HTTPPort      int
	PublicBaseURL string // externally reachable base URL registered with the telephony provider
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
	CORSOrigins   string

	// Credential issuance policy.
	AllowedDomains string // comma-separated email domain allowlist; empty allows all
	BlockedDomains string // comma-separated email domain blocklist

	// Telephony provider credentials and caller-identity policy.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioAPIBase    string // override of the provider API base URL
	TwilioFromNumber string // owned E.164 number used as caller id and alpha-label fallback
	UseAlphaLabel    bool
	AlphaLabel       string

	// AI service credentials and toggles.
	OpenAIAPIKey     string
	ReasoningModel   string
	RecognitionModel string
	SynthesisVoice   string
	SynthesisEnabled bool

	// Upstream notification target.
	UpstreamURL       string // base URL of the application backend
	UpstreamSecret    string // shared secret for HMAC signing and x-api-key
	UpstreamAccountID string // optional x-account-id header value

	// Limits.
	MaxRecordingSeconds int
	RecordingMaxDays    int // recordings older than this are deleted; 0 keeps forever
	MaxCallsPerHour     int
	MaxCallsPerDay      int
	MaxCallsPerMonth    int
	TurnWorkers         int

	// FlowFile is the path to the question-flow YAML definition.
	FlowFile string

	// TimeZone is the IANA zone used for calendar-window rollover.
	TimeZone string

	// AudioTokenSecret signs short-lived URLs for temp synthesized audio.
	// Hex-encoded 32 bytes; auto-generated when empty.
	AudioTokenSecret string
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultReasoningModel   = "gpt-4o-mini"
	defaultRecognitionModel = "whisper-1"
	defaultSynthesisVoice   = "alloy"
	defaultMaxRecordingSecs = 60
	defaultMaxCallsPerHour  = 10
	defaultMaxCallsPerDay   = 50
	defaultMaxCallsPerMonth = 1000
	defaultTurnWorkers      = 16
	defaultFlowFile         = "./flows/story.yaml"
	defaultTimeZone         = "Local"
)

// envPrefix is the prefix for all Storycall environment variables.
const envPrefix = "STORYCALL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("storycall", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and recordings")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", "", "externally reachable base URL for provider webhooks (e.g. https://calls.example.com)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.AllowedDomains, "allowed-domains", "", "comma-separated email domain allowlist for key issuance (empty allows all)")
	fs.StringVar(&cfg.BlockedDomains, "blocked-domains", "", "comma-separated email domain blocklist for key issuance")
	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "telephony provider account SID")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "telephony provider auth token")
	fs.StringVar(&cfg.TwilioAPIBase, "twilio-api-base", "", "override of the provider API base URL (testing)")
	fs.StringVar(&cfg.TwilioFromNumber, "twilio-from-number", "", "owned E.164 number used as caller id and alpha-label fallback")
	fs.BoolVar(&cfg.UseAlphaLabel, "use-alpha-label", false, "attempt to present an alphanumeric caller id")
	fs.StringVar(&cfg.AlphaLabel, "alpha-label", "", "alphanumeric caller id label (max 11 chars)")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key for synthesis, recognition and reasoning")
	fs.StringVar(&cfg.ReasoningModel, "reasoning-model", defaultReasoningModel, "chat model used for answer analysis")
	fs.StringVar(&cfg.RecognitionModel, "recognition-model", defaultRecognitionModel, "transcription model")
	fs.StringVar(&cfg.SynthesisVoice, "synthesis-voice", defaultSynthesisVoice, "text-to-speech voice")
	fs.BoolVar(&cfg.SynthesisEnabled, "synthesis-enabled", true, "pre-render question audio with text-to-speech")
	fs.StringVar(&cfg.UpstreamURL, "upstream-url", "", "base URL of the application backend for recording notifications")
	fs.StringVar(&cfg.UpstreamSecret, "upstream-secret", "", "shared secret for signing upstream notifications")
	fs.StringVar(&cfg.UpstreamAccountID, "upstream-account-id", "", "optional account id sent with upstream notifications")
	fs.IntVar(&cfg.MaxRecordingSeconds, "max-recording-seconds", defaultMaxRecordingSecs, "maximum length of a single answer recording")
	fs.IntVar(&cfg.RecordingMaxDays, "recording-max-days", 0, "delete stored recordings older than this many days (0 keeps forever)")
	fs.IntVar(&cfg.MaxCallsPerHour, "max-calls-per-hour", defaultMaxCallsPerHour, "default per-key hourly call limit")
	fs.IntVar(&cfg.MaxCallsPerDay, "max-calls-per-day", defaultMaxCallsPerDay, "default per-key daily call limit")
	fs.IntVar(&cfg.MaxCallsPerMonth, "max-calls-per-month", defaultMaxCallsPerMonth, "default per-key monthly call limit")
	fs.IntVar(&cfg.TurnWorkers, "turn-workers", defaultTurnWorkers, "maximum concurrent turn-processing tasks")
	fs.StringVar(&cfg.FlowFile, "flow-file", defaultFlowFile, "path to the question-flow YAML definition")
	fs.StringVar(&cfg.TimeZone, "time-zone", defaultTimeZone, "IANA time zone for calendar-window rollover")
	fs.StringVar(&cfg.AudioTokenSecret, "audio-token-secret", "", "hex-encoded 32-byte secret for signing temp audio URLs (auto-generated if empty)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command
	// line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. The env var name is the flag name
// upper-cased with dashes replaced by underscores, under the STORYCALL_
// prefix. This preserves the precedence: CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring invalid env override", "env", envVar, "error", err)
		}
	})
}

// validate checks that the config values are sane and that everything the
// service cannot run without is present.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
		return fmt.Errorf("twilio-account-sid and twilio-auth-token are required")
	}
	if c.TwilioFromNumber == "" {
		return fmt.Errorf("twilio-from-number is required")
	}
	if !strings.HasPrefix(c.TwilioFromNumber, "+") {
		return fmt.Errorf("twilio-from-number must be in E.164 format, got %q", c.TwilioFromNumber)
	}

	if c.PublicBaseURL == "" {
		return fmt.Errorf("public-base-url is required so the provider can reach the webhook endpoints")
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("public-base-url must be an absolute URL, got %q", c.PublicBaseURL)
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")

	if c.UseAlphaLabel {
		if c.AlphaLabel == "" {
			return fmt.Errorf("alpha-label is required when use-alpha-label is set")
		}
		if len(c.AlphaLabel) > 11 {
			return fmt.Errorf("alpha-label must be at most 11 characters, got %d", len(c.AlphaLabel))
		}
	}

	if c.UpstreamURL != "" && c.UpstreamSecret == "" {
		return fmt.Errorf("upstream-secret is required when upstream-url is set")
	}

	if c.MaxRecordingSeconds < 1 {
		return fmt.Errorf("max-recording-seconds must be positive, got %d", c.MaxRecordingSeconds)
	}
	if c.MaxCallsPerHour < 1 || c.MaxCallsPerDay < 1 || c.MaxCallsPerMonth < 1 {
		return fmt.Errorf("per-window call limits must be positive")
	}
	if c.TurnWorkers < 1 {
		return fmt.Errorf("turn-workers must be positive, got %d", c.TurnWorkers)
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("time-zone: %w", err)
	}

	return nil
}

// SlogLevel maps the configured log level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || strings.EqualFold(c.TimeZone, "Local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeZone)
}

// RecordingsDir is the directory completed answer recordings are stored in.
func (c *Config) RecordingsDir() string {
	return filepath.Join(c.DataDir, "recordings")
}

// TempAudioDir is the directory pre-rendered question audio is staged in.
func (c *Config) TempAudioDir() string {
	return filepath.Join(c.DataDir, "tmp-audio")
}

// CORSOriginList returns the parsed CORS origin allowlist.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AllowedDomainList returns the parsed email domain allowlist.
func (c *Config) AllowedDomainList() []string {
	return splitDomains(c.AllowedDomains)
}

// BlockedDomainList returns the parsed email domain blocklist.
func (c *Config) BlockedDomainList() []string {
	return splitDomains(c.BlockedDomains)
}

func splitDomains(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AudioTokenSecretBytes returns the decoded audio URL signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) AudioTokenSecretBytes() ([]byte, error) {
	if c.AudioTokenSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating audio token secret: %w", err)
		}
		c.AudioTokenSecret = hex.EncodeToString(key)
		return key, nil
	}
	key, err := hex.DecodeString(c.AudioTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding audio token secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("audio token secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// NotificationsEnabled reports whether upstream recording notifications are
// configured.
func (c *Config) NotificationsEnabled() bool {
	return c.UpstreamURL != ""
}
