package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memoora/storycall/internal/ai"
	"github.com/memoora/storycall/internal/ai/openai"
	"github.com/memoora/storycall/internal/api"
	"github.com/memoora/storycall/internal/audio"
	"github.com/memoora/storycall/internal/clock"
	"github.com/memoora/storycall/internal/config"
	"github.com/memoora/storycall/internal/credential"
	"github.com/memoora/storycall/internal/database"
	"github.com/memoora/storycall/internal/dialog"
	"github.com/memoora/storycall/internal/metrics"
	"github.com/memoora/storycall/internal/notify"
	"github.com/memoora/storycall/internal/recording"
	"github.com/memoora/storycall/internal/registry"
	"github.com/memoora/storycall/internal/telephony"
	"github.com/memoora/storycall/internal/turn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting storycall",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"public_base_url", cfg.PublicBaseURL,
	)

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid time zone", "error", err)
		os.Exit(1)
	}
	clk := clock.New(loc)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	creds := credential.NewService(
		database.NewCredentialRepository(db), clk, loc,
		cfg.AllowedDomainList(), cfg.BlockedDomainList(),
		credential.Limits{
			PerHour:  cfg.MaxCallsPerHour,
			PerDay:   cfg.MaxCallsPerDay,
			PerMonth: cfg.MaxCallsPerMonth,
		},
		logger,
	)

	callRepo := database.NewCallRepository(db)
	reg := registry.New(callRepo, clk, logger)
	reg.StartSweeper(appCtx, 10*time.Second)

	// Load the declarative question flow for interactive calls.
	flow, err := dialog.LoadFlowFile(cfg.FlowFile)
	if err != nil {
		slog.Error("failed to load question flow", "file", cfg.FlowFile, "error", err)
		os.Exit(1)
	}
	engine := dialog.NewEngine(flow, clk, dialog.DefaultScoringWeights(), logger)
	engine.StartSweeper(appCtx, time.Minute)
	slog.Info("question flow loaded", "file", cfg.FlowFile, "questions", len(flow.Questions))

	adapter := telephony.New(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioAPIBase, logger)

	fetcher, err := recording.NewFetcher(adapter, cfg.RecordingsDir(), clk, logger)
	if err != nil {
		slog.Error("failed to create recording fetcher", "error", err)
		os.Exit(1)
	}
	fetcher.StartCleanupTicker(appCtx, time.Hour, time.Duration(cfg.RecordingMaxDays)*24*time.Hour)

	// One OpenAI client backs all three AI capabilities. With no API key
	// it reports unavailable and the pipeline degrades gracefully.
	aiClient := openai.New(openai.Config{
		APIKey:         cfg.OpenAIAPIKey,
		ReasoningModel: cfg.ReasoningModel,
		WhisperModel:   cfg.RecognitionModel,
		Voice:          cfg.SynthesisVoice,
	})
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("no openai api key configured, interactive calls will degrade to static prompts")
	}

	audioSecret, err := cfg.AudioTokenSecretBytes()
	if err != nil {
		slog.Error("invalid audio token secret", "error", err)
		os.Exit(1)
	}
	var synth ai.Synthesis
	if cfg.SynthesisEnabled {
		synth = aiClient
	}
	audioStore, err := audio.NewStore(synth, cfg.TempAudioDir(), cfg.PublicBaseURL, audioSecret, clk, logger)
	if err != nil {
		slog.Error("failed to create audio store", "error", err)
		os.Exit(1)
	}
	audioStore.StartCleanupTicker(appCtx, time.Minute)

	// Upstream notification publisher; delivery reports flow back into
	// the call registry.
	var publisher *notify.Publisher
	if cfg.NotificationsEnabled() {
		publisher = notify.NewPublisher(notify.Config{
			UpstreamURL: cfg.UpstreamURL,
			Secret:      cfg.UpstreamSecret,
			AccountID:   cfg.UpstreamAccountID,
		}, clk, logger, func(ev notify.Event, err error) {
			if err != nil {
				return
			}
			if err := reg.SetNotified(context.Background(), ev.CallID); err != nil {
				slog.Warn("marking call notified failed", "call_id", ev.CallID, "error", err)
			}
		})
		go publisher.Run(appCtx)
	} else {
		slog.Warn("no upstream url configured, recording notifications disabled")
	}

	processor := turn.New(reg, engine, fetcher, aiClient, aiClient, audioStore,
		publisher, cfg.TurnWorkers, clk, logger)

	server := api.NewServer(cfg, creds, reg, adapter, engine, processor, fetcher,
		audioStore, api.Capabilities{
			Synthesis:     cfg.SynthesisEnabled && cfg.OpenAIAPIKey != "",
			Recognition:   cfg.OpenAIAPIKey != "",
			Reasoning:     cfg.OpenAIAPIKey != "",
			Notifications: cfg.NotificationsEnabled(),
		}, clk, logger)
	defer server.Close()

	// Prometheus scrape endpoint backed by a collector that queries the
	// services at scrape time.
	var queueDepth metrics.QueueDepthProvider
	if publisher != nil {
		queueDepth = publisher
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(callRepo, callRepo, engine, queueDepth, clk.Now()))
	server.SetMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      server.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. In-flight turns run on detached
	// contexts and finish on their own.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("storycall stopped")
}
