package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/voicedesk/mediator/pkg/mediator/aiclient"
	"github.com/voicedesk/mediator/pkg/mediator/analytics"
	"github.com/voicedesk/mediator/pkg/mediator/config"
	"github.com/voicedesk/mediator/pkg/mediator/fanout"
	"github.com/voicedesk/mediator/pkg/mediator/httpapi"
	"github.com/voicedesk/mediator/pkg/mediator/manager"
	"github.com/voicedesk/mediator/pkg/mediator/metrics"
	"github.com/voicedesk/mediator/pkg/mediator/server"
	"github.com/voicedesk/mediator/pkg/mediator/session"
	"github.com/voicedesk/mediator/pkg/mediator/store"
)

const voiceSystemPrompt = "You are a patient customer-support voice agent. " +
	"Keep answers short and conversational; expand numbers and abbreviations for speech. " +
	"If the customer asks for a human, say a specialist can join the call."

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.New("voicedesk")

	// Persistence is optional: without DATABASE_URL summaries are computed
	// but not stored.
	var (
		summaryStore  *store.Store
		summaryWriter *store.Writer
		summaryReader httpapi.SummaryReader
	)
	if cfg.DatabaseURL != "" {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st, err := store.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		summaryStore = st
		summaryWriter = store.NewWriter(st, logger)
		summaryReader = st
		defer summaryStore.Close()
	} else {
		logger.Warn("DATABASE_URL not set; summaries will not be persisted")
	}

	collab, err := analytics.NewGeminiCollaborator(ctx, cfg.APIKey, cfg.AnalysisModel, logger)
	if err != nil {
		return err
	}
	dispatcher := analytics.NewDispatcher(collab, cfg.AnalyticsTimeout, cfg.EscalationScore, logger)
	dispatcher.SetOutcomeHook(func(kind analytics.Kind, ok bool) {
		outcome := "ok"
		if !ok {
			outcome = "failed"
		}
		m.AnalyticsTasks.WithLabelValues(string(kind), outcome).Inc()
	})

	fan := fanout.NewRegistry(logger)
	fan.SetDropHook(func(string) { m.SupervisorEventsDropped.Inc() })

	deps := manager.Deps{
		Logger:    logger,
		Fanout:    fan,
		Analytics: dispatcher,
		AIFactory: func(sessionID string) (session.AIBinding, error) {
			binding := aiclient.New(aiclient.Config{
				APIKey:          cfg.APIKey,
				Model:           cfg.VoiceModel,
				SystemPrompt:    voiceSystemPrompt,
				ConnectTimeout:  cfg.ConnectTimeout,
				Debounce:        cfg.TranscriptionDebounce,
				EchoWindow:      cfg.EchoWindow,
				AudioOutboxSize: cfg.AIAudioOutbox,
				OnAudioDrop:     m.AIAudioDropped.Inc,
				Logger:          logger.With("session_id", sessionID),
			})
			go func() {
				if err := binding.Initialize(context.Background()); err != nil {
					logger.Warn("ai binding initialization failed", "session_id", sessionID, "err", err)
				}
			}()
			return binding, nil
		},
		Config: manager.Config{
			MaxSessions:        cfg.MaxSessions,
			MaxSessionDuration: cfg.MaxSessionDuration,
			SummaryTimeout:     cfg.AnalyticsTimeout * 2,
			MaxAudioFrameBytes: cfg.MaxAudioFrameBytes,
			AudioLimits: session.AudioLimits{
				MaxFramesPerSecond: cfg.MaxAudioFPS,
				MaxBytesPerSecond:  cfg.MaxAudioBPS,
				BurstSeconds:       cfg.InboundBurstSeconds,
			},
		},
		OnSessionStart: func() {
			m.SessionsActive.Inc()
			m.SessionsTotal.WithLabelValues("started").Inc()
		},
		OnSessionEnd: func() {
			m.SessionsActive.Dec()
			m.SessionsTotal.WithLabelValues("ended").Inc()
		},
	}
	if summaryWriter != nil {
		deps.Writer = summaryWriter
	}
	mgr := manager.New(deps)

	srv := server.New(cfg, logger, mgr, summaryReader, dispatcher, m)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting voicedesk mediation server",
		"port", cfg.Port,
		"voice_model", cfg.VoiceModel,
		"analysis_model", cfg.AnalysisModel,
		"persistence", cfg.DatabaseURL != "")

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-runCtx.Done():
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Drain: refuse new attaches, end sessions, flush writes, stop HTTP.
	srv.SetDraining()
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if !mgr.Shutdown(graceCtx) {
		logger.Warn("sessions did not drain before the grace period")
	}
	if summaryWriter != nil {
		summaryWriter.Shutdown(graceCtx)
	}
	if err := httpSrv.Shutdown(graceCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	return g.Wait()
}
