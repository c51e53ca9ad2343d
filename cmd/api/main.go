package main

import (
	"context"
	_ "embed"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/voice-receptionist/cmd/mainconfig"
	"github.com/wolfman30/voice-receptionist/internal/api/router"
	appconfig "github.com/wolfman30/voice-receptionist/internal/config"
	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/voice-receptionist/internal/http/middleware"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/realtime"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/internal/telephony"
	"github.com/wolfman30/voice-receptionist/internal/understanding"
	"github.com/wolfman30/voice-receptionist/internal/webchat"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

//go:embed widget.js
var widgetJS []byte

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voice receptionist",
		"env", cfg.Env,
		"port", cfg.Port,
		"max_sessions", cfg.MaxConcurrentSessions,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("receptionist exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("receptionist stopped")
}

func run(cfg *appconfig.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsHandler, sessionMetrics, hubMetrics := setupMetrics()
	hub := realtime.NewHub(realtime.Config{
		HeartbeatInterval: cfg.HubHeartbeatInterval,
		SendBuffer:        cfg.HubSendBuffer,
	}, logger, realtime.WithMetrics(hubMetrics))

	var awsCfg *aws.Config
	if cfg.BedrockModelID != "" || cfg.ArchiveBucket != "" || cfg.SessionEventsQueueURL != "" {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return err
		}
		awsCfg = &loaded
	}

	rdb := connectRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}
	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool != nil {
		defer pool.Close()
	}
	st := buildStores(rdb, pool, awsCfg, cfg, logger)

	responder, closeResponder := understanding.FromConfig(ctx, cfg, awsCfg, logger)
	defer closeResponder()
	stt, tts := buildSpeech(cfg, logger)

	relay := webchat.NewRelay(logger)
	publisher := events.Multi{hub, relay}

	pipelineOpts := []pipeline.Option{pipeline.WithPublisher(publisher), pipeline.WithMetrics(sessionMetrics)}
	if stt != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithTranscriber(stt))
	}
	if tts != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithSynthesizer(tts))
	}

	var (
		calls *telephony.Client
		media *telephony.MediaStreams
		sink  = &orchestratorSink{}
	)
	if cfg.TelnyxAPIKey != "" {
		client, err := telephony.NewClient(telephony.Config{
			APIKey:        cfg.TelnyxAPIKey,
			WebhookSecret: cfg.TelnyxSecret,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		calls = client
		var mediaOpts []telephony.MediaOption
		if stt != nil {
			mediaOpts = append(mediaOpts, telephony.WithAudioSink(sink, telephony.SegmenterConfig{}))
		}
		media = telephony.NewMediaStreams(logger, mediaOpts...)
		defer media.Close()
		pipelineOpts = append(pipelineOpts, pipeline.WithCallSignal(telephony.NewCallSignal(calls, media)))
	}

	runner := pipeline.New(responder, pipeline.Config{
		TranscribeTimeout:   cfg.TranscribeTimeout,
		UnderstandTimeout:   cfg.UnderstandTimeout,
		SynthesizeTimeout:   cfg.SynthesizeTimeout,
		TransferTarget:      cfg.HumanTransferTarget,
		EscalationThreshold: cfg.FailureEscalationThreshold,
	}, logger, pipelineOpts...)

	orchOpts := []session.Option{session.WithPublisher(publisher), session.WithMetrics(sessionMetrics)}
	if st.fanout.Len() > 0 {
		orchOpts = append(orchOpts, session.WithPersistence(st.fanout), session.WithCheckpointer(st.fanout))
	}
	orch := session.NewOrchestrator(runner, session.Config{
		MaxSessions:   cfg.MaxConcurrentSessions,
		IdleTimeout:   cfg.SessionIdleTimeout,
		SweepInterval: cfg.SessionSweepInterval,
		TurnQueueSize: cfg.SessionTurnQueueSize,
		Greeting:      cfg.Greeting,
	}, logger, orchOpts...)
	sink.orch.Store(orch)

	chat := webchat.NewHandler(orch, widgetJS, logger)
	relay.Attach(chat)

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	started := time.Now()
	dashboard := realtime.NewWSHandler(hub, logger, cfg.CORSAllowedOrigins).
		WithDashboardSource(handlers.NewDashboardData(orch, hub, started))
	routerCfg := &router.Config{
		Logger:             logger,
		Health:             handlers.Health(orch, hub, started),
		Dashboard:          dashboard,
		Webchat:            chat,
		MetricsHandler:     metricsHandler,
		RateLimiter:        limiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminAuthSecret:    cfg.AdminJWTSecret,
	}
	var (
		summaries handlers.SummaryLookup
		history   handlers.SummaryHistory
	)
	if st.redis != nil {
		summaries = st.redis
	}
	if st.postgres != nil {
		history = st.postgres
	}
	routerCfg.Sessions = handlers.NewSessionsHandler(orch, summaries, history, logger)
	if calls != nil {
		routerCfg.MediaStreams = media
		routerCfg.TelnyxWebhook = telephony.NewWebhookHandler(telephony.WebhookConfig{
			Sessions:              orch,
			Calls:                 calls,
			Processed:             st.processed,
			Logger:                logger,
			StreamURL:             mediaStreamURL(cfg.PublicBaseURL),
			ProviderTranscription: stt == nil,
			SkipSignature:         cfg.TelnyxSecret == "",
		})
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router.New(routerCfg),
		ReadTimeout: 15 * time.Second,
		// Websockets outlive any write timeout; handlers set their own deadlines.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	if st.relay != nil {
		g.Go(func() error { return st.relay.Run(gctx) })
	}
	g.Go(func() error {
		limiter.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// Stop intake first, then end live sessions so their summaries persist.
		srvErr := srv.Shutdown(shutdownCtx)
		orchErr := orch.Shutdown(shutdownCtx)
		hub.Close()
		return errors.Join(srvErr, orchErr)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
