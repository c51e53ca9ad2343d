package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/voice-receptionist/internal/config"
	"github.com/wolfman30/voice-receptionist/internal/observability/metrics"
	"github.com/wolfman30/voice-receptionist/internal/persistence"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/internal/speech"
	"github.com/wolfman30/voice-receptionist/internal/telephony"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

func setupMetrics() (http.Handler, *metrics.SessionMetrics, *metrics.HubMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewSessionMetrics(reg), metrics.NewHubMetrics(reg)
}

func connectPostgresPool(ctx context.Context, dbURL string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(dbURL) == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

func connectRedis(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err, "addr", cfg.RedisAddr)
		_ = client.Close()
		return nil
	}
	return client
}

// stores is the durable side of the receptionist. Every field is optional.
type stores struct {
	fanout    *persistence.Fanout
	redis     *persistence.RedisStore
	postgres  *persistence.PostgresStore
	processed telephony.ProcessedStore
	// relay drains the notification outbox when Postgres backs the queue.
	relay *persistence.OutboxRelay
}

func buildStores(rdb *redis.Client, pool *pgxpool.Pool, awsCfg *aws.Config, cfg *appconfig.Config, logger *logging.Logger) stores {
	s := stores{fanout: persistence.NewFanout()}
	if rdb != nil {
		s.redis = persistence.NewRedisStore(rdb, 0)
		s.fanout.Add("redis", s.redis)
		s.processed = s.redis
	}
	if pool != nil {
		s.postgres = persistence.NewPostgresStore(pool)
		s.fanout.Add("postgres", s.postgres)
		if s.processed == nil {
			s.processed = s.postgres
		}
	}
	if awsCfg != nil && cfg.ArchiveBucket != "" {
		s.fanout.Add("s3", persistence.NewS3Archiver(s3.NewFromConfig(*awsCfg), cfg.ArchiveBucket, logger))
	}
	if awsCfg != nil && cfg.SessionEventsQueueURL != "" {
		notifier := persistence.NewSQSNotifier(sqs.NewFromConfig(*awsCfg), cfg.SessionEventsQueueURL)
		if pool != nil {
			outbox := persistence.NewOutbox(pool)
			s.fanout.Add("outbox", outbox)
			s.relay = persistence.NewOutboxRelay(outbox, notifier, logger)
		} else {
			s.fanout.Add("sqs", notifier)
		}
	}
	return s
}

func buildSpeech(cfg *appconfig.Config, logger *logging.Logger) (pipeline.Transcriber, pipeline.Synthesizer) {
	var (
		stt pipeline.Transcriber
		tts pipeline.Synthesizer
	)
	if cfg.DeepgramAPIKey != "" {
		dg, err := speech.NewDeepgramTranscriber(speech.DeepgramConfig{APIKey: cfg.DeepgramAPIKey, Model: cfg.DeepgramModel})
		if err != nil {
			logger.Warn("deepgram unavailable", "error", err)
		} else {
			stt = speech.NewRetryingTranscriber(dg, logger)
		}
	}
	if cfg.ElevenLabsAPIKey != "" {
		el, err := speech.NewElevenLabsSynthesizer(speech.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			VoiceID:      cfg.ElevenLabsVoiceID,
			ModelID:      cfg.ElevenLabsModelID,
			OutputFormat: cfg.ElevenLabsFormat,
		})
		if err != nil {
			logger.Warn("elevenlabs unavailable", "error", err)
		} else {
			tts = el
		}
	}
	return stt, tts
}

// mediaStreamURL turns the public base URL into the wss address Telnyx
// forks call audio to.
func mediaStreamURL(base string) string {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/telephony/media"
	return u.String()
}

// orchestratorSink breaks the construction cycle between media streams,
// which feed audio to the orchestrator, and the pipeline, which speaks
// through media streams.
type orchestratorSink struct {
	orch atomic.Pointer[session.Orchestrator]
}

func (s *orchestratorSink) OnInboundAudio(ctx context.Context, id string, chunk []byte) (session.TurnResult, error) {
	o := s.orch.Load()
	if o == nil {
		return session.TurnResult{}, session.ErrShuttingDown
	}
	return o.OnInboundAudio(ctx, id, chunk)
}
