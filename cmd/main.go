package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"dps-allocation-webhook/allocator"
	"dps-allocation-webhook/bridge"
	"dps-allocation-webhook/config"
	"dps-allocation-webhook/health"
	"dps-allocation-webhook/metrics"
	"dps-allocation-webhook/queues"
	qpubsub "dps-allocation-webhook/queues/pubsub"
	"dps-allocation-webhook/tracing"
	"dps-allocation-webhook/webhook"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting dps-allocation-webhook version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	policy, err := cfg.PayloadPolicyFor()
	if err != nil {
		log.Fatal().Err(err).Str("policy", cfg.PayloadPolicy).Msg("failed to build payload policy")
	}

	source := allocator.DefaultSource()
	if cfg.RandomSeed != nil {
		log.Warn().Uint64("seed", *cfg.RandomSeed).Msg("using seeded hub selection; do not use in production")
		source = allocator.NewSeededSource(*cfg.RandomSeed)
	}
	evaluator := allocator.NewEvaluator(allocator.WithIndexSource(source), allocator.WithPayloadPolicy(policy))

	if cfg.TraceStdout {
		shutdownTracing, err := tracing.Init("dps-allocation-webhook", version, os.Stdout)
		if err != nil {
			log.Fatal().Err(err).Msg("tracing init failed")
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Error().Err(err).Msg("tracing shutdown failed")
			}
		}()
	}

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var publisher *qpubsub.Publisher
	if cfg.PubsubTopic != "" {
		if cfg.CredentialsFile != "" {
			log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
		} else {
			log.Info().Msg("using default Google credentials (in-cluster or ambient)")
		}
		publisher = qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.PubsubTopic, cfg.CredentialsFile)
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Error().Err(err).Msg("pubsub publisher close failed")
			}
		}()
	}

	// Avoid a typed nil inside the interface when no topic is configured
	var decisions queues.Publisher
	if publisher != nil {
		decisions = publisher
	}

	var serving atomic.Bool
	hook := webhook.New(evaluator, decisions, log.Logger)
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, func() error {
		if !serving.Load() {
			return errors.New("not serving")
		}
		return nil
	})
	mux.Handle("/", hook.Routes())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.HTTPAddr()).Msg("listen failed")
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Str("policy", cfg.PayloadPolicy).Msg("starting allocation webhook server")
		serving.Store(true)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.Subscription != "" {
		controller := bridge.NewController(decisions, evaluator)
		subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.Subscription, cfg.CredentialsFile)
		defer func() {
			if err := subscriber.Close(); err != nil {
				log.Error().Err(err).Msg("pubsub subscriber close failed")
			}
		}()
		go func() {
			log.Info().Str("subscription", cfg.Subscription).Msg("starting subscriber loop")
			if err := subscriber.Start(ctx, controller.Handle); err != nil {
				// Non-recoverable: if we can't receive from Pub/Sub, terminate the process
				log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
			}
		}()
	}

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	serving.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	// Deferred publisher.Close runs after this, so pending decisions are flushed first
	if err := hook.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("pending decision publishes did not finish")
	}
	log.Info().Msg("shutdown complete")
}
