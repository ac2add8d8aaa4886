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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/app"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/archive"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/chat"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/completion"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/dispatch"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/prompts"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/ratelimit"
	pkgredis "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/redis"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook, the pipeline and the link dispatcher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting extraction relay",
		"port", cfg.Server.Port,
		"provider", cfg.Completion.Provider,
		"prompt", cfg.Pipeline.PromptName,
		"kafka", cfg.Kafka.Enabled,
		"postgres", cfg.Postgres.Enabled,
	)

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}
	checker := health.NewChecker()

	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()
	checker.Register("redis", health.PingCheck(redisClient.Ping))

	var storeOpts []store.Option
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		arch := archive.New(pg)
		if err := arch.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating archive: %w", err)
		}
		storeOpts = append(storeOpts, store.WithArchiver(arch))
		checker.Register("postgres", health.PingCheck(pg.Ping))
	}
	recordStore := store.New(redisClient, cfg.Redis.KeyTTL, m, storeOpts...)

	registry, err := prompts.Load(cfg.Prompts.Dir)
	if err != nil {
		return fmt.Errorf("loading prompts: %w", err)
	}
	completer, err := completion.New(ctx, cfg.Completion, m)
	if err != nil {
		return fmt.Errorf("creating completion backend: %w", err)
	}

	var sender pipeline.Sender = chat.NewLogSender()
	var dispatcher app.Runner
	if cfg.Kafka.Enabled {
		topics := cfg.Kafka.Topics
		if err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers, topics.ChatInbound, topics.ChatOutbound, topics.LinkTasks); err != nil {
			slog.Warn("could not ensure kafka topics", "error", err)
		}
		outbound := kafka.NewProducer(cfg.Kafka, topics.ChatOutbound)
		defer outbound.Close()
		sender = chat.NewKafkaSender(outbound)
		checker.Register("kafka", health.PingCheck(func(ctx context.Context) error {
			return kafka.Ping(ctx, cfg.Kafka.Brokers)
		}))

		if cfg.Dispatch.Enabled {
			tasks := kafka.NewProducer(cfg.Kafka, topics.LinkTasks)
			defer tasks.Close()
			dispatcher = dispatch.New(recordStore, tasks, cfg.Dispatch.Interval, cfg.Dispatch.BatchSize, m)
		}
	}

	relay, err := app.New(app.Deps{
		Store:       recordStore,
		Completer:   completer,
		Prompts:     registry,
		Sender:      sender,
		Dispatcher:  dispatcher,
		Metrics:     m,
		Model:       cfg.Completion.Model,
		Temperature: cfg.Completion.Temperature,
	}, cfg.Pipeline)
	if err != nil {
		return err
	}
	capacity := relay.Capacity()
	checker.Register("input_queue", health.QueueCheck(func() int { return relay.Depths()["input"] }, capacity["input"]))
	checker.Register("output_queue", health.QueueCheck(func() int { return relay.Depths()["output"] }, capacity["output"]))

	intakeCfg := chat.IntakeConfig{
		AckText:   cfg.Pipeline.AckMessage,
		StartText: cfg.Chat.StartMessage,
	}
	if cfg.Chat.RateBurst > 0 {
		limiter := ratelimit.New(cfg.Chat.RateBurst, cfg.Chat.RateWindow)
		defer limiter.Close()
		intakeCfg.Limiter = limiter
	}
	intake := chat.NewIntake(relay, sender, intakeCfg)

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/webhook", chat.NewWebhookHandler(intake, cfg.Chat.WebhookSecret))
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: middleware.Chain(mux,
			middleware.RequestID,
			middleware.Timeout(cfg.Server.RequestTimeout),
			middleware.Metrics(m),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// The pipeline outlives the signal so Stop can shut it down in order.
	relay.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ChatInbound, chat.NewKafkaSource(intake).Handle)
		g.Go(func() error { return consumer.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown failed", "error", err)
		}
		return relay.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("extraction relay stopped")
	return nil
}
