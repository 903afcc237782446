package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/api"
	"github.com/nidhogg/fairloop/internal/app"
	"github.com/nidhogg/fairloop/internal/bias"
	"github.com/nidhogg/fairloop/internal/config"
	"github.com/nidhogg/fairloop/internal/events"
	"github.com/nidhogg/fairloop/internal/orchestrator"
	"github.com/nidhogg/fairloop/internal/review"
	"github.com/nidhogg/fairloop/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/fairloop.json"
	}
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("config file not found, using defaults", zap.String("path", cfgPath))
		cfg = config.Default()
	} else if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger = leveled(logger, cfg.Server.LogLevel)
	logger.Info("Starting fairloop...", zap.String("config", cfgPath))

	ctx := context.Background()

	router, err := cfg.Router(logger)
	if err != nil {
		logger.Fatal("failed to build provider router", zap.Error(err))
	}
	agents, err := cfg.Registry(router, logger)
	if err != nil {
		logger.Fatal("failed to build agents", zap.Error(err))
	}
	logger.Info("Agents registered", zap.Strings("ids", agents.IDs()))

	stack, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backends", zap.Error(err))
	}

	var matcher bias.ExemplarMatcher
	if stack.Index != nil {
		matcher = stack.Index
	}
	evaluator, err := bias.NewEvaluator(cfg.Controller.Bias(), stack.Embedder, matcher, logger)
	if err != nil {
		logger.Fatal("failed to build evaluator", zap.Error(err))
	}

	// Review hub
	hub := review.NewHub(logger)
	if sc := cfg.Review.Slack; sc.Enabled {
		hub.Register(review.NewSlackNotifier(sc.BotToken, sc.Channel, logger))
	}
	var discord *review.DiscordNotifier
	if dc := cfg.Review.Discord; dc.Enabled {
		discord, err = review.NewDiscordNotifier(dc.BotToken, dc.Channel, logger)
		if err != nil {
			logger.Warn("Discord unavailable, skipping review channel", zap.Error(err))
		} else {
			hub.Register(discord)
		}
	}

	// Event sinks
	sink := events.NewFanout(logger, events.NewLogSink(logger), events.NewReviewSink(hub))
	var eventLog api.EventLog
	if cfg.Events.RedisStream && stack.Redis != nil {
		stream := events.NewStreamSink(stack.Redis.Client(), cfg.Events.StreamLen, logger)
		sink.Add(stream)
		eventLog = stream
	} else if cfg.Events.RedisStream {
		logger.Warn("Redis unavailable, session events are not replayable")
	}
	if cfg.Events.Metrics {
		metrics, err := events.NewMetricsSink(otel.Meter("github.com/nidhogg/fairloop"))
		if err != nil {
			logger.Warn("failed to create metric instruments", zap.Error(err))
		} else {
			sink.Add(metrics)
		}
	}

	// Session archive
	var pgStore *store.Store
	var archiver orchestrator.Archiver
	var archive api.Archive
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		ps, pgErr := store.New(ctx, dsn, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Server.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore, archiver, archive = ps, ps, ps
		}
	}

	orch, err := orchestrator.New(cfg.Controller.Orchestrator(), orchestrator.Deps{
		Agents:    agents,
		Memory:    stack.Memory,
		Graph:     stack.Graph,
		Evaluator: evaluator,
		Sink:      sink,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}
	manager := orchestrator.NewManager(orch, archiver, logger)

	handler := api.NewHandler(api.Deps{
		Sessions: manager,
		Agents:   agents,
		Memory:   stack.Memory,
		Graph:    stack.Graph,
		Archive:  archive,
		Events:   eventLog,
		Reviews:  hub,
	}, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("fairloop listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down fairloop...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not finish", zap.Error(err))
	}
	if discord != nil {
		_ = discord.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	stack.Close(shutdownCtx)
}

// leveled rebuilds the development logger at level, keeping base when level
// does not parse.
func leveled(base *zap.Logger, level string) *zap.Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		base.Warn("unknown log level, keeping debug", zap.String("level", level))
		return base
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	logger, err := zc.Build()
	if err != nil {
		return base
	}
	return logger
}
