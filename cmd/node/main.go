package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/callbridge/internal/calllog"
	"github.com/openclaw/callbridge/internal/cluster"
	"github.com/openclaw/callbridge/internal/config"
	"github.com/openclaw/callbridge/internal/database"
	"github.com/openclaw/callbridge/internal/events"
	"github.com/openclaw/callbridge/internal/handler"
	"github.com/openclaw/callbridge/internal/jobs"
	"github.com/openclaw/callbridge/internal/match"
	"github.com/openclaw/callbridge/internal/middleware"
	"github.com/openclaw/callbridge/internal/notify"
	"github.com/openclaw/callbridge/internal/queue"
	redisclient "github.com/openclaw/callbridge/internal/redis"
	"github.com/openclaw/callbridge/internal/store"
	"github.com/openclaw/callbridge/internal/webhook"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redisclient.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sharedStore := store.NewRedis(redisClient)
	bus := events.NewBus()
	directory := cluster.NewMapDirectory()
	sender := webhook.NewHTTPSender(config.WebhookTimeout)
	callLogRepo := calllog.NewRepository(db.DB)

	queueManager := queue.NewManager(sharedStore, bus, cfg.QueueCap, cfg.QueueTimeout())
	recentCache := match.NewRecentCache(sharedStore, cfg.RecentMatchTTL())

	coordinator := cluster.NewCoordinator(sharedStore, directory, sender, cfg.NodeID, cfg.LeaderTTL())
	if err := coordinator.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start cluster coordinator")
	}
	defer coordinator.Stop()

	engine := match.NewEngine(match.EngineParams{
		Queue:      queueManager,
		Recent:     recentCache,
		Store:      sharedStore,
		Bus:        bus,
		Leadership: coordinator,
		Broadcast:  coordinator,
		Recorder:   callLogRepo,
		NodeID:     cfg.NodeID,
		Interval:   cfg.MatchInterval(),
		AgeWindow:  cfg.MatchAgeWindow(),
		Grace:      cfg.MatchGrace(),
	})
	engine.Start()
	defer engine.Stop()

	notifier := notify.NewService(coordinator, sharedStore, cfg.NotifyLimitPerMinute)
	bus.Subscribe(notifier)

	sweeper := jobs.NewSweeper(queueManager, callLogRepo, cfg.CallLogRetention(), config.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	api := handler.NewAPI(queueManager, engine, coordinator, directory, callLogRepo)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"nodeId":    cfg.NodeID,
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Mount("/", api.Routes())
	})

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		IdleTimeout: config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Int("nodeId", cfg.NodeID).Msg("starting node")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down node")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("node stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
