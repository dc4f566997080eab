package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"turnbot/internal/bot"
	"turnbot/internal/config"
	"turnbot/internal/db"
	httpServer "turnbot/internal/http"
	"turnbot/internal/http/handlers"
	"turnbot/internal/logger"
	"turnbot/internal/repository"
	"turnbot/internal/service"
	"turnbot/internal/ws"

	"github.com/gin-gonic/gin"
)

// Version устанавливается при сборке
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	logger.Init(logger.Options{
		Level: cfg.LogLevel,
		JSON:  cfg.JSONLogs(),
		File:  cfg.LogFile,
	})
	defer logger.Close()
	log := logger.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, closeStore := openStore(ctx, cfg)
	cancel()
	defer closeStore()

	api, err := bot.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Fatal("failed to authorize bot", "error", err)
	}
	panel := bot.NewTelegramPanel(api, bot.NewNameCache())

	registry := service.NewGameRegistry(context.Background(), store, panel, service.RegistryOptions{
		ReminderDelay: cfg.ReminderDelay,
	})
	defer registry.Close()

	hub := ws.NewHub()
	registry.OnEvent(hub.Publish)

	// таймеры не переживают рестарт: ставим заново для всех активных игр
	registry.Recover()

	turnBot := bot.NewTurnBot(api, registry, panel)
	go turnBot.Start()
	log.Info("turn bot started", "store", cfg.StoreDriver, "reminder_delay", cfg.ReminderDelay.String())

	var srv *http.Server
	if cfg.HTTPEnabled {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		httpServer.RegisterRoutes(r, handlers.NewHandler(registry, Version), hub, cfg.AllowedOrigin)

		srv = &http.Server{
			Addr:    ":" + cfg.AppPort,
			Handler: r,
		}

		go func() {
			log.Info("server started", "port", cfg.AppPort, "version", Version)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("listen failed", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	// сначала перестаем принимать нажатия, потом гасим таймеры
	turnBot.Stop()
	registry.Close()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("server forced to shutdown", "error", err)
		}
	}

	log.Info("server exited")
}

// openStore выбирает хранилище состояния по STORE_DRIVER
func openStore(ctx context.Context, cfg config.Config) (repository.StateStore, func()) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to postgres", "error", err)
		}
		store := repository.NewPostgresStateRepository(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to prepare schema", "error", err)
		}
		return store, pool.Close

	case config.StoreRedis:
		client, err := db.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal("failed to connect to redis", "error", err)
		}
		return repository.NewRedisStateRepository(client, cfg.RedisKey), func() { _ = client.Close() }

	case config.StoreMemory:
		logger.Warn("memory store selected, state will not survive a restart")
		return repository.NewMemoryStateRepository(), func() {}

	default:
		return repository.NewFileStateRepository(cfg.StateFile), func() {}
	}
}
