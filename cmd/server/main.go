package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/barokg/backend/internal/config"
	"github.com/barokg/backend/internal/engine"
	"github.com/barokg/backend/internal/queue"
	"github.com/barokg/backend/internal/server"
	mid "github.com/barokg/backend/internal/server/middleware"
	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/logger/console"
	"github.com/barokg/backend/pkg/scheduler"

	"github.com/MicahParks/keyfunc/v3"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var notifier scheduler.Notifier
	if cfg.RabbitMQ.Enabled() {
		conn := queue.Init(cfg.RabbitMQ)
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open channel", "err", err)
		}
		defer ch.Close()
		if err := queue.SetupQueues(ch, queue.Queues); err != nil {
			logger.Fatal("Failed to declare queues", "err", err)
		}
		notifier = queue.NewGraphNotifier(ch)
	}

	eng, err := engine.Build(ctx, cfg, notifier)
	if err != nil {
		logger.Fatal("Failed to build engine", "err", err)
	}
	defer eng.Close()

	app := &mid.App{
		Store:          eng.Store,
		Scheduler:      eng.Scheduler,
		Writer:         eng.Writer,
		Metrics:        eng.Metrics,
		MasterAPIKey:   cfg.Auth.MasterAPIKey,
		MasterUserID:   cfg.Auth.MasterUserID,
		MasterUserRole: cfg.Auth.MasterUserRole,
	}
	if cfg.Auth.URL != "" {
		k, err := keyfunc.NewDefault([]string{cfg.Auth.URL + "/jwks"})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		app.Key = k
	}

	// with a broker the worker owns the interval loop
	if !cfg.RabbitMQ.Enabled() {
		go func() {
			if err := eng.Scheduler.Start(ctx); err != nil {
				logger.Error("Scheduler stopped", "err", err)
			}
		}()
	}

	if err := server.Run(ctx, server.New(app), cfg.Port); err != nil {
		logger.Error("Server stopped", "err", err)
	}

	eng.Scheduler.Cancel()
	eng.Scheduler.Wait()
	logger.Info("Shutdown complete")
}
