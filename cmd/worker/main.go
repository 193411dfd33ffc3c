package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/barokg/backend/internal/config"
	"github.com/barokg/backend/internal/engine"
	"github.com/barokg/backend/internal/queue"
	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}
	if !cfg.RabbitMQ.Enabled() {
		logger.Fatal("The worker needs RABBITMQ_HOST")
	}

	// Init rabbitmq
	conn := queue.Init(cfg.RabbitMQ)
	defer conn.Close()

	// Init rabbitmq queues if not exist
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	eng, err := engine.Build(ctx, cfg, queue.NewGraphNotifier(ch))
	if err != nil {
		logger.Fatal("Failed to build engine", "err", err)
	}
	defer eng.Close()

	go func() {
		if err := eng.Scheduler.Start(ctx); err != nil {
			logger.Error("Scheduler stopped", "err", err)
		}
	}()

	err = queue.Consume(ctx, conn, map[string]queue.Handler{
		queue.UpdateQueue: queue.UpdateHandler(eng.Scheduler),
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("Consumer stopped", "err", err)
	}

	eng.Scheduler.Cancel()
	eng.Scheduler.Wait()
	logger.Info("Shutdown signal received, exiting...")
}
