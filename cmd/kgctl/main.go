package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/logger/console"
)

func main() {
	util.LoadEnv()
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
