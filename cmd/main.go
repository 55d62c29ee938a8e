package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"video-chunk-pipeline/internal/app"
	"video-chunk-pipeline/internal/config"
	"video-chunk-pipeline/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		log.Info("Shutting down...")
		cancel()
	}()

	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("Pipeline stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
