package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Okasha-Arshad/chitchat-backend/internal/server"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/config"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		logger.Error("Failed to build application", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
