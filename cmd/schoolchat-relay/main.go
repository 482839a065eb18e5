// Command schoolchat-relay serves the chat event protocol over WebSocket
// together with the health, room and metrics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"schoolchat/internal/app"
	"schoolchat/internal/config"
	"schoolchat/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("SCHOOLCHAT_CONFIG_FILE"), "JSON config file layered over the environment")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, cfgErr := config.LoadConfigWithPrecedence(configPath)
	logger := logging.New(cfg.Env, cfg.LogLevel, os.Stdout)
	if cfgErr != nil {
		logger.Warn().Err(cfgErr).Str("path", configPath).Msg("config file ignored")
	}

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	logger.Info().
		Str("addr", application.Addr()).
		Str("env", cfg.Env).
		Msg("schoolchat relay listening")

	<-ctx.Done()
	return shutdown(application, logger)
}

func shutdown(application *app.Application, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
