package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rl1809/purchase-engine/internal/app"
	"github.com/rl1809/purchase-engine/internal/config"
	"github.com/rl1809/purchase-engine/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("application run failed: %v", err)
		os.Exit(1)
	}
	log.Println("application stopped gracefully")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Printf("Configuration loaded: %v", cfg)

	l := logger.New(os.Stdout, cfg.Log.Level)
	slog.SetDefault(l)

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}
