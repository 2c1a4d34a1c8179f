package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/internal/relay"
	"github.com/Aidin1998/tickercast/pkg/logger"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	r, err := relay.New(cfg.Relay, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to start relay", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		zapLogger.Error("relay stopped with error", zap.Error(err))
	}
}
