package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/internal/marketfeeds"
	"github.com/Aidin1998/tickercast/pkg/logger"
)

// tickerfeed runs the upstream Binance client on its own and publishes to
// a udp, redis or kafka sink that a tickercast server ingests from.
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

	if cfg.Feed.Sink == "" || cfg.Feed.Sink == "bridge" {
		zapLogger.Fatal("tickerfeed needs an out-of-process sink", zap.String("sink", cfg.Feed.Sink))
	}
	// The feed always runs here, whatever feed.enabled says.
	if err := cfg.ValidateFeed(); err != nil {
		zapLogger.Fatal("Invalid feed configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := marketfeeds.NewPublisher(ctx, cfg, nil, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create feed publisher", zap.Error(err))
	}
	defer publisher.Close()

	client := marketfeeds.NewBinanceClient(cfg.Feed, publisher, clockwork.NewRealClock(), zapLogger)
	zapLogger.Info("tickerfeed started", zap.String("sink", cfg.Feed.Sink), zap.Strings("streams", cfg.Feed.Streams))
	if err := client.Run(ctx); err != nil {
		zapLogger.Error("tickerfeed stopped with error", zap.Error(err))
	}
}
