package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/internal/marketdata"
	"github.com/Aidin1998/tickercast/internal/marketfeeds"
	"github.com/Aidin1998/tickercast/internal/telemetry"
	"github.com/Aidin1998/tickercast/internal/ws"
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

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, nil)
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	clock := clockwork.NewRealClock()
	catalog, err := marketdata.CatalogFromConfig(cfg.Channels)
	if err != nil {
		zapLogger.Fatal("Invalid channel catalog", zap.Error(err))
	}
	register := marketdata.NewRegister(clock)
	bridge := marketdata.NewBridge(register, zapLogger)

	server := ws.NewServer(cfg.Server, cfg.WS, cfg.Telemetry.ServiceName, catalog, register, clock, zapLogger)
	if err := server.Listen(); err != nil {
		zapLogger.Fatal("Failed to bind listener", zap.Error(err))
	}

	inlets, err := marketdata.NewInlets(ctx, cfg.Ingest, bridge, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to start ingestion", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx) })
	for _, in := range inlets {
		g.Go(func() error { return in.Run(gctx) })
	}

	if cfg.Feed.Enabled {
		publisher, err := marketfeeds.NewPublisher(ctx, cfg, bridge.Inlet("feed"), zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create feed publisher", zap.Error(err))
		}
		client := marketfeeds.NewBinanceClient(cfg.Feed, publisher, clock, zapLogger)
		g.Go(func() error {
			defer publisher.Close()
			return client.Run(gctx)
		})
	}

	zapLogger.Info("tickercast started",
		zap.Stringer("addr", server.Addr()),
		zap.Strings("channels", catalog.IDs()),
		zap.Int("inlets", len(inlets)),
		zap.Bool("feed", cfg.Feed.Enabled))

	runErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(flushCtx); err != nil {
		zapLogger.Warn("Telemetry shutdown failed", zap.Error(err))
	}

	if runErr != nil {
		zapLogger.Fatal("tickercast stopped with error", zap.Error(runErr))
	}
	zapLogger.Info("tickercast exited properly")
}
