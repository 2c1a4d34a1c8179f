// Package marketfeeds streams Binance 24h tickers, normalizes them and
// publishes the result for the fan-out server to ingest.
package marketfeeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/pkg/metrics"
)

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// BinanceClient keeps one upstream stream alive, reconnecting after
// ReconnectInterval whenever it drops.
type BinanceClient struct {
	url               string
	streams           []string
	reconnectInterval time.Duration
	publisher         Publisher
	dialer            *websocket.Dialer
	clock             clockwork.Clock
	logger            *zap.Logger
	eventLag          metric.Float64Histogram
}

func NewBinanceClient(cfg config.FeedConfig, publisher Publisher, clock clockwork.Clock, logger *zap.Logger) *BinanceClient {
	eventLag, _ := otel.Meter("github.com/Aidin1998/tickercast/internal/marketfeeds").Float64Histogram(
		"feed.event_lag",
		metric.WithDescription("Delay between the exchange event time and its receipt"),
		metric.WithUnit("s"),
	)
	return &BinanceClient{
		url:               cfg.URL,
		streams:           cfg.Streams,
		reconnectInterval: cfg.ReconnectInterval,
		publisher:         publisher,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
		clock:    clock,
		logger:   logger.Named("binance").With(zap.String("url", cfg.URL)),
		eventLag: eventLag,
	}
}

// Run blocks until ctx is cancelled.
func (c *BinanceClient) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info("feed stopped")
			return nil
		}
		c.logger.Warn("upstream session ended, reconnecting",
			zap.Error(err), zap.Duration("retry_in", c.reconnectInterval))

		select {
		case <-ctx.Done():
			c.logger.Info("feed stopped")
			return nil
		case <-c.clock.After(c.reconnectInterval):
		}
	}
}

func (c *BinanceClient) session(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	c.logger.Info("connected", zap.Int("status", resp.StatusCode), zap.Strings("streams", c.streams))

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: c.streams, ID: 1}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handle(ctx, frame)
	}
}

func (c *BinanceClient) handle(ctx context.Context, frame []byte) {
	record, err := ParseTicker(frame)
	switch {
	case errors.Is(err, ErrNotTicker):
		metrics.FeedMessages.WithLabelValues("skipped").Inc()
		return
	case err != nil:
		metrics.FeedMessages.WithLabelValues("malformed").Inc()
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	if record.EventTimeUTC > 0 {
		lag := c.clock.Since(time.UnixMilli(record.EventTimeUTC)).Seconds()
		c.eventLag.Record(ctx, lag, metric.WithAttributes(attribute.String("symbol", record.Symbol)))
	}

	payload, err := json.Marshal(record)
	if err != nil {
		metrics.FeedMessages.WithLabelValues("malformed").Inc()
		c.logger.Error("encode record", zap.Error(err))
		return
	}
	if err := c.publisher.Publish(ctx, payload); err != nil {
		metrics.FeedMessages.WithLabelValues("failed").Inc()
		c.logger.Warn("publish failed", zap.String("symbol", record.Symbol), zap.Error(err))
		return
	}
	metrics.FeedMessages.WithLabelValues("published").Inc()
	if ce := c.logger.Check(zap.DebugLevel, "ticker published"); ce != nil {
		ce.Write(zap.String("symbol", record.Symbol), zap.String("last_price", record.LastPrice.String()))
	}
}
