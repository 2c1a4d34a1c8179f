package marketfeeds

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/internal/marketdata"
)

// Publisher delivers normalized records to wherever the fan-out server
// ingests them.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// BridgePublisher hands records straight to an in-process bridge.
type BridgePublisher struct {
	updater marketdata.Updater
}

func NewBridgePublisher(updater marketdata.Updater) *BridgePublisher {
	return &BridgePublisher{updater: updater}
}

func (p *BridgePublisher) Publish(ctx context.Context, payload []byte) error {
	p.updater.Update(ctx, string(payload))
	return nil
}

func (p *BridgePublisher) Close() error { return nil }

// UDPPublisher sends one datagram per record to a UDP inlet.
type UDPPublisher struct {
	conn net.Conn
}

// NewUDPPublisher connects a UDP socket to target.
func NewUDPPublisher(target string) (*UDPPublisher, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, fmt.Errorf("connect udp publisher to %s: %w", target, err)
	}
	return &UDPPublisher{conn: conn}, nil
}

func (p *UDPPublisher) Publish(_ context.Context, payload []byte) error {
	if len(payload) > marketdata.MaxDatagramSize {
		return fmt.Errorf("record of %d bytes exceeds datagram limit %d", len(payload), marketdata.MaxDatagramSize)
	}
	_, err := p.conn.Write(payload)
	return err
}

func (p *UDPPublisher) Close() error { return p.conn.Close() }

// NewPublisher builds the publisher selected by cfg.Feed.Sink. The redis and
// kafka sinks reuse the broker settings of the matching inlet.
func NewPublisher(ctx context.Context, cfg *config.Config, updater marketdata.Updater, logger *zap.Logger) (Publisher, error) {
	switch cfg.Feed.Sink {
	case "", "bridge":
		if updater == nil {
			return nil, fmt.Errorf("bridge sink needs an in-process bridge")
		}
		return NewBridgePublisher(updater), nil
	case "udp":
		p, err := NewUDPPublisher(cfg.Feed.Target)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "redis":
		p, err := marketdata.NewRedisPubSub(ctx, cfg.Ingest.Redis, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "kafka":
		p, err := marketdata.NewKafkaPubSub(ctx, cfg.Ingest.Kafka, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown feed sink %q", cfg.Feed.Sink)
	}
}
