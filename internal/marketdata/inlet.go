package marketdata

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/config"
)

// Inlet feeds externally produced values into an Updater. Run blocks until
// ctx is cancelled; receive errors are logged and do not stop it.
type Inlet interface {
	Name() string
	Run(ctx context.Context) error
}

// NewInlets acquires every inlet enabled in cfg. On failure the inlets
// already opened are closed before the error is returned.
func NewInlets(ctx context.Context, cfg config.IngestConfig, bridge *Bridge, logger *zap.Logger) ([]Inlet, error) {
	var inlets []Inlet
	fail := func(err error) ([]Inlet, error) {
		for _, in := range inlets {
			if c, ok := in.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
		return nil, err
	}

	if cfg.UDP.Addr != "" {
		in, err := NewUDPInlet(cfg.UDP.Addr, bridge.Inlet("udp"), logger)
		if err != nil {
			return fail(err)
		}
		inlets = append(inlets, in)
	}
	if cfg.Redis.Addr != "" {
		backend, err := NewRedisPubSub(ctx, cfg.Redis, logger)
		if err != nil {
			return fail(err)
		}
		inlets = append(inlets, NewPubSubInlet("redis", backend, bridge.Inlet("redis"), logger))
	}
	if cfg.KafkaEnabled() {
		backend, err := NewKafkaPubSub(ctx, cfg.Kafka, logger)
		if err != nil {
			return fail(err)
		}
		inlets = append(inlets, NewPubSubInlet("kafka", backend, bridge.Inlet("kafka"), logger))
	}
	if cfg.File.Path != "" {
		in, err := NewFileInlet(cfg.File.Path, bridge.Inlet("file"), logger)
		if err != nil {
			return fail(err)
		}
		inlets = append(inlets, in)
	}

	if len(inlets) == 0 {
		logger.Warn("no ingestion inlet configured; snapshot only changes through the embedded feed")
	}
	return inlets, nil
}

// PubSubInlet adapts a broker subscription into an inlet.
type PubSubInlet struct {
	name    string
	backend PubSubBackend
	updater Updater
	logger  *zap.Logger
}

func NewPubSubInlet(name string, backend PubSubBackend, updater Updater, logger *zap.Logger) *PubSubInlet {
	return &PubSubInlet{
		name:    name,
		backend: backend,
		updater: updater,
		logger:  logger.Named(name + "_inlet"),
	}
}

func (p *PubSubInlet) Name() string { return p.name }

func (p *PubSubInlet) Run(ctx context.Context) error {
	defer p.backend.Close()
	p.logger.Info("inlet started")
	err := p.backend.Subscribe(ctx, func(payload []byte) {
		p.updater.Update(ctx, string(payload))
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s inlet: %w", p.name, err)
	}
	p.logger.Info("inlet stopped")
	return nil
}

func (p *PubSubInlet) Close() error { return p.backend.Close() }
