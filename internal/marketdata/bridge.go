package marketdata

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/pkg/metrics"
)

const tracerName = "github.com/Aidin1998/tickercast/internal/marketdata"

// Updater accepts raw values destined for the register.
type Updater interface {
	Update(ctx context.Context, value string)
}

// Bridge is the only write path into the register. Values are stored
// verbatim; no validation happens here.
type Bridge struct {
	register *Register
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewBridge wires a bridge in front of register.
func NewBridge(register *Register, logger *zap.Logger) *Bridge {
	return &Bridge{
		register: register,
		logger:   logger.Named("bridge"),
		tracer:   otel.Tracer(tracerName),
	}
}

// Update stores value as the new snapshot.
func (b *Bridge) Update(ctx context.Context, value string) {
	b.update(ctx, "direct", value)
}

// Inlet returns an Updater that attributes its writes to the named inlet.
func (b *Bridge) Inlet(name string) Updater {
	return namedUpdater{bridge: b, name: name}
}

func (b *Bridge) update(ctx context.Context, inlet, value string) {
	_, span := b.tracer.Start(ctx, "ingest.update", trace.WithAttributes(
		attribute.String("inlet", inlet),
		attribute.Int("value.bytes", len(value)),
	))
	defer span.End()

	snap := b.register.Set(value)
	metrics.IngestUpdates.WithLabelValues(inlet).Inc()
	span.SetAttributes(attribute.Int64("snapshot.version", int64(snap.Version)))

	if ce := b.logger.Check(zap.DebugLevel, "snapshot updated"); ce != nil {
		ce.Write(zap.String("inlet", inlet), zap.Uint64("version", snap.Version), zap.Int("bytes", len(value)))
	}
}

type namedUpdater struct {
	bridge *Bridge
	name   string
}

func (u namedUpdater) Update(ctx context.Context, value string) {
	u.bridge.update(ctx, u.name, value)
}
