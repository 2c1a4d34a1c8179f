// Package relay forwards datagrams from a sink socket to a UDP inlet
// unchanged, decoupling feed producers from the fan-out server's address.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/pkg/metrics"
)

const bufferSize = 1500

type Relay struct {
	sink   net.PacketConn
	stream *net.UDPConn
	logger *zap.Logger
}

// New binds the sink socket and connects the stream socket to the target.
// An empty stream address binds an ephemeral port.
func New(cfg config.RelayConfig, logger *zap.Logger) (*Relay, error) {
	target, err := net.ResolveUDPAddr("udp", cfg.TargetAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve relay target %s: %w", cfg.TargetAddr, err)
	}
	var local *net.UDPAddr
	if cfg.StreamAddr != "" {
		if local, err = net.ResolveUDPAddr("udp", cfg.StreamAddr); err != nil {
			return nil, fmt.Errorf("resolve relay stream %s: %w", cfg.StreamAddr, err)
		}
	}

	sink, err := net.ListenPacket("udp", cfg.SinkAddr)
	if err != nil {
		return nil, fmt.Errorf("bind relay sink %s: %w", cfg.SinkAddr, err)
	}
	stream, err := net.DialUDP("udp", local, target)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("connect relay stream to %s: %w", cfg.TargetAddr, err)
	}

	return &Relay{
		sink:   sink,
		stream: stream,
		logger: logger.Named("relay").With(
			zap.Stringer("sink", sink.LocalAddr()),
			zap.Stringer("target", target),
		),
	}, nil
}

// SinkAddr is the address producers should send to.
func (r *Relay) SinkAddr() net.Addr { return r.sink.LocalAddr() }

// Run forwards until ctx is cancelled. Receive and send errors are logged
// and the datagram is dropped.
func (r *Relay) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.sink.Close() })
	defer stop()
	defer r.stream.Close()
	defer r.sink.Close()

	r.logger.Info("relay started")
	buf := make([]byte, bufferSize)
	for {
		n, _, err := r.sink.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.logger.Info("relay stopped")
				return nil
			}
			metrics.RelayDatagrams.WithLabelValues("receive_error").Inc()
			r.logger.Warn("couldn't receive a datagram", zap.Error(err))
			continue
		}
		if _, err := r.stream.Write(buf[:n]); err != nil {
			metrics.RelayDatagrams.WithLabelValues("send_error").Inc()
			r.logger.Warn("couldn't forward a datagram", zap.Int("bytes", n), zap.Error(err))
			continue
		}
		metrics.RelayDatagrams.WithLabelValues("forwarded").Inc()
	}
}
