package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/pkg/metrics"
)

// MaxDatagramSize bounds one ingested value; larger datagrams are truncated.
const MaxDatagramSize = 1500

// UDPInlet treats each received datagram as one complete value.
type UDPInlet struct {
	conn    net.PacketConn
	updater Updater
	logger  *zap.Logger
}

// NewUDPInlet binds addr.
func NewUDPInlet(addr string, updater Updater, logger *zap.Logger) (*UDPInlet, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp inlet %s: %w", addr, err)
	}
	return &UDPInlet{
		conn:    conn,
		updater: updater,
		logger:  logger.Named("udp_inlet").With(zap.Stringer("addr", conn.LocalAddr())),
	}, nil
}

func (u *UDPInlet) Name() string { return "udp" }

// Addr is the bound address.
func (u *UDPInlet) Addr() net.Addr { return u.conn.LocalAddr() }

func (u *UDPInlet) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = u.conn.Close() })
	defer stop()
	defer u.conn.Close()

	u.logger.Info("inlet started")
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := u.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				u.logger.Info("inlet stopped")
				return nil
			}
			metrics.IngestErrors.WithLabelValues("udp").Inc()
			u.logger.Warn("receive failed", zap.Error(err))
			continue
		}
		if ce := u.logger.Check(zap.DebugLevel, "datagram received"); ce != nil {
			ce.Write(zap.Stringer("from", from), zap.Int("bytes", n))
		}
		u.updater.Update(ctx, string(buf[:n]))
	}
}

func (u *UDPInlet) Close() error { return u.conn.Close() }
