// Package ws serves market channels to WebSocket clients. Every client is
// driven by one actor that races its broadcast tick against inbound frames.
package ws

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/marketdata"
	"github.com/Aidin1998/tickercast/pkg/metrics"
)

// Transport is the subset of *websocket.Conn an actor needs.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnectionState represents the lifecycle state of a client connection
type ConnectionState int32

const (
	StateActive ConnectionState = iota
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseCause records why an actor terminated.
type CloseCause string

const (
	CauseSend     CloseCause = "send"
	CauseReceive  CloseCause = "receive"
	CauseShutdown CloseCause = "shutdown"
)

// Connection is one accepted client. Its subscription set only grows.
type Connection struct {
	id          string
	transport   Transport
	connectedAt time.Time
	state       atomic.Int32

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

// NewConnection wraps an accepted transport.
func NewConnection(id string, transport Transport, connectedAt time.Time) *Connection {
	return &Connection{
		id:            id,
		transport:     transport,
		connectedAt:   connectedAt,
		subscriptions: make(map[string]struct{}),
	}
}

func (c *Connection) ID() string             { return c.id }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Subscribe adds channel and reports whether it was new.
func (c *Connection) Subscribe(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channel]; ok {
		return false
	}
	c.subscriptions[channel] = struct{}{}
	return true
}

func (c *Connection) Subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Subscriptions returns the subscribed channel ids, sorted.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ActorConfig holds per-connection timing.
type ActorConfig struct {
	TickInterval time.Duration
	WriteTimeout time.Duration
	// PingInterval and PongTimeout enable keep-alive when both are non-zero.
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultActorConfig mirrors the configuration defaults.
func DefaultActorConfig() ActorConfig {
	return ActorConfig{
		TickInterval:   time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   54 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 512,
	}
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Actor owns a connection from registration until termination. Only the
// actor loop writes to the transport.
type Actor struct {
	conn      *Connection
	registry  *Registry
	channels  []marketdata.ChannelDefinition
	catalog   *marketdata.Catalog
	snapshots marketdata.SnapshotReader
	clock     clockwork.Clock
	cfg       ActorConfig
	logger    *zap.Logger
}

// NewActor prepares an actor for a connection already present in registry.
func NewActor(
	conn *Connection,
	registry *Registry,
	catalog *marketdata.Catalog,
	snapshots marketdata.SnapshotReader,
	clock clockwork.Clock,
	cfg ActorConfig,
	logger *zap.Logger,
) *Actor {
	return &Actor{
		conn:      conn,
		registry:  registry,
		channels:  catalog.Definitions(),
		catalog:   catalog,
		snapshots: snapshots,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("conn_id", conn.ID())),
	}
}

// Run drives the connection until a send fails, the peer goes away or ctx
// is cancelled. The connection is unregistered and closed before Run returns.
func (a *Actor) Run(ctx context.Context) CloseCause {
	transport := a.conn.transport
	transport.SetReadLimit(a.cfg.MaxMessageSize)
	keepAlive := a.cfg.PingInterval > 0 && a.cfg.PongTimeout > 0
	if keepAlive {
		_ = transport.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
		transport.SetPongHandler(func(string) error {
			return transport.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
		})
	}

	inbound := make(chan inboundFrame)
	done := make(chan struct{})
	var reader sync.WaitGroup
	reader.Add(1)
	go func() {
		defer reader.Done()
		a.readLoop(inbound, done)
	}()

	cause := a.loop(ctx, inbound, keepAlive)

	close(done)
	a.terminate(cause)
	reader.Wait()
	return cause
}

func (a *Actor) loop(ctx context.Context, inbound <-chan inboundFrame, keepAlive bool) CloseCause {
	ticker := a.clock.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	var pings <-chan time.Time
	if keepAlive {
		pinger := a.clock.NewTicker(a.cfg.PingInterval)
		defer pinger.Stop()
		pings = pinger.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			a.sayGoodbye()
			return CauseShutdown

		case <-ticker.Chan():
			if err := a.broadcast(); err != nil {
				a.logger.Debug("send failed", zap.Error(err))
				return CauseSend
			}

		case frame := <-inbound:
			if frame.err != nil {
				if websocket.IsUnexpectedCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					a.logger.Debug("receive failed", zap.Error(frame.err))
				}
				return CauseReceive
			}
			a.handle(frame)

		case <-pings:
			if err := a.write(websocket.PingMessage, nil); err != nil {
				a.logger.Debug("ping failed", zap.Error(err))
				return CauseSend
			}
		}
	}
}

// readLoop only reads; handing a frame over blocks until the actor takes it
// or has stopped.
func (a *Actor) readLoop(inbound chan<- inboundFrame, done <-chan struct{}) {
	for {
		messageType, data, err := a.conn.transport.ReadMessage()
		select {
		case inbound <- inboundFrame{messageType: messageType, data: data, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handle subscribes on an exact channel id match and ignores everything else.
func (a *Actor) handle(frame inboundFrame) {
	if frame.messageType != websocket.TextMessage {
		a.logger.Debug("ignoring non-text frame", zap.Int("type", frame.messageType))
		return
	}
	id := string(frame.data)
	if _, ok := a.catalog.Lookup(id); !ok {
		a.logger.Debug("ignoring unknown channel", zap.String("message", id))
		return
	}
	a.registry.WithConnection(a.conn.ID(), func(c *Connection) {
		if c != a.conn {
			return
		}
		if c.Subscribe(id) {
			metrics.Subscriptions.WithLabelValues(id).Inc()
			a.logger.Debug("subscribed", zap.String("channel", id))
		}
	})
}

// broadcast sends one envelope per subscribed channel, in catalog order,
// all computed from a single snapshot read.
func (a *Actor) broadcast() error {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	snap := a.snapshots.Get()
	now := a.clock.Now()
	for _, def := range a.channels {
		if !a.conn.Subscribed(def.ID) {
			continue
		}
		frame, err := a.catalog.Envelope(def, snap, now)
		if err != nil {
			a.logger.Error("envelope encoding failed", zap.String("channel", def.ID), zap.Error(err))
			continue
		}
		if err := a.write(websocket.TextMessage, frame); err != nil {
			return err
		}
		metrics.FramesSent.WithLabelValues(def.ID).Inc()
	}
	return nil
}

func (a *Actor) write(messageType int, data []byte) error {
	transport := a.conn.transport
	if err := transport.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err != nil {
		return err
	}
	return transport.WriteMessage(messageType, data)
}

func (a *Actor) sayGoodbye() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = a.write(websocket.CloseMessage, msg)
}

func (a *Actor) terminate(cause CloseCause) {
	a.registry.Remove(a.conn)
	a.conn.state.Store(int32(StateClosed))
	_ = a.conn.transport.Close()
	metrics.ConnectionsClosed.WithLabelValues(string(cause)).Inc()
	a.logger.Debug("connection closed", zap.String("cause", string(cause)))
}
