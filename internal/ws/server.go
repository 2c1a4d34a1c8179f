package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/internal/marketdata"
	apierrors "github.com/Aidin1998/tickercast/pkg/errors"
	"github.com/Aidin1998/tickercast/pkg/metrics"
)

// Server accepts WebSocket clients and spawns one actor per connection. It
// also serves read-only HTTP endpoints describing the running process.
type Server struct {
	cfg       config.ServerConfig
	actorCfg  ActorConfig
	registry  *Registry
	catalog   *marketdata.Catalog
	register  *marketdata.Register
	clock     clockwork.Clock
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	router    *gin.Engine
	startedAt time.Time

	listener net.Listener

	mu      sync.Mutex
	closing bool
	actors  sync.WaitGroup
}

// NewServer builds the router; nothing is bound until Listen.
func NewServer(
	cfg config.ServerConfig,
	wsCfg config.WSConfig,
	serviceName string,
	catalog *marketdata.Catalog,
	register *marketdata.Register,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg: cfg,
		actorCfg: ActorConfig{
			TickInterval:   wsCfg.TickInterval,
			WriteTimeout:   wsCfg.WriteTimeout,
			PingInterval:   wsCfg.PingInterval,
			PongTimeout:    wsCfg.PongTimeout,
			MaxMessageSize: wsCfg.MaxMessageSize,
		},
		registry:  NewRegistry(wsCfg.RegistryShards),
		catalog:   catalog,
		register:  register,
		clock:     clock,
		logger:    logger.Named("ws"),
		startedAt: clock.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsCfg.ReadBufferSize,
			WriteBufferSize: wsCfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.buildRouter(serviceName)
	return s
}

func (s *Server) buildRouter(serviceName string) *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.CustomRecoveryWithZap(s.logger, true, func(c *gin.Context, recovered interface{}) {
		apierrors.Abort(c, apierrors.NewInternalError(fmt.Sprint(recovered), c.Request.URL.Path))
	}))
	router.Use(otelgin.Middleware(serviceName))

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET(s.cfg.WSPath, s.handleWebSocket)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/snapshot", s.handleSnapshot)
		v1.GET("/channels", s.handleChannels)
		v1.GET("/channels/:id", s.handleChannel)
		v1.GET("/connections", s.handleConnections)
	}
	router.NoRoute(func(c *gin.Context) {
		apierrors.Abort(c, apierrors.NewNotFoundError("no such route", c.Request.URL.Path))
	})
	return router
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Listen binds the configured address. Failing to bind is fatal for the
// process, so callers abort on error.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.logger.Info("listening", zap.Stringer("addr", ln.Addr()), zap.String("ws_path", s.cfg.WSPath))
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then stops accepting,
// lets every actor say goodbye and waits for them to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		// Hijacked connections keep this context, so actors observe shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(s.listener)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", zap.Int("connections", s.registry.Len()))
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutdown: %w", err)
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	cancel()
	s.actors.Wait()

	s.logger.Info("server stopped")
	return serveErr
}

func (s *Server) handleWebSocket(c *gin.Context) {
	transport, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		metrics.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Warn("upgrade failed", zap.String("remote_addr", c.Request.RemoteAddr), zap.Error(err))
		return
	}

	id := c.Request.RemoteAddr
	conn := NewConnection(id, transport, s.clock.Now())

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.reject(transport, websocket.CloseGoingAway, "server shutting down", "shutdown")
		return
	}
	s.actors.Add(1)
	s.mu.Unlock()
	defer s.actors.Done()

	if err := s.registry.Register(conn); err != nil {
		s.logger.Warn("rejecting connection", zap.String("conn_id", id), zap.Error(err))
		s.reject(transport, websocket.ClosePolicyViolation, "duplicate connection", "duplicate")
		return
	}
	metrics.ConnectionsAccepted.Inc()
	s.logger.Debug("connection accepted", zap.String("conn_id", id))

	actor := NewActor(conn, s.registry, s.catalog, s.register, s.clock, s.actorCfg, s.logger)
	actor.Run(c.Request.Context())
}

func (s *Server) reject(transport *websocket.Conn, code int, text, reason string) {
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	deadline := time.Now().Add(s.actorCfg.WriteTimeout)
	_ = transport.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = transport.Close()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.registry.Len(),
		"uptime":      s.clock.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap := s.register.Get()
	if snap.Empty() {
		apierrors.Abort(c, apierrors.NewEmptySnapshotError(c.Request.URL.Path))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"value":      marketdata.SnapshotPayload(snap),
		"updated_at": snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"version":    snap.Version,
	})
}

type channelView struct {
	ID   string `json:"id"`
	Rule string `json:"rule"`
	Code int    `json:"code,omitempty"`
}

func viewOf(def marketdata.ChannelDefinition) channelView {
	return channelView{ID: def.ID, Rule: string(def.Rule), Code: def.Code}
}

func (s *Server) handleChannels(c *gin.Context) {
	defs := s.catalog.Definitions()
	out := make([]channelView, 0, len(defs))
	for _, def := range defs {
		out = append(out, viewOf(def))
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (s *Server) handleChannel(c *gin.Context) {
	id := c.Param("id")
	def, ok := s.catalog.Lookup(id)
	if !ok {
		apierrors.Abort(c, apierrors.NewUnknownChannelError(id, c.Request.URL.Path))
		return
	}
	subscribers := 0
	s.registry.ForEach(func(conn *Connection) {
		if conn.Subscribed(id) {
			subscribers++
		}
	})
	c.JSON(http.StatusOK, gin.H{"channel": viewOf(def), "subscribers": subscribers})
}

type connectionView struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
}

func (s *Server) handleConnections(c *gin.Context) {
	out := []connectionView{}
	s.registry.ForEach(func(conn *Connection) {
		out = append(out, connectionView{
			ID:            conn.ID(),
			State:         conn.State().String(),
			ConnectedAt:   conn.ConnectedAt().UTC(),
			Subscriptions: conn.Subscriptions(),
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{"connections": out, "count": len(out)})
}
