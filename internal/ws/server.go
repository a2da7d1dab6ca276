// Package ws is the WebSocket transport. It authenticates and upgrades
// HTTP requests with gobwas/ws, multiplexes reads through epoll into a
// bounded worker pool, and drains each connection's outbound queue in a
// dedicated writer goroutine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/metrics"
	"github.com/whisper/convo/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string
	WorkerPoolSize  int           // max concurrent read workers
	MaxConnections  int           // hard cap on total connections
	MaxFrameSize    int64         // larger data frames close the connection
	ReadTimeout     time.Duration // bound on reading one frame
	WriteTimeout    time.Duration // bound on writing one frame
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		MaxFrameSize:    64 << 10,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (chat.Identity, error)
}

// Connector is the application side of the connection lifecycle. Connect
// registers an authenticated connection and returns its outbound queue; the
// transport writes everything received on it and closes the socket when it
// is closed. Disconnect is called exactly once per successful Connect.
type Connector interface {
	Connect(ctx context.Context, connID string, id chat.Identity) (<-chan []byte, error)
	Disconnect(connID string)
}

// ConnectLimiter throttles upgrades per remote address.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// MessageFunc handles one inbound data frame.
type MessageFunc func(ctx context.Context, conn *Connection, data []byte)

// Server is the WebSocket server.
type Server struct {
	config     ServerConfig
	auth       Authenticator
	connector  Connector
	onMessage  MessageFunc
	limiter    ConnectLimiter
	heartbeat  HeartbeatConfig
	log        *slog.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHeartbeat overrides the heartbeat settings.
func WithHeartbeat(cfg HeartbeatConfig) Option {
	return func(s *Server) { s.heartbeat = cfg }
}

// WithConnectLimiter throttles upgrades with ratelimit.RuleConnect.
func WithConnectLimiter(l ConnectLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete data frame.
func NewServer(config ServerConfig, auth Authenticator, connector Connector, onMessage MessageFunc, opts ...Option) *Server {
	defaults := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaults.MaxConnections
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = defaults.MaxFrameSize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	s := &Server{
		config:     config,
		auth:       auth,
		connector:  connector,
		onMessage:  onMessage,
		heartbeat:  DefaultHeartbeatConfig(),
		log:        slog.Default(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "ws")

	s.mux.HandleFunc("GET /ws", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

// Handle mounts an additional HTTP handler, e.g. the REST API. It must be
// called before Serve.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.eventLoop()
	go s.runHeartbeat()

	s.log.Info("server listening",
		"addr", ln.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it and hands the
// connection to the Connector. Authentication happens before the upgrade so
// a bad token is a plain 401.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ok, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleConnect); !ok {
			if wait, err := s.limiter.RetryAfter(r.Context(), host, ratelimit.RuleConnect); err == nil && wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(ratelimit.Seconds(wait)))
			}
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	id, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Debug("rejected upgrade", "remote", r.RemoteAddr, "err", err)
		http.Error(w, chat.ReasonOf(err), http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newConnection(uuid.NewString(), id, netConn, s.config.WriteTimeout)

	// The request context ends with the handler; the connection outlives it.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := s.connector.Connect(ctx, c.ID, id)
	if err != nil {
		s.log.Warn("connect rejected", "conn", c.ID, "user", id.UserID, "err", err)
		_ = c.WriteClose(ws.StatusPolicyViolation, chat.ReasonOf(err))
		_ = c.Close()
		return
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go s.writeLoop(c, out)

	if err := s.epoll.Add(netConn); err != nil {
		s.log.Error("epoll add failed", "conn", c.ID, "err", err)
		s.RemoveConnection(c)
		return
	}

	s.log.Info("new connection", "conn", c.ID, "user", id.UserID, "fd", c.Fd, "total", s.conns.Count())
}

// writeLoop drains the outbound queue. A closed queue or a failed write ends
// the connection.
func (s *Server) writeLoop(c *Connection, out <-chan []byte) {
	for data := range out {
		if err := c.WriteMessage(data); err != nil {
			s.log.Info("write failed", "conn", c.ID, "err", err)
			s.RemoveConnection(c)
			return
		}
	}
	_ = c.WriteClose(ws.StatusNormalClosure, "")
	s.RemoveConnection(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// eventLoop hands every readable connection to a worker, bounded by the
// worker pool.
func (s *Server) eventLoop() {
	for {
		ready, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("epoll wait failed", "err", err)
			continue
		}

		for _, conn := range ready {
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}
			go func() {
				defer func() { <-s.workerPool }()
				s.readFrame(conn)
			}()
		}
	}
}

// readFrame reads one frame from a ready connection. Control frames are
// handled inline; a read error or close frame removes the connection.
func (s *Server) readFrame(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same connection twice.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness report; the heartbeat handles
		// dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		// Pong payloads are discarded so the next frame starts aligned.
		_, _ = io.Copy(io.Discard, reader)
		return
	}
	if header.Length > s.config.MaxFrameSize {
		s.log.Info("frame too large", "conn", c.ID, "size", header.Length)
		_ = c.WriteClose(ws.StatusMessageTooBig, "frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 || s.onMessage == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.onMessage(ctx, c, data)
}

// RemoveConnection tears a connection down. It is safe to call from every
// exit path (read error, close frame, heartbeat, write failure, closed
// queue, shutdown); only the first call notifies the Connector.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	s.connector.Disconnect(c.ID)
	s.log.Info("connection closed", "conn", c.ID, "total", s.conns.Count())
}

// Connections exposes the live connections.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and removes every live one.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info("shutting down")
		close(s.done)

		if s.httpServer != nil {
			sctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
			defer cancel()
			err = s.httpServer.Shutdown(sctx)
		}

		for _, c := range s.conns.All() {
			_ = c.WriteClose(ws.StatusGoingAway, "server shutting down")
			s.RemoveConnection(c)
		}
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info("server stopped")
	})
	return err
}
