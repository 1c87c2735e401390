// Package ws serves the random-chat WebSocket protocol: it authenticates and
// upgrades HTTP connections, reads client frames through epoll readiness
// and a bounded worker pool, dispatches parsed messages to the engine and
// forwards the user's engine events back down the socket.
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/engine"
	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/protocol"
	"github.com/whisper/randomchat/internal/ratelimit"
)

// maxFrameSize caps a single client frame. The largest valid message is a
// 2000-character chat message plus its envelope.
const maxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ServerName     string        // reported in the connected message
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	RequestTimeout time.Duration // budget for the engine call behind one client message
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ServerName:     "randomchat",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// TokenParser resolves the token presented on upgrade to a user id.
type TokenParser interface {
	ParseUserID(token string) (string, error)
}

// Subscriber delivers a user's engine events to this process.
type Subscriber interface {
	SubscribeUser(userID string, handler func(chat.Event)) error
	UnsubscribeUser(userID string) error
}

// Limiter throttles client actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps are the collaborators of a Server. Limiter and Logger are optional.
type Deps struct {
	Engine  *engine.Engine
	Auth    TokenParser
	Events  Subscriber
	Limiter Limiter
	Logger  *zap.Logger
}

// Server is the WebSocket server built on gobwas/ws and epoll. It is an
// http.Handler for the upgrade endpoint; Start runs the read loop and the
// heartbeat.
type Server struct {
	config     ServerConfig
	engine     *engine.Engine
	auth       TokenParser
	events     Subscriber
	limiter    Limiter
	log        *zap.Logger
	poller     *poller
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	workerPool chan struct{} // semaphore limiting concurrent read workers
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. It fails only if the poller cannot be created.
func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	def := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = def.WorkerPoolSize
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = def.MaxConnections
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = def.Heartbeat
	}

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("ws: create poller: %w", err)
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")

	s := &Server{
		config:     config,
		engine:     deps.Engine,
		auth:       deps.Auth,
		events:     deps.Events,
		limiter:    deps.Limiter,
		log:        log,
		poller:     p,
		conns:      NewConnectionManager(),
		dispatcher: NewMessageDispatcher(log),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	s.registerHandlers()
	return s, nil
}

// Start launches the read loop and the heartbeat in the background.
func (s *Server) Start() {
	s.startedAt = time.Now()
	go s.eventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info("websocket server started",
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
}

// Connections returns the registry of live connections.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// ServeHTTP authenticates the request and upgrades it to a WebSocket. The
// token comes from the "token" query parameter or a bearer Authorization
// header. A user may hold one connection; a second attempt gets 409.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	userID, err := s.auth.ParseUserID(requestToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}
	if s.conns.Get(userID) != nil {
		http.Error(w, "already connected", http.StatusConflict)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		Conn:         conn,
		CreatedAt:    now,
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch(now)

	if !s.conns.Add(c) {
		// Lost a race with a concurrent upgrade for the same user.
		if data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: "already_connected", Message: "user already has a connection",
		}); err == nil {
			_ = c.WriteMessage(data)
		}
		_ = conn.Close()
		return
	}
	metrics.ConnectionsTotal.Inc()

	if err := s.events.SubscribeUser(userID, func(ev chat.Event) { s.deliver(c, ev) }); err != nil {
		s.log.Error("subscribe failed", zap.String("user", userID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}
	if err := s.poller.Add(conn); err != nil {
		s.log.Error("poller add failed", zap.String("conn", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	s.dispatcher.reply(c, protocol.TypeConnected, protocol.ConnectedMsg{Server: s.config.ServerName})

	s.log.Debug("connection opened",
		zap.String("conn", c.ID),
		zap.String("user", userID),
		zap.Int("total", s.conns.Count()))
}

// deliver forwards one engine event to the connection.
func (s *Server) deliver(c *Connection, ev chat.Event) {
	data, err := protocol.FromEvent(ev)
	if err != nil {
		s.log.Warn("cannot encode event", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}
	s.dispatcher.send(c, data)
}

// eventLoop hands every ready connection to a worker, bounded by the worker
// pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warn("poll wait failed", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}
			go func(conn net.Conn) {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}(conn)
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are handled in place; a data frame is dispatched. Any read error other
// than a timeout removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report a connection that is already being read.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poller.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.poller.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness report; the heartbeat handles
		// dead peers.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	if header.Length > maxFrameSize {
		s.log.Info("frame too large", zap.String("conn", c.ID), zap.Int64("length", header.Length))
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			c.setWriteDeadline()
			_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(data))
			c.writeMu.Unlock()
		}
		return
	}

	if len(data) == 0 {
		return
	}
	s.dispatcher.Dispatch(c, data)
}

// RemoveConnection tears the connection down: it stops polling it, drops
// the event subscription, tells the engine the user went offline and
// closes the socket. Only the first call for a connection does anything.
func (s *Server) RemoveConnection(c *Connection) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	_ = s.poller.Remove(c.Conn)
	_ = s.events.UnsubscribeUser(c.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	s.engine.Disconnect(ctx, c.UserID)
	cancel()

	if s.conns.Remove(c) {
		metrics.ConnectionsTotal.Dec()
	}

	s.log.Debug("connection closed",
		zap.String("conn", c.ID),
		zap.String("user", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// Shutdown stops the read loop and closes every connection. Users still
// connected are treated as having gone offline.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.log.Info("shutting down websocket server")
		close(s.done)

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = s.poller.Close()

		s.log.Info("websocket server stopped")
	})
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
