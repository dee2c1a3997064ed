// Package ws provides the gateway's websocket transport: upgrading and
// authenticating connections on the channel endpoints, multiplexing reads
// through epoll and a bounded worker pool, and evicting dead connections via
// a protocol-level heartbeat.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/glimpse/realtime/internal/identity"
	"github.com/glimpse/realtime/internal/metrics"
	"github.com/glimpse/realtime/internal/presence"
	"github.com/glimpse/realtime/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the websocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for websocket read operations
	WriteTimeout   time.Duration // timeout for websocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the websocket server built on gobwas/ws and Linux epoll. It
// serves both channel endpoints from one listener, authenticates upgrades
// through the identity resolver, and maintains Redis presence for connected
// users. Application behavior is injected through the connect, message, and
// disconnect callbacks.
type Server struct {
	config   ServerConfig
	epoll    *Epoll
	conns    *ConnectionManager
	resolver *identity.Resolver
	presence *presence.Store
	limiter  *ratelimit.Limiter

	workerPool chan struct{} // semaphore limiting concurrent read workers

	onConnect    func(conn *Connection, cameOnline bool)
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection, wentOffline bool)

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. The onMessage callback runs on a worker
// goroutine whenever a complete text frame arrives; frames from one
// connection are read and handled one at a time, which is what preserves
// per-sender event ordering downstream.
func NewServer(config ServerConfig, resolver *identity.Resolver, presenceStore *presence.Store, limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		resolver:   resolver,
		presence:   presenceStore,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is fully
// registered. cameOnline is true when this is the user's first open
// connection anywhere.
func (s *Server) SetOnConnect(fn func(conn *Connection, cameOnline bool)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// for any reason: read error, heartbeat eviction, or graceful close.
// wentOffline is true when this was the user's last open connection.
func (s *Server) SetOnDisconnect(fn func(conn *Connection, wentOffline bool)) {
	s.onDisconnect = fn
}

// Start initializes epoll, mounts the channel endpoints, and begins
// accepting connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll(s.config.WorkerPoolSize)
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/messages/live", s.handleUpgrade(ChannelLive))
	mux.HandleFunc("/messages/typing", s.handleUpgrade(ChannelTyping))
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade returns the upgrade handler for one channel endpoint. The
// caller is authenticated before the upgrade: the token query parameter must
// resolve to an identity deposit, and the source IP must be within the
// connect rate limit.
func (s *Server) handleUpgrade(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.conns.Count() >= s.config.MaxConnections {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if s.limiter != nil {
			if ok, _ := s.limiter.Allow(ctx, clientIP(r), ratelimit.RuleConnect); !ok {
				http.Error(w, "connect rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		who, err := s.resolver.Resolve(ctx, r.URL.Query().Get("token"))
		if err != nil {
			if errors.Is(err, identity.ErrUnknownToken) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			} else {
				log.Printf("ws: identity resolve failed: %v", err)
				http.Error(w, "identity unavailable", http.StatusServiceUnavailable)
			}
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			log.Printf("ws: upgrade failed user=%s: %v", who.UserID, err)
			return
		}

		c := &Connection{
			ID:        uuid.New().String(),
			Conn:      conn,
			Fd:        socketFD(conn),
			Channel:   channel,
			Identity:  *who,
			CreatedAt: time.Now(),
		}
		c.Touch()

		s.conns.Add(c)
		metrics.ConnectionsTotal.Inc()

		cameOnline := false
		if s.presence != nil {
			pctx, pcancel := context.WithTimeout(context.Background(), 3*time.Second)
			cameOnline, err = s.presence.Connect(pctx, c.Identity.UserID)
			pcancel()
			if err != nil {
				log.Printf("ws: presence connect failed session=%s: %v", c.ID, err)
			}
		}

		// The application layer must see the connection before the first
		// frame can arrive, so epoll registration comes last.
		if s.onConnect != nil {
			s.onConnect(c, cameOnline)
		}

		if err := s.epoll.Add(conn); err != nil {
			log.Printf("ws: epoll add failed session=%s: %v", c.ID, err)
			s.RemoveConnection(c)
			return
		}

		log.Printf("ws: new connection session=%s user=%s channel=%s (total=%d)",
			c.ID, c.Identity.UserID, channel, s.conns.Count())
	}
}

// handleHealth responds with the server's health status as JSON, used by
// the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, dispatching each ready
// connection to a worker goroutine bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single websocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive. A failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch); the heartbeat owns dead-connection eviction.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection
// manager, updates presence, and runs the disconnect callback. It is safe to
// call from multiple goroutines racing over the same connection (read error
// vs. heartbeat eviction); only the first caller performs the cleanup.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	wentOffline := false
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		var err error
		wentOffline, err = s.presence.Disconnect(ctx, c.Identity.UserID)
		cancel()
		if err != nil {
			log.Printf("ws: presence disconnect failed session=%s: %v", c.ID, err)
		}
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c, wentOffline)
	}

	log.Printf("ws: connection closed session=%s user=%s (total=%d)",
		c.ID, c.Identity.UserID, s.conns.Count())
}

// SendMessage writes a websocket text frame to the connection identified by
// connID. Goroutine-safe via the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager, used by the heartbeat.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections (clearing their presence), and tears down epoll.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP extracts the caller's IP for the connect rate limit, preferring
// the load balancer's X-Forwarded-For header.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is an interrupted syscall (EINTR), which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
