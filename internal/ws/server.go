// Package ws implements the live-connection layer: it upgrades and
// authenticates WebSocket connections, tracks them and their conversation
// rooms, and fans broadcast events out to room members. It is independent
// of the HTTP request/response lifecycle — a connection outlives the
// request that created it.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/huddle/chat-backend/internal/identity"
	"github.com/huddle/chat-backend/internal/metrics"
	"github.com/huddle/chat-backend/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and the readiness
// poller. It authenticates connections at the handshake, registers them
// for I/O readiness notifications, and dispatches ready connections to a
// bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	rooms        *RoomRegistry
	verifier     identity.Verifier
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection, rooms []string)
	onRoomEmpty  func(conversationID string)
	connectGate  func(ctx context.Context, userID string) error
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
	closeOnce    sync.Once

	// connSlots counts reserved connection slots against MaxConnections.
	// A slot is claimed before the handshake proceeds and released on
	// handshake failure or connection removal, so concurrent upgrades
	// cannot overshoot the ceiling.
	connSlots int64
}

// NewServer creates a Server with the given configuration, identity
// verifier, and message callback. The onMessage function is called from a
// worker goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, verifier identity.Verifier, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		rooms:      NewRoomRegistry(),
		verifier:   verifier,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// bearerToken extracts the handshake credential from the Authorization
// header or, for browser clients that cannot set headers on WebSocket
// upgrades, the "token" query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleUpgrade authenticates and upgrades an HTTP request to a WebSocket
// connection. The connection ceiling is enforced before the upgrade, and
// an invalid credential rejects the connection outright — an
// unauthenticated socket is never admitted.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.reserveSlot() {
		http.Error(w, "connection capacity exceeded", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	id, err := s.verifier.Verify(ctx, bearerToken(r))
	if err != nil {
		cancel()
		s.releaseSlot()
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	if s.connectGate != nil {
		if err := s.connectGate(ctx, id.UserID); err != nil {
			cancel()
			s.releaseSlot()
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}
	cancel()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		s.releaseSlot()
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    id.UserID,
		Role:      id.Role,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.touch()

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		s.releaseSlot()
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	hello, err := protocol.NewServerMessage(protocol.TypeHello, protocol.HelloMsg{UserID: id.UserID})
	if err != nil {
		log.Printf("ws: failed to build hello conn=%s: %v", c.ID, err)
	} else if err := c.WriteMessage(hello); err != nil {
		log.Printf("ws: failed to send hello conn=%s: %v", c.ID, err)
	}

	log.Printf("ws: new connection conn=%s user=%s (total=%d)", c.ID, id.UserID, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection and room counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Rooms:       s.rooms.RoomCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
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
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered readiness.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale readiness
		// dispatch). The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
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

// reserveSlot claims one connection slot against the MaxConnections
// ceiling. The claim happens before any handshake work, so concurrent
// upgrades cannot collectively exceed the limit.
func (s *Server) reserveSlot() bool {
	if atomic.AddInt64(&s.connSlots, 1) > int64(s.config.MaxConnections) {
		atomic.AddInt64(&s.connSlots, -1)
		return false
	}
	return true
}

// releaseSlot returns a reserved connection slot.
func (s *Server) releaseSlot() {
	atomic.AddInt64(&s.connSlots, -1)
}

// SetConnectGate registers a check that runs after a successful
// credential verification but before the upgrade, typically a
// per-identity connection rate limit. A non-nil error rejects the
// handshake with 429.
func (s *Server) SetConnectGate(fn func(ctx context.Context, userID string) error) {
	s.connectGate = fn
}

// SetOnDisconnect registers a callback invoked after a connection is
// removed, with the rooms it had joined at that moment. The callback runs
// after all room memberships are released, so no broadcast can reach the
// dead handle.
func (s *Server) SetOnDisconnect(fn func(conn *Connection, rooms []string)) {
	s.onDisconnect = fn
}

// SetOnRoomEmpty registers a callback invoked when a room loses its last
// local member, so the process can drop its event-bus subscription for
// that conversation.
func (s *Server) SetOnRoomEmpty(fn func(conversationID string)) {
	s.onRoomEmpty = fn
}

// RemoveConnection removes a connection from the poller, the connection
// manager, and every room it joined. It is exported so the heartbeat
// monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	s.releaseSlot()

	joined := c.joinedRooms()
	emptied := s.rooms.LeaveAll(c)
	for _, conversationID := range emptied {
		if s.onRoomEmpty != nil {
			s.onRoomEmpty(conversationID)
		}
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	metrics.RoomsActive.Set(float64(s.rooms.RoomCount()))

	if s.onDisconnect != nil {
		s.onDisconnect(c, joined)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Send writes a WebSocket text frame to a single connection. It is
// goroutine-safe thanks to the per-connection write mutex.
func (s *Server) Send(conn *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = conn.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := conn.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (heartbeat pings).
	_ = conn.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Rooms returns the room registry for room membership operations and
// broadcasts.
func (s *Server) Rooms() *RoomRegistry {
	return s.rooms
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener,
// signals the event loop to exit, releases all room memberships, closes
// every connection, and tears down the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.rooms.LeaveAll(c)
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
