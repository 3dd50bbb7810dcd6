// Package ws handles WebSocket connection management for the chat gateway:
// upgrading HTTP connections, maintaining the live connection registry, and
// dispatching incoming messages to the application layer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/ConderL/conder-blog-sub001/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	MaxConnections int             // hard cap on total connections
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig // ping interval and stale-eviction timeout
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Handshake carries the client-supplied identity from the upgrade request's
// query string. Empty fields fall back to presence defaults.
type Handshake struct {
	Nickname string
	Avatar   string
	UserID   int64
}

// Server is the WebSocket chat transport built on gobwas/ws. Each accepted
// connection gets its own reader goroutine, which serializes that
// connection's events; different connections are processed concurrently.
type Server struct {
	config       ServerConfig
	registry     *Registry
	onConnect    func(conn *Connection, h Handshake)
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and registry. The
// callbacks are invoked from the connection's reader goroutine: onConnect
// after the connection is registered, onMessage for every complete text
// frame, and onDisconnect after the connection is removed from the registry.
func NewServer(config ServerConfig, registry *Registry) *Server {
	return &Server{
		config:   config,
		registry: registry,
		done:     make(chan struct{}),
	}
}

// SetOnConnect registers the connect callback.
func (s *Server) SetOnConnect(fn func(conn *Connection, h Handshake)) { s.onConnect = fn }

// SetOnMessage registers the message callback.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) { s.onMessage = fn }

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Registry returns the connection registry for external access (broadcast,
// counts).
func (s *Server) Registry() *Registry { return s.registry }

// Start configures the HTTP server and begins accepting WebSocket
// connections. It starts the heartbeat monitor in the background and blocks
// on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the heartbeat monitor to detect and close dead connections.
	hb := s.config.Heartbeat
	if hb.Interval <= 0 {
		hb = DefaultHeartbeatConfig()
	}
	StartHeartbeat(s, hb)

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, registers the connection, and starts its
// reader goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	handshake := parseHandshake(r)
	remoteIP := clientIP(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		RemoteIP:    remoteIP,
		ConnectedAt: now,
		LastActive:  now,
	}

	s.registry.Add(c)
	metrics.OnlineConnections.Set(float64(s.registry.Count()))
	log.Printf("ws: new connection conn=%s ip=%s (total=%d)", c.ID, remoteIP, s.registry.Count())

	if s.onConnect != nil {
		s.onConnect(c, handshake)
	}

	go s.readLoop(c)
}

// readLoop reads frames from one connection until it fails or closes. Each
// connection has exactly one reader, so its messages are handled strictly in
// arrival order. Control frames (ping, pong, close) are handled by wsutil.
func (s *Server) readLoop(c *Connection) {
	for {
		data, op, err := wsutil.ReadClientData(c.Conn)
		if err != nil {
			s.RemoveConnection(c)
			return
		}

		// Any frame proves the connection is alive.
		c.LastActive = time.Now()

		if op != ws.OpText || len(data) == 0 {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// RemoveConnection removes a connection from the registry and closes the
// underlying network connection. It is exported so that the heartbeat
// monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	// Guard: only proceed if the connection was actually in the registry.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.registry.Remove(c.ID) {
		return
	}

	metrics.OnlineConnections.Set(float64(s.registry.Count()))
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.registry.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.registry.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the write deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown performs a graceful shutdown of the server: it stops the HTTP
// listener, signals the heartbeat to exit, and closes all active
// connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.registry.All() {
		s.registry.Remove(c.ID)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// parseHandshake extracts the client-supplied identity from the upgrade
// request's query parameters.
func parseHandshake(r *http.Request) Handshake {
	q := r.URL.Query()
	h := Handshake{
		Nickname: q.Get("nickname"),
		Avatar:   q.Get("avatar"),
	}
	if v := q.Get("userId"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			h.UserID = id
		}
	}
	return h
}

// clientIP resolves the client's IP address, preferring proxy headers over
// the socket peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
