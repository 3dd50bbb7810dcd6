package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single live chat connection with its presence
// metadata and a write mutex for serializing outbound frames. The registry
// owns the connection for its lifetime; the presence tracker only mutates
// the presence fields (Nickname, AvatarURL, LastActive).
type Connection struct {
	ID          string    // connection ID (UUID), unique per process
	Conn        net.Conn  // underlying TCP connection
	RemoteIP    string    // client IP resolved at upgrade time
	Nickname    string    // display name, seeded by the presence tracker
	AvatarURL   string    // avatar, seeded by the presence tracker
	UserID      int64     // authenticated user id, 0 for visitors
	IPSource    string    // geolocation of RemoteIP, resolved asynchronously
	ConnectedAt time.Time // when the connection was established
	LastActive  time.Time // last heartbeat or frame received

	writeMu sync.Mutex // serializes writes to this connection
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is the thread-safe set of live connections, indexed by
// connection ID and by client IP. Add and Remove are atomic with respect to
// Count and Broadcast: an observer never sees a connection counted but
// absent from a broadcast snapshot, or vice versa.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Connection            // conn_id -> Connection
	byIP map[string]map[string]*Connection // ip -> conn_id -> Connection
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Connection),
		byIP: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in both the ID and IP indexes.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	r.byID[conn.ID] = conn
	peers := r.byIP[conn.RemoteIP]
	if peers == nil {
		peers = make(map[string]*Connection)
		r.byIP[conn.RemoteIP] = peers
	}
	peers[conn.ID] = conn
	r.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both indexes. Returns true if the
// connection was found and removed, false if it was already gone.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if peers := r.byIP[conn.RemoteIP]; peers != nil {
			delete(peers, id)
			if len(peers) == 0 {
				delete(r.byIP, conn.RemoteIP)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	conn := r.byID[id]
	r.mu.RUnlock()
	return conn
}

// ByIP returns any live connection for the given IP, or nil if there is
// none. Multiple connections may share one IP; callers that only need to
// know whether the IP is present (recall authorization) can use any of them.
func (r *Registry) ByIP(ip string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.byIP[ip] {
		return conn
	}
	return nil
}

// Count returns the current number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// Broadcast sends a message to all live connections. Errors on individual
// connections are silently ignored; failed connections are cleaned up when
// their read loop fails or the heartbeat evicts them.
func (r *Registry) Broadcast(data []byte) {
	for _, conn := range r.All() {
		_ = conn.WriteMessage(data)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}
