package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/pkg/identity"
	"github.com/loomworks/loom/pkg/pubsub"
)

// Connection is one live WebSocket client. Connections are ephemeral:
// created on open, discarded on close, never persisted.
type Connection struct {
	ID          string
	IPAddress   string
	ConnectedAt time.Time

	conn *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	identity      identity.Identity
	lastActivity  time.Time
	subscriptions []*pubsub.Subscription
	conversations map[string]bool
}

// WriteJSON sends one envelope to the socket.
func (c *Connection) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// WriteRaw sends a pre-encoded payload verbatim.
func (c *Connection) WriteRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Authenticated reports whether the connection has presented a valid token.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Identity returns the authenticated caller identity.
func (c *Connection) Identity() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Connection) setIdentity(id identity.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.identity = id
}

func (c *Connection) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns the time of the last inbound message.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) addSubscription(sub *pubsub.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = append(c.subscriptions, sub)
}

// closeSubscriptions unsubscribes all pub/sub channels. Safe to call more
// than once.
func (c *Connection) closeSubscriptions() {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// trackConversation remembers a conversation this socket participates
// in. It reports whether the conversation is newly tracked.
func (c *Connection) trackConversation(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conversations == nil {
		c.conversations = make(map[string]bool)
	}
	if c.conversations[conversationID] {
		return false
	}
	c.conversations[conversationID] = true
	return true
}

func (c *Connection) trackedConversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		out = append(out, id)
	}
	return out
}

// ConnectionRegistry tracks live connections by id.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]*Connection)}
}

// Add registers a connection.
func (r *ConnectionRegistry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
}

// Remove drops a connection from the registry.
func (r *ConnectionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get retrieves a connection by id.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// All returns every live connection.
func (r *ConnectionRegistry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
