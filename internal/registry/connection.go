package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the live client connection owned by a Connection.
// Write and Ping must not be called concurrently; the Connection
// serializes them through its write mutex.
type Transport interface {
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// State is the lifecycle phase of a connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection owns one live transport for its lifetime. The subscription
// set (reverse index) is guarded by the Registry's lock, everything else
// by the connection itself.
type Connection struct {
	id        string
	userID    string
	transport Transport
	createdAt time.Time

	// reverse subscription index: kind -> target set. Guarded by Registry.mu.
	subscriptions map[Kind]map[string]struct{}

	writeMu sync.Mutex

	state        atomic.Int32
	messageCount atomic.Int64

	activityMu   sync.Mutex
	lastActivity time.Time
}

func newConnection(id, userID string, transport Transport, now time.Time) *Connection {
	c := &Connection{
		id:            id,
		userID:        userID,
		transport:     transport,
		createdAt:     now,
		lastActivity:  now,
		subscriptions: make(map[Kind]map[string]struct{}),
	}
	c.state.Store(int32(StateActive))
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// UserID returns the owning user identity, empty for anonymous connections.
func (c *Connection) UserID() string { return c.userID }

// State returns the connection's current lifecycle phase.
func (c *Connection) State() State { return State(c.state.Load()) }

// write delivers a single frame over the transport.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteMessage(data)
}

// ping sends a lightweight keepalive over the transport.
func (c *Connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Ping()
}

// touch records outbound activity after a successful send.
func (c *Connection) touch(now time.Time) {
	c.activityMu.Lock()
	c.lastActivity = now
	c.activityMu.Unlock()
	c.messageCount.Add(1)
}

func (c *Connection) lastActiveAt() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

// close transitions the connection to CLOSED and releases the transport.
// Safe to call more than once.
func (c *Connection) close() {
	if !c.state.CompareAndSwap(int32(StateActive), int32(StateClosed)) {
		return
	}
	_ = c.transport.Close()
}

// snapshotSubscriptions copies the reverse index. Caller must hold Registry.mu.
func (c *Connection) snapshotSubscriptions() map[Kind][]string {
	out := make(map[Kind][]string, len(c.subscriptions))
	for kind, targets := range c.subscriptions {
		list := make([]string, 0, len(targets))
		for target := range targets {
			list = append(list, target)
		}
		out[kind] = list
	}
	return out
}
