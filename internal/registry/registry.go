package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dhkim-dev/tickpulse/internal/logging"
	"github.com/dhkim-dev/tickpulse/internal/metrics"
	"github.com/dhkim-dev/tickpulse/internal/protocol"
)

// Kind classifies what a subscription target refers to.
type Kind string

const (
	KindStock  Kind = "stock"
	KindMarket Kind = "market"
)

var (
	// ErrSessionNotFound is returned by Reconnect when no snapshot exists
	// for the previous connection id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrIdentityMismatch is returned by Reconnect when the snapshot's
	// owning identity differs from the supplied one.
	ErrIdentityMismatch = errors.New("identity mismatch")
	// ErrConnectionNotFound is returned by Subscribe/Unsubscribe for an
	// unknown connection id.
	ErrConnectionNotFound = errors.New("connection not found")
)

// Registry owns live client connections, the subscription indices, and
// message delivery. The forward (kind, target) -> connections index and
// each connection's reverse index are mutated together under one lock so
// they never diverge.
type Registry struct {
	clock             clockwork.Clock
	heartbeatInterval time.Duration

	mu              sync.RWMutex
	conns           map[string]*Connection
	forward         map[Kind]map[string]map[string]*Connection
	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
	subscriptions   int

	seqMu   sync.Mutex
	nextSeq uint64

	sessions     *SessionStore
	stopEviction func()
	closeOnce    sync.Once

	statsMu      sync.Mutex
	messagesSent uint64
}

// Stats is the operational snapshot returned by GetStats.
type Stats struct {
	ActiveConnections   int    `json:"active_connections"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
	MessagesSent        uint64 `json:"messages_sent"`
}

// ConnectionInfo is per-connection metadata for diagnostics.
type ConnectionInfo struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id,omitempty"`
	State         string            `json:"state"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
	MessageCount  int64             `json:"message_count"`
	Subscriptions map[Kind][]string `json:"subscriptions"`
}

// New creates a registry. The heartbeat loop starts lazily with the first
// connection; disconnected-session snapshots expire after graceWindow.
func New(clock clockwork.Clock, heartbeatInterval, graceWindow time.Duration) *Registry {
	r := &Registry{
		clock:             clock,
		heartbeatInterval: heartbeatInterval,
		conns:             make(map[string]*Connection),
		forward:           make(map[Kind]map[string]map[string]*Connection),
		sessions:          NewSessionStore(graceWindow, clock),
	}
	r.stopEviction = r.sessions.StartEvictionTimer(graceWindow)
	return r
}

// Connect registers a new connection and returns its identifier.
// Starts the heartbeat loop if this is the first connection.
func (r *Registry) Connect(transport Transport, userID string) string {
	id := uuid.NewString()
	conn := newConnection(id, userID, transport, r.clock.Now())

	r.mu.Lock()
	r.conns[id] = conn
	if len(r.conns) == 1 {
		r.startHeartbeatLocked()
	}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(total))
	slog.Debug("Connection registered", "connection_id", id, "user_id", userID, "total_connections", total)
	return id
}

// Disconnect removes a connection, cascades removal from both subscription
// indices, and snapshots the session for the reconnection grace window.
// Idempotent: unknown ids are a no-op. Stops the heartbeat loop when the
// active set drains.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	snapshot := conn.snapshotSubscriptions()
	r.removeAllSubscriptionsLocked(conn)
	delete(r.conns, id)
	if len(r.conns) == 0 {
		r.stopHeartbeatLocked()
	}
	total := len(r.conns)
	r.mu.Unlock()

	r.sessions.Put(id, conn.UserID(), snapshot)
	conn.close()

	metrics.ActiveConnections.Set(float64(total))
	slog.Debug("Connection removed", "connection_id", id, "total_connections", total)
}

// Subscribe adds (kind, target) for the connection, updating the forward
// and reverse indices together.
func (r *Registry) Subscribe(id string, kind Kind, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}

	targets := r.forward[kind]
	if targets == nil {
		targets = make(map[string]map[string]*Connection)
		r.forward[kind] = targets
	}
	bucket := targets[target]
	if bucket == nil {
		bucket = make(map[string]*Connection)
		targets[target] = bucket
	}
	if _, exists := bucket[id]; exists {
		return nil
	}
	bucket[id] = conn

	set := conn.subscriptions[kind]
	if set == nil {
		set = make(map[string]struct{})
		conn.subscriptions[kind] = set
	}
	set[target] = struct{}{}

	r.subscriptions++
	metrics.ActiveSubscriptions.Set(float64(r.subscriptions))
	return nil
}

// Unsubscribe removes (kind, target) for the connection. Removing the last
// subscriber for a target drops the empty bucket.
func (r *Registry) Unsubscribe(id string, kind Kind, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	r.removeSubscriptionLocked(conn, kind, target)
	return nil
}

// removeSubscriptionLocked deletes one forward and reverse entry pair.
// Caller must hold r.mu.
func (r *Registry) removeSubscriptionLocked(conn *Connection, kind Kind, target string) {
	set := conn.subscriptions[kind]
	if set == nil {
		return
	}
	if _, exists := set[target]; !exists {
		return
	}

	delete(set, target)
	if len(set) == 0 {
		delete(conn.subscriptions, kind)
	}

	if bucket := r.forward[kind][target]; bucket != nil {
		delete(bucket, conn.id)
		if len(bucket) == 0 {
			delete(r.forward[kind], target)
			if len(r.forward[kind]) == 0 {
				delete(r.forward, kind)
			}
		}
	}

	r.subscriptions--
	metrics.ActiveSubscriptions.Set(float64(r.subscriptions))
}

// removeAllSubscriptionsLocked cascades a disconnecting connection out of
// every bucket it belongs to. Caller must hold r.mu.
func (r *Registry) removeAllSubscriptionsLocked(conn *Connection) {
	for kind, targets := range conn.subscriptions {
		for target := range targets {
			r.removeSubscriptionLocked(conn, kind, target)
		}
	}
}

// nextSequence is the single serialization point for sequence assignment.
func (r *Registry) nextSequence() uint64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.nextSeq++
	return r.nextSeq
}

// SendMessage delivers one message to one connection, assigning the next
// global sequence number if the message does not already carry one.
// On transport failure the connection is disconnected and false is
// returned; callers must not assume a failed send leaves the connection
// registered.
func (r *Registry) SendMessage(id string, msg protocol.Outbound) bool {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if msg.SequenceNumber() == 0 {
		msg.SetSequence(r.nextSequence())
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal outbound message", "connection_id", id, "error", err)
		return false
	}

	return r.deliver(conn, data)
}

// deliver writes a frame to a connection and applies the
// auto-disconnect-on-send-failure contract.
func (r *Registry) deliver(conn *Connection, data []byte) bool {
	if err := conn.write(data); err != nil {
		metrics.SendFailuresTotal.Inc()
		slog.Warn("Send failed, disconnecting", "connection_id", conn.id, "error", err)
		r.Disconnect(conn.id)
		return false
	}

	conn.touch(r.clock.Now())
	r.statsMu.Lock()
	r.messagesSent++
	r.statsMu.Unlock()
	metrics.MessagesSentTotal.Inc()
	return true
}

// Broadcast delivers to every active connection not in exclude,
// concurrently, with per-connection failures isolated. Returns the
// delivered count and the connection ids that failed.
func (r *Registry) Broadcast(msg protocol.Outbound, exclude ...string) (int, []string) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for id, conn := range r.conns {
		if _, skip := excluded[id]; skip {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	return r.fanOut(targets, msg)
}

// SendToSubscribers delivers to the subscriber set for (kind, target).
// Zero subscribers is the common case for a sparsely-watched instrument
// and is a silent no-op.
func (r *Registry) SendToSubscribers(kind Kind, target string, msg protocol.Outbound) (int, []string) {
	r.mu.RLock()
	bucket := r.forward[kind][target]
	conns := make([]*Connection, 0, len(bucket))
	for _, conn := range bucket {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		return 0, nil
	}
	return r.fanOut(conns, msg)
}

// SendToUser delivers to every connection owned by userID.
func (r *Registry) SendToUser(userID string, msg protocol.Outbound) (int, []string) {
	if userID == "" {
		return 0, nil
	}

	r.mu.RLock()
	conns := make([]*Connection, 0, 1)
	for _, conn := range r.conns {
		if conn.UserID() == userID {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		return 0, nil
	}
	return r.fanOut(conns, msg)
}

// fanOut delivers one serialized message to many connections concurrently.
// The sequence number is assigned once before fan-out so every recipient
// sees the same envelope.
func (r *Registry) fanOut(conns []*Connection, msg protocol.Outbound) (int, []string) {
	if msg.SequenceNumber() == 0 {
		msg.SetSequence(r.nextSequence())
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal fan-out message", "error", err)
		return 0, nil
	}

	var (
		wg        sync.WaitGroup
		resultMu  sync.Mutex
		delivered int
		failed    []string
	)
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			ok := r.deliver(conn, data)
			resultMu.Lock()
			if ok {
				delivered++
			} else {
				failed = append(failed, conn.id)
			}
			resultMu.Unlock()
		}(conn)
	}
	wg.Wait()

	return delivered, failed
}

// Reconnect re-registers a connection from a disconnected-session snapshot
// under a fresh id, restoring the subscriptions active at disconnect time.
func (r *Registry) Reconnect(transport Transport, oldID, userID string) (string, map[Kind][]string, error) {
	sess, err := r.sessions.Consume(oldID, userID)
	if err != nil {
		metrics.ReconnectsTotal.WithLabelValues("rejected").Inc()
		return "", nil, err
	}

	newID := r.Connect(transport, userID)
	for kind, targets := range sess.Subscriptions {
		for _, target := range targets {
			if err := r.Subscribe(newID, kind, target); err != nil {
				// Only possible if the new connection already vanished.
				metrics.ReconnectsTotal.WithLabelValues("aborted").Inc()
				return "", nil, err
			}
		}
	}

	metrics.ReconnectsTotal.WithLabelValues("restored").Inc()
	slog.Info("Session restored", "old_connection_id", oldID, "connection_id", newID, "user_id", userID)
	return newID, sess.Subscriptions, nil
}

// GetStats returns counters for operational visibility only.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	active := len(r.conns)
	subs := r.subscriptions
	r.mu.RUnlock()

	r.statsMu.Lock()
	sent := r.messagesSent
	r.statsMu.Unlock()

	return Stats{
		ActiveConnections:   active,
		ActiveSubscriptions: subs,
		MessagesSent:        sent,
	}
}

// ListConnections returns per-connection metadata for diagnostics.
func (r *Registry) ListConnections() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, ConnectionInfo{
			ID:            conn.id,
			UserID:        conn.userID,
			State:         conn.State().String(),
			CreatedAt:     conn.createdAt,
			LastActivity:  conn.lastActiveAt(),
			MessageCount:  conn.messageCount.Load(),
			Subscriptions: conn.snapshotSubscriptions(),
		})
	}
	return infos
}

// Sessions exposes the disconnected-session store, mainly for diagnostics.
func (r *Registry) Sessions() *SessionStore {
	return r.sessions
}

// Close disconnects every connection and stops background tasks.
// Idempotent.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
	r.closeOnce.Do(r.stopEviction)
	slog.Info("Registry closed", "disconnected", len(ids))
}

// startHeartbeatLocked launches the shared keepalive loop.
// Caller must hold r.mu.
func (r *Registry) startHeartbeatLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	r.heartbeatCancel = cancel
	r.heartbeatDone = make(chan struct{})
	go r.heartbeatLoop(ctx, r.heartbeatDone)
	slog.Debug("Heartbeat loop started", "interval", r.heartbeatInterval)
}

// stopHeartbeatLocked cancels the keepalive loop. Caller must hold r.mu.
func (r *Registry) stopHeartbeatLocked() {
	if r.heartbeatCancel != nil {
		r.heartbeatCancel()
		r.heartbeatCancel = nil
		slog.Debug("Heartbeat loop stopped")
	}
}

// heartbeatLoop pings every connection on a fixed period. A failed ping
// marks the connection dead and disconnects it; this is the primary
// mechanism for reclaiming resources from clients that vanished without a
// clean close.
func (r *Registry) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := r.clock.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.pingAll()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) pingAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			if err := conn.ping(); err != nil {
				metrics.HeartbeatDisconnectsTotal.Inc()
				logging.WithConnection(conn.id).Info("Heartbeat failed, disconnecting", "error", err)
				r.Disconnect(conn.id)
			}
		}(conn)
	}
	wg.Wait()
}
