package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhkim-dev/tickpulse/internal/protocol"
)

// fakeTransport records frames and can be told to fail writes or pings.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	pings     int
	closed    bool
	failWrite bool
	failPing  bool
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrite {
		return errors.New("write failed")
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	if t.failPing {
		return errors.New("ping failed")
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sequences(tb testing.TB) []uint64 {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	seqs := make([]uint64, 0, len(t.frames))
	for _, frame := range t.frames {
		var env struct {
			Sequence uint64 `json:"sequence"`
		}
		require.NoError(tb, json.Unmarshal(frame, &env))
		seqs = append(seqs, env.Sequence)
	}
	return seqs
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New(clockwork.NewFakeClock(), 30*time.Second, 2*time.Minute)
	t.Cleanup(reg.Close)
	return reg
}

func TestRegistry_SubscribeRoutesToSubscribers(t *testing.T) {
	reg := newTestRegistry(t)

	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}
	id1 := reg.Connect(tr1, "alice")
	id2 := reg.Connect(tr2, "bob")

	require.NoError(t, reg.Subscribe(id1, KindStock, "005930"))
	require.NoError(t, reg.Subscribe(id2, KindStock, "000660"))

	delivered, failed := reg.SendToSubscribers(KindStock, "005930", &protocol.PriceUpdate{
		Envelope:  protocol.Envelope{Type: protocol.TypePriceUpdate},
		StockCode: "005930",
		Price:     71500,
	})

	assert.Equal(t, 1, delivered)
	assert.Empty(t, failed)
	assert.Equal(t, 1, tr1.frameCount())
	assert.Equal(t, 0, tr2.frameCount())
}

func TestRegistry_SubscribeUnknownConnection(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Subscribe("missing", KindStock, "005930")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{}
	id := reg.Connect(tr, "")

	require.NoError(t, reg.Subscribe(id, KindStock, "005930"))
	require.NoError(t, reg.Subscribe(id, KindStock, "005930"))

	assert.Equal(t, 1, reg.GetStats().ActiveSubscriptions)

	delivered, _ := reg.SendToSubscribers(KindStock, "005930", protocol.NewPong())
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, tr.frameCount())
}

func TestRegistry_UnsubscribeRemovesRouting(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{}
	id := reg.Connect(tr, "")
	require.NoError(t, reg.Subscribe(id, KindStock, "005930"))
	require.NoError(t, reg.Unsubscribe(id, KindStock, "005930"))

	delivered, _ := reg.SendToSubscribers(KindStock, "005930", protocol.NewPong())
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, reg.GetStats().ActiveSubscriptions)
}

func TestRegistry_UnsubscribeNeverSubscribed(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{}
	id := reg.Connect(tr, "")

	// No-op, not an error
	require.NoError(t, reg.Unsubscribe(id, KindStock, "005930"))
	assert.Equal(t, 0, reg.GetStats().ActiveSubscriptions)
}

func TestRegistry_DisconnectCascadesSubscriptions(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{}
	id := reg.Connect(tr, "alice")
	require.NoError(t, reg.Subscribe(id, KindStock, "005930"))
	require.NoError(t, reg.Subscribe(id, KindStock, "000660"))
	require.NoError(t, reg.Subscribe(id, KindMarket, "KOSPI"))

	reg.Disconnect(id)

	assert.True(t, tr.isClosed())
	assert.Equal(t, 0, reg.GetStats().ActiveConnections)
	assert.Equal(t, 0, reg.GetStats().ActiveSubscriptions)

	delivered, _ := reg.SendToSubscribers(KindMarket, "KOSPI", protocol.NewPong())
	assert.Equal(t, 0, delivered)

	// Snapshot retained for the grace window
	assert.Equal(t, 1, reg.Sessions().Len())

	// Idempotent
	reg.Disconnect(id)
	assert.Equal(t, 1, reg.Sessions().Len())
}

func TestRegistry_SendMessageUnknownConnection(t *testing.T) {
	reg := newTestRegistry(t)
	assert.False(t, reg.SendMessage("missing", protocol.NewPong()))
}

func TestRegistry_SendMessageAssignsUniqueSequences(t *testing.T) {
	reg := newTestRegistry(t)

	const conns = 10
	const perConn = 20

	transports := make([]*fakeTransport, conns)
	ids := make([]string, conns)
	for i := range transports {
		transports[i] = &fakeTransport{}
		ids[i] = reg.Connect(transports[i], "")
	}

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perConn; j++ {
				assert.True(t, reg.SendMessage(ids[i], protocol.NewPong()))
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]struct{})
	for _, tr := range transports {
		for _, seq := range tr.sequences(t) {
			assert.NotZero(t, seq)
			_, dup := seen[seq]
			assert.False(t, dup, "duplicate sequence %d", seq)
			seen[seq] = struct{}{}
		}
	}
	assert.Len(t, seen, conns*perConn)
}

func TestRegistry_SendMessageFailureDisconnects(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{failWrite: true}
	id := reg.Connect(tr, "alice")
	require.NoError(t, reg.Subscribe(id, KindStock, "005930"))

	ok := reg.SendMessage(id, protocol.NewPong())

	assert.False(t, ok)
	assert.True(t, tr.isClosed())
	assert.Equal(t, 0, reg.GetStats().ActiveConnections)
	assert.Equal(t, 0, reg.GetStats().ActiveSubscriptions)
}

func TestRegistry_BroadcastIsolatesFailures(t *testing.T) {
	reg := newTestRegistry(t)

	transports := make([]*fakeTransport, 5)
	ids := make([]string, 5)
	for i := range transports {
		transports[i] = &fakeTransport{}
		ids[i] = reg.Connect(transports[i], "")
	}
	transports[2].failWrite = true

	delivered, failed := reg.Broadcast(protocol.NewPong())

	assert.Equal(t, 4, delivered)
	require.Len(t, failed, 1)
	assert.Equal(t, ids[2], failed[0])
	assert.Equal(t, 4, reg.GetStats().ActiveConnections)
	assert.True(t, transports[2].isClosed())

	for i, tr := range transports {
		if i == 2 {
			continue
		}
		assert.Equal(t, 1, tr.frameCount())
	}
}

func TestRegistry_BroadcastExcludes(t *testing.T) {
	reg := newTestRegistry(t)

	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}
	id1 := reg.Connect(tr1, "")
	reg.Connect(tr2, "")

	delivered, _ := reg.Broadcast(protocol.NewPong(), id1)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, tr1.frameCount())
	assert.Equal(t, 1, tr2.frameCount())
}

func TestRegistry_BroadcastSharesOneSequence(t *testing.T) {
	reg := newTestRegistry(t)

	transports := make([]*fakeTransport, 3)
	for i := range transports {
		transports[i] = &fakeTransport{}
		reg.Connect(transports[i], "")
	}

	delivered, _ := reg.Broadcast(protocol.NewPong())
	require.Equal(t, 3, delivered)

	first := transports[0].sequences(t)
	require.Len(t, first, 1)
	for _, tr := range transports[1:] {
		assert.Equal(t, first, tr.sequences(t))
	}
}

func TestRegistry_SendToSubscribersNoSubscribers(t *testing.T) {
	reg := newTestRegistry(t)

	delivered, failed := reg.SendToSubscribers(KindStock, "005930", protocol.NewPong())
	assert.Equal(t, 0, delivered)
	assert.Nil(t, failed)
}

func TestRegistry_SendToUser(t *testing.T) {
	reg := newTestRegistry(t)

	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}
	tr3 := &fakeTransport{}
	reg.Connect(tr1, "alice")
	reg.Connect(tr2, "alice")
	reg.Connect(tr3, "bob")

	delivered, failed := reg.SendToUser("alice", &protocol.Alert{
		Envelope: protocol.Envelope{Type: protocol.TypeAlert},
		Message:  "order filled",
	})

	assert.Equal(t, 2, delivered)
	assert.Empty(t, failed)
	assert.Equal(t, 1, tr1.frameCount())
	assert.Equal(t, 1, tr2.frameCount())
	assert.Equal(t, 0, tr3.frameCount())

	// Anonymous connections never match
	delivered, _ = reg.SendToUser("", protocol.NewPong())
	assert.Equal(t, 0, delivered)
}

func TestRegistry_ReconnectRestoresSubscriptions(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{}
	oldID := reg.Connect(tr, "alice")
	require.NoError(t, reg.Subscribe(oldID, KindStock, "005930"))
	require.NoError(t, reg.Subscribe(oldID, KindMarket, "KOSPI"))
	reg.Disconnect(oldID)

	tr2 := &fakeTransport{}
	newID, restored, err := reg.Reconnect(tr2, oldID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)
	assert.ElementsMatch(t, []string{"005930"}, restored[KindStock])
	assert.ElementsMatch(t, []string{"KOSPI"}, restored[KindMarket])

	delivered, _ := reg.SendToSubscribers(KindMarket, "KOSPI", protocol.NewPong())
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, tr2.frameCount())

	// Snapshot is consumed by the successful resume
	_, _, err = reg.Reconnect(&fakeTransport{}, oldID, "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_ReconnectIdentityMismatch(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{}
	oldID := reg.Connect(tr, "alice")
	require.NoError(t, reg.Subscribe(oldID, KindStock, "005930"))
	reg.Disconnect(oldID)

	_, _, err := reg.Reconnect(&fakeTransport{}, oldID, "mallory")
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	// Snapshot survives for the rightful owner
	newID, restored, err := reg.Reconnect(&fakeTransport{}, oldID, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, newID)
	assert.ElementsMatch(t, []string{"005930"}, restored[KindStock])
}

func TestRegistry_ReconnectUnknownSession(t *testing.T) {
	reg := newTestRegistry(t)

	_, _, err := reg.Reconnect(&fakeTransport{}, "never-existed", "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_ReconnectAfterGraceWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := New(clock, 30*time.Second, 2*time.Minute)
	t.Cleanup(reg.Close)

	tr := &fakeTransport{}
	oldID := reg.Connect(tr, "alice")
	reg.Disconnect(oldID)

	clock.Advance(2*time.Minute + time.Second)

	_, _, err := reg.Reconnect(&fakeTransport{}, oldID, "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_HeartbeatDisconnectsFailedPings(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := New(clock, 30*time.Second, 2*time.Minute)
	t.Cleanup(reg.Close)

	healthy := &fakeTransport{}
	dead := &fakeTransport{failPing: true}
	reg.Connect(healthy, "")
	deadID := reg.Connect(dead, "")

	// Wait for both the eviction ticker and the heartbeat ticker
	clock.BlockUntil(2)
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		return reg.GetStats().ActiveConnections == 1
	}, time.Second, 10*time.Millisecond)

	assert.True(t, dead.isClosed())
	assert.False(t, healthy.isClosed())

	// The dead connection left a reconnect snapshot behind
	_, _, err := reg.Reconnect(&fakeTransport{}, deadID, "")
	assert.NoError(t, err)
}

func TestRegistry_ListConnections(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{}
	id := reg.Connect(tr, "alice")
	require.NoError(t, reg.Subscribe(id, KindStock, "005930"))
	require.True(t, reg.SendMessage(id, protocol.NewPong()))

	infos := reg.ListConnections()
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, "alice", infos[0].UserID)
	assert.Equal(t, "active", infos[0].State)
	assert.Equal(t, int64(1), infos[0].MessageCount)
	assert.ElementsMatch(t, []string{"005930"}, infos[0].Subscriptions[KindStock])
}

func TestRegistry_GetStats(t *testing.T) {
	reg := newTestRegistry(t)

	tr := &fakeTransport{}
	id := reg.Connect(tr, "")
	require.NoError(t, reg.Subscribe(id, KindStock, "005930"))
	require.True(t, reg.SendMessage(id, protocol.NewPong()))
	require.True(t, reg.SendMessage(id, protocol.NewPong()))

	stats := reg.GetStats()
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 1, stats.ActiveSubscriptions)
	assert.Equal(t, uint64(2), stats.MessagesSent)
}

func TestRegistry_ConcurrentSubscribeDisconnect(t *testing.T) {
	reg := newTestRegistry(t)

	const conns = 20
	ids := make([]string, conns)
	for i := range ids {
		ids[i] = reg.Connect(&fakeTransport{}, fmt.Sprintf("user-%d", i))
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_ = reg.Subscribe(id, KindStock, "005930")
			if i%2 == 0 {
				reg.Disconnect(id)
			}
		}(i, id)
	}
	wg.Wait()

	stats := reg.GetStats()
	assert.Equal(t, conns/2, stats.ActiveConnections)
	assert.Equal(t, conns/2, stats.ActiveSubscriptions)

	delivered, failed := reg.SendToSubscribers(KindStock, "005930", protocol.NewPong())
	assert.Equal(t, conns/2, delivered)
	assert.Empty(t, failed)
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Connect(&fakeTransport{}, "alice")

	reg.Close()
	assert.Equal(t, 0, reg.GetStats().ActiveConnections)

	// A second Close finds nothing left to do
	reg.Close()
}
