package server

import (
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// wsTransport adapts a gorilla WebSocket connection to the registry's
// transport interface, applying a write deadline to every frame so one
// stalled client cannot hold the fan-out goroutine indefinitely.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (t *wsTransport) Close() error {
	// Best effort close frame so well-behaved clients see a reason
	// instead of a dropped TCP connection.
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
