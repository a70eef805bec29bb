package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	apperrors "github.com/dhkim-dev/tickpulse/internal/errors"
	"github.com/dhkim-dev/tickpulse/internal/protocol"
	"github.com/dhkim-dev/tickpulse/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser clients connect cross-origin from trading frontends
	},
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		if reason == LimitReasonRate {
			return apperrors.RateLimitedError(0, 0, 1, 1).
				WithContext("reason", string(reason))
		}
		return apperrors.UnavailableError("connection limit reached").
			WithContext("reason", string(reason))
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.limits.Release(ip)
		// Upgrade already wrote the error response.
		return nil
	}
	defer s.limits.Release(ip)

	userID := c.Request().Header.Get("X-User-ID")
	transport := newWSTransport(conn)

	var id string
	if oldID := c.QueryParam("reconnect_id"); oldID != "" {
		newID, restored, err := s.registry.Reconnect(transport, oldID, userID)
		if err != nil {
			s.rejectReconnect(conn, err)
			return nil
		}
		id = newID
		// Replay acks so the client knows which subscriptions survived.
		for kind, targets := range restored {
			s.registry.SendMessage(id, protocol.NewSubscribedAck(string(kind), targets))
		}
	} else {
		id = s.registry.Connect(transport, userID)
	}

	s.readLoop(id, conn)

	s.registry.Disconnect(id)
	return nil
}

// rejectReconnect reports a failed session resume over the already
// upgraded connection, then closes it.
func (s *Server) rejectReconnect(conn *websocket.Conn, err error) {
	code := "session_not_found"
	if errors.Is(err, registry.ErrIdentityMismatch) {
		code = "identity_mismatch"
	}
	msg := protocol.NewErrorMessage(code, err.Error())
	if data, marshalErr := json.Marshal(msg); marshalErr == nil {
		t := newWSTransport(conn)
		_ = t.WriteMessage(data)
	}
	_ = conn.Close()
}

func (s *Server) readLoop(id string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			s.registry.SendMessage(id, protocol.NewErrorMessage(decodeErrorCode(err), err.Error()))
			continue
		}

		switch m := msg.(type) {
		case protocol.Subscribe:
			kind := subscriptionKind(m.SubscriptionType)
			for _, target := range m.Targets {
				if err := s.registry.Subscribe(id, kind, target); err != nil {
					slog.Warn("subscribe failed", "connection_id", id, "error", err)
					return
				}
			}
			s.registry.SendMessage(id, protocol.NewSubscribedAck(m.SubscriptionType, m.Targets))

		case protocol.Unsubscribe:
			kind := subscriptionKind(m.SubscriptionType)
			for _, target := range m.Targets {
				if err := s.registry.Unsubscribe(id, kind, target); err != nil {
					slog.Warn("unsubscribe failed", "connection_id", id, "error", err)
					return
				}
			}
			s.registry.SendMessage(id, protocol.NewUnsubscribedAck(m.SubscriptionType, m.Targets))

		case protocol.Ping:
			s.registry.SendMessage(id, protocol.NewPong())
		}
	}
}

func subscriptionKind(wire string) registry.Kind {
	if wire == protocol.SubscriptionMarket {
		return registry.KindMarket
	}
	return registry.KindStock
}

func decodeErrorCode(err error) string {
	var unknown *protocol.UnknownTypeError
	if errors.As(err, &unknown) {
		return "unknown_message_type"
	}
	return "malformed_payload"
}
