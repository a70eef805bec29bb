package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound_Subscribe(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"subscribe","subscription_type":"stock","targets":["005930","000660"]}`))
	require.NoError(t, err)

	sub, ok := msg.(Subscribe)
	require.True(t, ok)
	assert.Equal(t, SubscriptionStock, sub.SubscriptionType)
	assert.Equal(t, []string{"005930", "000660"}, sub.Targets)
}

func TestDecodeInbound_Unsubscribe(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"unsubscribe","subscription_type":"market","targets":["KOSPI"]}`))
	require.NoError(t, err)

	unsub, ok := msg.(Unsubscribe)
	require.True(t, ok)
	assert.Equal(t, SubscriptionMarket, unsub.SubscriptionType)
	assert.Equal(t, []string{"KOSPI"}, unsub.Targets)
}

func TestDecodeInbound_Ping(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.IsType(t, Ping{}, msg)
}

func TestDecodeInbound_UnknownType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"teleport"}`))

	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "teleport", unknown.Tag)
}

func TestDecodeInbound_MalformedJSON(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":`))

	var malformed *MalformedError
	assert.ErrorAs(t, err, &malformed)
}

func TestDecodeInbound_InvalidSubscription(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"bad subscription type", `{"type":"subscribe","subscription_type":"crypto","targets":["BTC"]}`},
		{"missing targets", `{"type":"subscribe","subscription_type":"stock"}`},
		{"empty targets", `{"type":"subscribe","subscription_type":"stock","targets":[]}`},
		{"empty target string", `{"type":"subscribe","subscription_type":"stock","targets":[""]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tc.raw))
			var malformed *MalformedError
			assert.ErrorAs(t, err, &malformed)
		})
	}
}

func TestEnvelope_SequenceRoundTrip(t *testing.T) {
	msg := NewPong()
	assert.Zero(t, msg.SequenceNumber())

	msg.SetSequence(42)
	assert.Equal(t, uint64(42), msg.SequenceNumber())

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","sequence":42}`, string(data))
}

func TestNewSubscribedAck(t *testing.T) {
	ack := NewSubscribedAck(SubscriptionStock, []string{"005930"})
	ack.SetSequence(7)

	data, err := json.Marshal(ack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribed","sequence":7,"subscription_type":"stock","targets":["005930"]}`, string(data))
}

func TestNewErrorMessage(t *testing.T) {
	msg := NewErrorMessage("unknown_message_type", "unknown message type \"teleport\"")
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "unknown_message_type", msg.Code)
}

func TestPriceUpdateWireFormat(t *testing.T) {
	update := &PriceUpdate{
		Envelope:      Envelope{Type: TypePriceUpdate, Sequence: 3},
		StockCode:     "005930",
		Price:         71500,
		Change:        -500,
		ChangePercent: -0.69,
		Volume:        1234567,
		Timestamp:     "2026-08-29T09:30:00+09:00",
	}

	data, err := json.Marshal(update)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "price_update", decoded["type"])
	assert.Equal(t, "005930", decoded["stock_code"])
	assert.Equal(t, float64(3), decoded["sequence"])
}
