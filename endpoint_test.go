package dgram

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func loopbackAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func newTestEndpoint(t *testing.T, listen bool, channels []ChannelConfig, clock clockwork.Clock) *Endpoint {
	t.Helper()
	cfg := EndpointConfig{
		MaxMessageSize:    65443,
		HeartbeatInterval: 50 * time.Millisecond,
		Timeout:           200 * time.Millisecond,
		PingMemoryLength:  8,
		Listen:            listen,
		Channels:          channels,
		Clock:             clock,
	}
	e, err := Bind(cfg, loopbackAddr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// Endpoints in these tests exchange datagrams over real loopback UDP, so no
// manual relay is needed: Connect/Send/Tick talk to each other's bound
// sockets directly.

func TestEndpointUnreliableEcho(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestEndpoint(t, false, []ChannelConfig{SendUnreliableConfig(), ReceiveUnreliableConfig()}, clock)
	b := newTestEndpoint(t, true, []ChannelConfig{ReceiveUnreliableConfig(), SendUnreliableConfig()}, clock)

	require.NoError(t, a.Connect(b.BoundAddr()))
	require.NoError(t, a.Send(b.BoundAddr(), 0, []byte("hi")))

	time.Sleep(20 * time.Millisecond) // let the OS deliver the loopback datagrams
	events, err := b.Tick()
	require.NoError(t, err)

	var gotConnected, gotMessage bool
	for _, ev := range events {
		switch ev.Kind {
		case EventConnected:
			gotConnected = true
		case EventMessage:
			gotMessage = true
			require.Equal(t, 0, ev.ChannelID)
			require.Equal(t, []byte("hi"), ev.Payload)
		}
	}
	require.True(t, gotConnected)
	require.True(t, gotMessage)
}

func TestEndpointSendSingleGating(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := newTestEndpoint(t, true, []ChannelConfig{SendUnreliableConfig()}, clock)

	err := e.SendSingle(0, []byte("x"))
	require.ErrorIs(t, err, ErrSendSingleInvalid)

	require.NoError(t, e.Connect(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9998}))
	require.NoError(t, e.SendSingle(0, []byte("x")))

	require.NoError(t, e.Connect(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}))
	err = e.SendSingle(0, []byte("x"))
	require.ErrorIs(t, err, ErrSendSingleInvalid)
}

func TestEndpointSendUnknownPeerFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := newTestEndpoint(t, true, []ChannelConfig{SendUnreliableConfig()}, clock)

	err := e.Send(loopbackAddr(), 0, []byte("x"))
	require.ErrorIs(t, err, ErrAddressNotConnected)
}

func TestEndpointInvalidChannelID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := newTestEndpoint(t, true, []ChannelConfig{SendUnreliableConfig()}, clock)
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9998}
	require.NoError(t, e.Connect(peer))

	err := e.Send(peer, 9, []byte("x"))
	require.ErrorIs(t, err, ErrInvalidChannelId)
}

func TestEndpointTimeoutDisconnectsStalePeer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestEndpoint(t, false, nil, clock)
	b := newTestEndpoint(t, true, nil, clock)

	require.NoError(t, a.Connect(b.BoundAddr()))
	time.Sleep(20 * time.Millisecond)

	_, err := b.Tick() // registers the Connection from A's heartbeat
	require.NoError(t, err)

	clock.Advance(300 * time.Millisecond)
	events, err := b.Tick()
	require.NoError(t, err)

	var timedOut bool
	for _, ev := range events {
		if ev.Kind == EventDisconnected && ev.Reason == DisconnectTimeout {
			timedOut = true
		}
	}
	require.True(t, timedOut)
	require.Empty(t, b.Connections())
}

func TestEndpointBindRejectsTooManyChannels(t *testing.T) {
	channels := make([]ChannelConfig, 253)
	for i := range channels {
		channels[i] = SendUnreliableConfig()
	}
	cfg := EndpointConfig{
		MaxMessageSize:    1200,
		HeartbeatInterval: time.Second,
		Timeout:           5 * time.Second,
		PingMemoryLength:  8,
		Channels:          channels,
	}
	_, err := Bind(cfg, loopbackAddr())
	require.ErrorIs(t, err, ErrTooManyChannels)
}

func TestEndpointBindRejectsInvalidChannelConfig(t *testing.T) {
	cfg := EndpointConfig{
		MaxMessageSize:    1200,
		HeartbeatInterval: time.Second,
		Timeout:           5 * time.Second,
		PingMemoryLength:  8,
		Channels:          []ChannelConfig{SendFECReliableConfig(1.25, 200, 200)},
	}
	_, err := Bind(cfg, loopbackAddr())
	require.Error(t, err)
}

func TestEndpointBoundAddrAndClose(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := newTestEndpoint(t, true, nil, clock)
	require.NotNil(t, e.BoundAddr())
	require.NotZero(t, e.BoundAddr().Port)
}
