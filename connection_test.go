package dgram

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectionSendHeartbeatOnConstruction(t *testing.T) {
	sender := newLoopbackSocket(t)
	receiver := newLoopbackSocket(t)

	now := time.Now()
	conn := newConnection(now, 8, []ChannelConfig{SendUnreliableConfig()})
	ourInstance := newInstanceTag(now.UnixMilli())

	require.NoError(t, conn.sendHeartbeat(sender, receiver.localAddr(), ourInstance, now))
	res := drainOne(t, receiver)
	require.Equal(t, tagHeartbeat, res.data[0])

	instance, elapsedMS, err := decodeHeartbeat(res.data[1:])
	require.NoError(t, err)
	require.Equal(t, ourInstance, instance)
	require.Equal(t, int64(0), elapsedMS)
}

func TestConnectionRTTSampleAndAverage(t *testing.T) {
	now := time.Now()
	conn := newConnection(now, 3, nil)

	_, have := conn.ping()
	require.False(t, have)

	// Heartbeat sent at elapsed=100ms, echo observed 50ms of RTT later.
	conn.recordRTTSample(now.Add(150*time.Millisecond), 100)
	avg, have := conn.ping()
	require.True(t, have)
	require.Equal(t, 50*time.Millisecond, avg)

	conn.recordRTTSample(now.Add(250*time.Millisecond), 200)
	avg, _ = conn.ping()
	require.Equal(t, 50*time.Millisecond, avg) // (50+50)/2

	conn.recordRTTSample(now.Add(500*time.Millisecond), 300)
	require.Len(t, conn.pingMemory, 3)
}

func TestConnectionPingMemoryBoundedByLength(t *testing.T) {
	now := time.Now()
	conn := newConnection(now, 2, nil)

	conn.recordRTTSample(now.Add(10*time.Millisecond), 0)
	conn.recordRTTSample(now.Add(40*time.Millisecond), 20)
	conn.recordRTTSample(now.Add(90*time.Millisecond), 50)

	require.Len(t, conn.pingMemory, 2) // evicted the oldest, invariant 5
}

func TestConnectionPeerInstanceWriteOnce(t *testing.T) {
	conn := newConnection(time.Now(), 8, nil)
	a := newInstanceTag(1)
	b := newInstanceTag(2)

	require.False(t, conn.observePeerInstance(a)) // first observation, no restart
	require.False(t, conn.observePeerInstance(a)) // same tag again, still stable
	require.True(t, conn.observePeerInstance(b))  // differing tag: restart
}

func TestConnectionTickSendsHeartbeatOnlyAfterInterval(t *testing.T) {
	sender := newLoopbackSocket(t)
	receiver := newLoopbackSocket(t)
	peer := receiver.localAddr()

	now := time.Now()
	conn := newConnection(now, 8, nil)
	ourInstance := newInstanceTag(now.UnixMilli())
	require.NoError(t, conn.sendHeartbeat(sender, peer, ourInstance, now))
	drainOne(t, receiver) // consume the construction heartbeat

	require.NoError(t, conn.tick(sender, peer, ourInstance, 100*time.Millisecond, now.Add(10*time.Millisecond)))
	idle, err := receiver.recv()
	require.NoError(t, err)
	require.False(t, idle.ok) // no datagram yet, interval not elapsed

	require.NoError(t, conn.tick(sender, peer, ourInstance, 100*time.Millisecond, now.Add(150*time.Millisecond)))
	res := drainOne(t, receiver)
	require.Equal(t, tagHeartbeat, res.data[0])
}

func TestConnectionSendAndReceiveBoundsCheckChannelID(t *testing.T) {
	conn := newConnection(time.Now(), 8, []ChannelConfig{SendUnreliableConfig()})
	sender := newLoopbackSocket(t)
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}

	err := conn.send(sender, peer, 5, time.Now(), []byte("x"))
	require.ErrorIs(t, err, ErrInvalidChannelId)

	_, delivered, err := conn.receive(sender, peer, 5, time.Now(), []byte("x"))
	require.NoError(t, err)
	require.False(t, delivered)
}
