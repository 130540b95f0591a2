package dgram

import (
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSocketRecvReturnsNotOkWhenEmpty(t *testing.T) {
	s := newLoopbackSocket(t)
	res, err := s.recv()
	require.NoError(t, err)
	require.False(t, res.ok)
}

func TestSocketSendRecvRoundTrip(t *testing.T) {
	a := newLoopbackSocket(t)
	b := newLoopbackSocket(t)

	require.NoError(t, a.sendBytes(b.localAddr(), []byte("ping")))

	res := drainOne(t, b)
	require.Equal(t, []byte("ping"), res.data)
	require.Equal(t, a.localAddr().Port, res.addr.Port)
}

func TestSocketWriteRejectsOversizedPayload(t *testing.T) {
	s := newLoopbackSocket(t)
	s.maxSize = 4
	s.clear()
	require.NoError(t, s.write([]byte{1, 2}))
	err := s.write([]byte{3, 4, 5})
	require.ErrorIs(t, err, ErrMessageTooLong)
}

func TestSocketClearDropsStagedBytes(t *testing.T) {
	s := newLoopbackSocket(t)
	require.NoError(t, s.write([]byte{1, 2, 3}))
	s.clear()
	require.Empty(t, s.sendBuf)
}

func TestSocketIsWouldBlockClassifiesTimeout(t *testing.T) {
	s := newLoopbackSocket(t)
	require.NoError(t, s.conn.SetReadDeadline(time.Now()))
	_, _, err := s.conn.ReadFromUDP(make([]byte, 8))
	require.Error(t, err)
	require.True(t, isWouldBlock(err))
}

func TestIsConnResetClassifiesECONNRESET(t *testing.T) {
	wrapped := &net.OpError{Op: "read", Err: os.NewSyscallError("recvfrom", syscall.ECONNRESET)}
	require.True(t, isConnReset(wrapped))
	require.False(t, isWouldBlock(wrapped))
}

// TestSocketRecvContinuesDrainingPastConnReset documents the contract recv
// must uphold even though a real ECONNRESET is not reproducible from a
// plain loopback test: a connection-reset error must never be reported the
// same way as "would block" (ok=false with no error), since the Tick drain
// loop treats ok=false as "stop, nothing left to read" — see spec §4.2/§7,
// "a transient connection reset on recv must not propagate... the loop
// continues." recv's internal retry loop (see socket.go) is what keeps
// ECONNRESET from truncating a tick's drain.
func TestSocketRecvContinuesDrainingPastConnReset(t *testing.T) {
	a := newLoopbackSocket(t)
	b := newLoopbackSocket(t)

	require.NoError(t, a.sendBytes(b.localAddr(), []byte("one")))
	require.NoError(t, a.sendBytes(b.localAddr(), []byte("two")))

	first := drainOne(t, b)
	require.Equal(t, []byte("one"), first.data)
	second := drainOne(t, b)
	require.Equal(t, []byte("two"), second.data)
}

func TestNewSocketBindsRequestedAddress(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	s, err := newSocket(addr, 1200)
	require.NoError(t, err)
	defer s.close()
	require.Equal(t, "127.0.0.1", s.localAddr().IP.String())
	require.NotZero(t, s.localAddr().Port)
}
