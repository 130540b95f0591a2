package dgram

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// socket is the non-blocking datagram socket adapter of spec §4.2. It owns
// exactly one inbound buffer and one outbound staging buffer, both sized to
// maxMessageSize, and is driven synchronously from a single goroutine — see
// spec §5, "the datagram socket is set to non-blocking mode."
type socket struct {
	conn         *net.UDPConn
	maxSize      int
	recvBuf      []byte
	sendBuf      []byte
	sendBufUsed  int
}

// newSocket binds a UDP socket at addr (nil means ":0", any interface, OS
// chosen port). Reads never block because recv sets an immediate read
// deadline before each read.
func newSocket(addr *net.UDPAddr, maxSize int) (*socket, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dgram: listen udp: %w", err)
	}
	if err := conn.SetReadBuffer(maxSize); err != nil {
		// Not fatal: some platforms/containers restrict this.
		_ = err
	}
	s := &socket{
		conn:    conn,
		maxSize: maxSize,
		recvBuf: make([]byte, maxSize),
		sendBuf: make([]byte, 0, maxSize),
	}
	return s, nil
}

// localAddr returns the address the socket is bound to.
func (s *socket) localAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// close releases the underlying file descriptor.
func (s *socket) close() error {
	return s.conn.Close()
}

// clear drops any staged outbound bytes. Every helper that composes a
// packet must call clear before appending — the staging buffer is reused
// across every packet sent in a Tick, per spec §5's "Shared resources."
func (s *socket) clear() {
	s.sendBuf = s.sendBuf[:0]
}

// write appends bytes to the staging buffer, failing if the result would
// exceed maxSize.
func (s *socket) write(b []byte) error {
	if len(s.sendBuf)+len(b) > s.maxSize {
		return ErrMessageTooLong
	}
	s.sendBuf = append(s.sendBuf, b...)
	return nil
}

// send transmits the staged buffer to peer.
func (s *socket) send(peer *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(s.sendBuf, peer)
	if err != nil {
		return fmt.Errorf("dgram: send: %w", err)
	}
	return nil
}

// sendBytes is a convenience for one-shot packets that don't need the
// staging buffer retained (still clears it first, to respect the "no
// helper may assume the outbound buffer retains data across calls" rule).
func (s *socket) sendBytes(peer *net.UDPAddr, b []byte) error {
	s.clear()
	if err := s.write(b); err != nil {
		return err
	}
	return s.send(peer)
}

// recvResult is the outcome of one recv() call.
type recvResult struct {
	data []byte
	addr *net.UDPAddr
	ok   bool // false means "would block", no datagram available
}

// recv returns the next available datagram and its source, or ok=false if
// none is ready. A transient "connection reset" error (common on Windows
// and some Linux configurations when a previous send to this peer got an
// ICMP port-unreachable) is swallowed and does not end the drain: it is
// distinct from "would block" and must not be reported the same way, so
// recv retries internally until it finds a real datagram or a genuine
// would-block.
func (s *socket) recv() (recvResult, error) {
	for {
		// An immediate read deadline is how the standard library expresses
		// "would block" for a connection that has no native non-blocking
		// read: if no datagram is already queued, ReadFromUDP returns
		// promptly with a timeout error rather than waiting for one to
		// arrive.
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			return recvResult{}, fmt.Errorf("dgram: set read deadline: %w", err)
		}
		n, addr, err := s.conn.ReadFromUDP(s.recvBuf)
		if err != nil {
			if isConnReset(err) {
				continue
			}
			if isWouldBlock(err) {
				return recvResult{}, nil
			}
			return recvResult{}, fmt.Errorf("dgram: recv: %w", err)
		}
		return recvResult{data: s.recvBuf[:n], addr: addr, ok: true}, nil
	}
}

func isWouldBlock(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
