package dgram

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
)

// EndpointConfig is the immutable configuration for Bind, per spec §3.
type EndpointConfig struct {
	// MaxMessageSize bounds the wire datagram (header + channel frame), not
	// just the application payload — see SPEC_FULL.md supplemented feature 7.
	MaxMessageSize int

	// HeartbeatInterval and Timeout are both required, with Heartbeat <
	// Timeout.
	HeartbeatInterval time.Duration
	Timeout           time.Duration

	// PingMemoryLength bounds the RTT sample FIFO, in [1, 255].
	PingMemoryLength int

	// Listen, if true, allows unknown peers to create a Connection on
	// first valid inbound packet; if false, unknown peers are replied to
	// with a Close packet and otherwise ignored.
	Listen bool

	// Channels is the ordered channel configuration every Connection gets,
	// length <= 252.
	Channels []ChannelConfig

	// Clock abstracts time for deterministic testing (see
	// github.com/jonboulle/clockwork); defaults to the real clock.
	Clock clockwork.Clock

	// Logger receives structured diagnostic output; defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Validate enforces the structural invariants of spec §3.
func (cfg EndpointConfig) Validate() error {
	if cfg.MaxMessageSize < 1 || cfg.MaxMessageSize > 65443 {
		return fmt.Errorf("dgram: max_message_size must be in [1, 65443], got %d", cfg.MaxMessageSize)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("dgram: heartbeat_interval must be positive")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("dgram: timeout must be positive")
	}
	if cfg.HeartbeatInterval >= cfg.Timeout {
		return fmt.Errorf("dgram: heartbeat_interval must be less than timeout")
	}
	if cfg.PingMemoryLength < 1 || cfg.PingMemoryLength > 255 {
		return fmt.Errorf("dgram: ping_memory_length must be in [1, 255], got %d", cfg.PingMemoryLength)
	}
	if len(cfg.Channels) > 252 {
		return ErrTooManyChannels
	}
	for i, ch := range cfg.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("dgram: channel %d: %w", i, err)
		}
	}
	return nil
}

// trackedConn pairs a Connection with the address it was discovered at,
// since net.UDPAddr isn't itself a usable map key.
type trackedConn struct {
	addr *net.UDPAddr
	conn *connection
}

// Endpoint is the top-level §4.5 abstraction: binds a socket, holds the
// connection table keyed by peer address, dispatches inbound packets,
// drives periodic work, and produces an event queue. Not safe for
// concurrent use — one owner drives Tick (spec §5).
type Endpoint struct {
	cfg    EndpointConfig
	sock   *socket
	clock  clockwork.Clock
	logger *slog.Logger

	instance instanceTag

	conns map[string]*trackedConn

	events []Event
}

// Bind constructs the socket adapter, derives the instance tag from the
// wall clock, and validates config. addr may be nil to bind any interface
// on an OS-chosen port (equivalent to BindAny).
func Bind(cfg EndpointConfig, addr *net.UDPAddr) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sock, err := newSocket(addr, cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		cfg:      cfg,
		sock:     sock,
		clock:    clock,
		logger:   logger,
		instance: newInstanceTag(time.Now().UnixMilli()),
		conns:    make(map[string]*trackedConn),
	}, nil
}

// BindAny binds to all interfaces on an OS-chosen port.
func BindAny(cfg EndpointConfig) (*Endpoint, error) {
	return Bind(cfg, nil)
}

// BoundAddr returns the local address the socket is bound to.
func (e *Endpoint) BoundAddr() *net.UDPAddr {
	return e.sock.localAddr()
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	return e.sock.close()
}

// Connections returns a snapshot of currently-tracked peer addresses.
func (e *Endpoint) Connections() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(e.conns))
	for _, tc := range e.conns {
		out = append(out, tc.addr)
	}
	return out
}

// GetPing returns the current average RTT estimate for peer, and whether a
// sample has arrived yet.
func (e *Endpoint) GetPing(peer *net.UDPAddr) (time.Duration, bool) {
	tc, ok := e.conns[peer.String()]
	if !ok {
		return 0, false
	}
	return tc.conn.ping()
}

// newTrackedConnection allocates a Connection for peer, sends its initial
// heartbeat, and registers it, replacing any existing Connection at the
// same address.
func (e *Endpoint) newTrackedConnection(peer *net.UDPAddr) (*trackedConn, error) {
	now := e.clock.Now()
	conn := newConnection(now, e.cfg.PingMemoryLength, e.cfg.Channels)
	tc := &trackedConn{addr: peer, conn: conn}
	e.conns[peer.String()] = tc
	if err := conn.sendHeartbeat(e.sock, peer, e.instance, now); err != nil {
		return nil, err
	}
	return tc, nil
}

// Connect inserts a new Connection for peer unconditionally (replacing any
// existing one at the same address) and enqueues Connected.
func (e *Endpoint) Connect(peer *net.UDPAddr) error {
	if _, err := e.newTrackedConnection(peer); err != nil {
		return err
	}
	e.events = append(e.events, Event{Kind: EventConnected, Peer: peer})
	return nil
}

// Disconnect removes peer's Connection if present, sends a Close packet,
// and enqueues Disconnected(peer, Kicked).
func (e *Endpoint) Disconnect(peer *net.UDPAddr) error {
	key := peer.String()
	tc, ok := e.conns[key]
	if !ok {
		return nil
	}
	delete(e.conns, key)
	if err := tc.conn.sendClose(e.sock, tc.addr); err != nil {
		return err
	}
	e.events = append(e.events, Event{Kind: EventDisconnected, Peer: tc.addr, Reason: DisconnectKicked})
	return nil
}

// DisconnectAll disconnects every tracked peer in one pass.
func (e *Endpoint) DisconnectAll() error {
	peers := e.Connections()
	for _, peer := range peers {
		if err := e.Disconnect(peer); err != nil {
			return err
		}
	}
	return nil
}

// Send delegates payload to channelID on peer's Connection.
func (e *Endpoint) Send(peer *net.UDPAddr, channelID int, payload []byte) error {
	tc, ok := e.conns[peer.String()]
	if !ok {
		return ErrAddressNotConnected
	}
	if channelID < 0 || channelID >= len(e.cfg.Channels) {
		return ErrInvalidChannelId
	}
	return tc.conn.send(e.sock, tc.addr, channelID, e.clock.Now(), payload)
}

// SendSingle forwards to the sole tracked peer, failing unless exactly one
// Connection exists.
func (e *Endpoint) SendSingle(channelID int, payload []byte) error {
	if len(e.conns) != 1 {
		return ErrSendSingleInvalid
	}
	for _, tc := range e.conns {
		if channelID < 0 || channelID >= len(e.cfg.Channels) {
			return ErrInvalidChannelId
		}
		return tc.conn.send(e.sock, tc.addr, channelID, e.clock.Now(), payload)
	}
	return ErrSendSingleInvalid
}

// inboundFrame is what the receive-drain loop records per valid datagram
// before the Connection lookup/insertion step, per spec §4.5 step 1.
type inboundFrame struct {
	peer *net.UDPAddr

	haveHeartbeat bool
	hbInstance    instanceTag
	hbElapsedMS   int64

	isClose bool

	haveEcho    bool
	echoPayload [16]byte

	haveChannel bool
	channelID   int
	channelBody []byte
}

// Tick runs one pass of the algorithm in spec §4.5: drain readable
// datagrams, expire timed-out peers, run periodic work, and return (and
// clear) the accumulated event queue.
func (e *Endpoint) Tick() ([]Event, error) {
	now := e.clock.Now()

	for {
		res, err := e.sock.recv()
		if err != nil {
			return nil, err
		}
		if !res.ok {
			break
		}
		frame, ok := parseInboundFrame(res.data, res.addr)
		if !ok {
			e.logger.Debug("dgram: dropped malformed packet", "peer", res.addr)
			continue
		}
		if err := e.handleInbound(frame, now); err != nil {
			return nil, err
		}
	}

	for key, tc := range e.conns {
		if now.Sub(tc.conn.lastRxKeepalive) > e.cfg.Timeout {
			delete(e.conns, key)
			e.events = append(e.events, Event{Kind: EventDisconnected, Peer: tc.addr, Reason: DisconnectTimeout})
		}
	}

	for _, tc := range e.conns {
		if err := tc.conn.tick(e.sock, tc.addr, e.instance, e.cfg.HeartbeatInterval, now); err != nil {
			return nil, err
		}
	}

	events := e.events
	e.events = nil
	return events, nil
}

// parseInboundFrame classifies one datagram per spec §4.1/§4.5 step 1.
// Malformed or unknown-tag datagrams are reported as ok=false and must be
// silently discarded by the caller.
func parseInboundFrame(data []byte, addr *net.UDPAddr) (inboundFrame, bool) {
	if len(data) < 1 {
		return inboundFrame{}, false
	}
	f := inboundFrame{peer: addr}
	tag := data[0]
	body := data[1:]
	switch {
	case tag == tagHeartbeat:
		instance, elapsedMS, err := decodeHeartbeat(body)
		if err != nil {
			return inboundFrame{}, false
		}
		f.haveHeartbeat = true
		f.hbInstance = instance
		f.hbElapsedMS = elapsedMS
	case tag == tagClose:
		f.isClose = true
	case tag == tagHeartbeatEcho:
		timestamp, err := decodeHeartbeatEcho(body)
		if err != nil {
			return inboundFrame{}, false
		}
		f.haveEcho = true
		f.echoPayload = timestamp
	default:
		channelID, isChannel := channelIDFromTag(tag)
		if !isChannel {
			return inboundFrame{}, false
		}
		f.haveChannel = true
		f.channelID = channelID
		f.channelBody = body
	}
	return f, true
}

// handleInbound applies one parsed frame: Connection lookup/insertion,
// keepalive bump, channel delivery, RTT sampling, and heartbeat bookkeeping,
// per spec §4.5 step 1.
func (e *Endpoint) handleInbound(f inboundFrame, now time.Time) error {
	key := f.peer.String()

	if f.isClose {
		if tc, ok := e.conns[key]; ok {
			delete(e.conns, key)
			e.events = append(e.events, Event{Kind: EventDisconnected, Peer: tc.addr, Reason: DisconnectOther})
		}
		return nil
	}

	tc, ok := e.conns[key]
	if !ok {
		if !e.cfg.Listen {
			return e.sock.sendBytes(f.peer, encodeClose())
		}
		var err error
		tc, err = e.newTrackedConnection(f.peer)
		if err != nil {
			return err
		}
		e.events = append(e.events, Event{Kind: EventConnected, Peer: f.peer})
	}

	tc.conn.lastRxKeepalive = now

	if f.haveChannel {
		payload, delivered, err := tc.conn.receive(e.sock, tc.addr, f.channelID, now, f.channelBody)
		if err != nil {
			e.logger.Debug("dgram: dropped malformed channel frame", "peer", f.peer, "channel", f.channelID, "err", err)
		} else if delivered {
			e.events = append(e.events, Event{Kind: EventMessage, Peer: f.peer, ChannelID: f.channelID, Payload: payload})
		}
	}

	if f.haveEcho {
		// Reinterpret the low 8 bytes as the milliseconds value we
		// originally sent, per SPEC_FULL.md supplemented feature 2.
		elapsedMS := int64(binary.BigEndian.Uint64(f.echoPayload[8:]))
		tc.conn.recordRTTSample(now, elapsedMS)
	}

	if f.haveHeartbeat {
		restarted := tc.conn.observePeerInstance(f.hbInstance)
		if restarted {
			delete(e.conns, key)
			e.events = append(e.events, Event{Kind: EventDisconnected, Peer: f.peer, Reason: DisconnectPeerRestarted})
			return nil
		}
		if err := tc.conn.sendEcho(e.sock, tc.addr, elapsedMSToTimestamp(f.hbElapsedMS)); err != nil {
			return err
		}
	}

	return nil
}
