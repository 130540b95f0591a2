package dgram

import "net"

// DisconnectReason is why a Disconnected event was produced, per spec §3.
type DisconnectReason int

const (
	// DisconnectKicked means the local side called disconnect/disconnect_all.
	DisconnectKicked DisconnectReason = iota
	// DisconnectOther means the peer sent a Close packet.
	DisconnectOther
	// DisconnectTimeout means last_rx_keepalive exceeded EndpointConfig.Timeout.
	DisconnectTimeout
	// DisconnectPeerRestarted means a heartbeat arrived carrying a
	// peer_instance that differs from the one previously recorded.
	DisconnectPeerRestarted
)

// EventKind discriminates the Event tagged variant.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
)

// Event is the tagged variant produced by Tick, per spec §3. Only the
// fields relevant to Kind are meaningful.
type Event struct {
	Kind EventKind

	Peer *net.UDPAddr

	// Reason is set for EventDisconnected.
	Reason DisconnectReason

	// ChannelID and Payload are set for EventMessage.
	ChannelID int
	Payload   []byte
}
