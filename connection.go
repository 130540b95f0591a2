package dgram

import (
	"net"
	"time"
)

// connection is the per-peer state of spec §4.4: heartbeat deadlines, RTT
// samples, the peer's instance tag, and the owned channel vector. It never
// references the Endpoint or socket directly — everything it needs to
// transmit is passed into its methods, per §9's "no cyclic ownership."
type connection struct {
	peerInstance *instanceTag // nil until the first heartbeat arrives

	creationTime time.Time

	pingMemoryLen int
	pingMemory    []int64 // milliseconds, FIFO, oldest first
	averagePing   time.Duration
	haveAverage   bool

	lastRxKeepalive time.Time
	lastTxKeepalive time.Time

	channels []*channel
}

// newConnection allocates a connection and its channel vector, aligned 1:1
// with channelConfigs. creationTime is the local instant at which the
// Endpoint is about to emit the first heartbeat; lastRxKeepalive is seeded
// to the same instant so a freshly-created connection isn't immediately
// eligible for timeout.
func newConnection(now time.Time, pingMemoryLength int, channelConfigs []ChannelConfig) *connection {
	chans := make([]*channel, len(channelConfigs))
	for i, cfg := range channelConfigs {
		chans[i] = newChannel(cfg)
	}
	return &connection{
		creationTime:    now,
		pingMemoryLen:   pingMemoryLength,
		lastRxKeepalive: now,
		channels:        chans,
	}
}

// sendHeartbeat emits a tag-0 packet carrying ourInstance and the elapsed
// milliseconds since creationTime, and records the send time.
func (c *connection) sendHeartbeat(sock *socket, peer *net.UDPAddr, ourInstance instanceTag, now time.Time) error {
	elapsedMS := now.Sub(c.creationTime).Milliseconds()
	if err := sock.sendBytes(peer, encodeHeartbeat(ourInstance, elapsedMS)); err != nil {
		return err
	}
	c.lastTxKeepalive = now
	return nil
}

// sendEcho replies to an inbound heartbeat with a tag-2 echo, copying the
// 16-byte timestamp field back verbatim.
func (c *connection) sendEcho(sock *socket, peer *net.UDPAddr, timestamp [16]byte) error {
	return sock.sendBytes(peer, encodeHeartbeatEcho(timestamp))
}

// sendClose emits a tag-1 close packet.
func (c *connection) sendClose(sock *socket, peer *net.UDPAddr) error {
	return sock.sendBytes(peer, encodeClose())
}

// observePeerInstance records tag on first observation and reports whether
// a later observation differs from what was recorded — spec §8 invariant 6,
// "peer_instance is write-once."
func (c *connection) observePeerInstance(tag instanceTag) (restarted bool) {
	if c.peerInstance == nil {
		stored := tag
		c.peerInstance = &stored
		return false
	}
	return *c.peerInstance != tag
}

// recordRTTSample computes sample = (now-creationTime) - originalElapsedMS,
// the milliseconds our own heartbeat had elapsed when we sent it, per
// §4.4's RTT sample formula, appends it to ping_memory (evicting the oldest
// if at capacity), and recomputes average_ping as the integer mean.
func (c *connection) recordRTTSample(now time.Time, originalElapsedMS int64) {
	elapsedNowMS := now.Sub(c.creationTime).Milliseconds()
	sampleMS := elapsedNowMS - originalElapsedMS
	if sampleMS < 0 {
		sampleMS = 0
	}
	c.pingMemory = append(c.pingMemory, sampleMS)
	if len(c.pingMemory) > c.pingMemoryLen {
		c.pingMemory = c.pingMemory[len(c.pingMemory)-c.pingMemoryLen:]
	}
	var sum int64
	for _, s := range c.pingMemory {
		sum += s
	}
	c.averagePing = time.Duration(sum/int64(len(c.pingMemory))) * time.Millisecond
	c.haveAverage = true
}

// tick performs this connection's periodic work: heartbeat send if due,
// then each channel's own tick, gated on the current average_ping.
func (c *connection) tick(sock *socket, peer *net.UDPAddr, ourInstance instanceTag, heartbeatInterval time.Duration, now time.Time) error {
	if now.Sub(c.lastTxKeepalive) > heartbeatInterval {
		if err := c.sendHeartbeat(sock, peer, ourInstance, now); err != nil {
			return err
		}
	}
	for i, ch := range c.channels {
		ctx := channelContext{sock: sock, peer: peer, channelID: i, now: now}
		if err := ch.tick(ctx, c.averagePing, c.haveAverage); err != nil {
			return err
		}
	}
	return nil
}

// receive delivers an inbound channel frame to channel channelID, returning
// the payload to surface as a Message event, if any.
func (c *connection) receive(sock *socket, peer *net.UDPAddr, channelID int, now time.Time, frame []byte) (payload []byte, delivered bool, err error) {
	if channelID < 0 || channelID >= len(c.channels) {
		return nil, false, nil
	}
	ctx := channelContext{sock: sock, peer: peer, channelID: channelID, now: now}
	return c.channels[channelID].receive(ctx, frame)
}

// send stages and transmits an application payload on channel channelID.
func (c *connection) send(sock *socket, peer *net.UDPAddr, channelID int, now time.Time, payload []byte) error {
	if channelID < 0 || channelID >= len(c.channels) {
		return ErrInvalidChannelId
	}
	ctx := channelContext{sock: sock, peer: peer, channelID: channelID, now: now}
	return c.channels[channelID].send(ctx, payload)
}

// ping returns the current average RTT estimate, and whether one exists yet.
func (c *connection) ping() (time.Duration, bool) {
	return c.averagePing, c.haveAverage
}
