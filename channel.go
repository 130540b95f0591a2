package dgram

import (
	"fmt"
	"net"
	"time"
)

// ChannelKind is the tagged-variant discriminator for ChannelConfig, per
// spec §3: six cases, one immutable config shape per delivery discipline
// and direction.
type ChannelKind int

const (
	ChannelSendUnreliable ChannelKind = iota
	ChannelReceiveUnreliable
	ChannelSendReliable
	ChannelReceiveReliable
	ChannelSendFECReliable
	ChannelReceiveFECReliable
)

// defaultResendThreshold is the typical resend_threshold from spec §3.
const defaultResendThreshold = 1.25

// ChannelConfig is the immutable, user-supplied specification for one
// channel slot. Only the fields relevant to Kind are meaningful; see the
// per-kind constructors below, which is the idiomatic way to build one
// without leaving irrelevant fields at their zero value by accident.
type ChannelConfig struct {
	Kind ChannelKind

	// ResendThreshold applies to ChannelSendReliable and
	// ChannelSendFECReliable: a positive multiplier (typical 1.25) applied
	// to the current average RTT to decide when a slot is due for resend.
	ResendThreshold float64

	// MaxDataSymbols and MaxRepairSymbols apply to ChannelSendFECReliable
	// only; their sum must not exceed 255.
	MaxDataSymbols   int
	MaxRepairSymbols int
}

// SendUnreliableConfig returns a fire-and-forget send channel config.
func SendUnreliableConfig() ChannelConfig { return ChannelConfig{Kind: ChannelSendUnreliable} }

// ReceiveUnreliableConfig returns a fire-and-forget receive channel config.
func ReceiveUnreliableConfig() ChannelConfig { return ChannelConfig{Kind: ChannelReceiveUnreliable} }

// SendReliableConfig returns an ACK-driven reliable send channel config.
// resendThreshold <= 0 defaults to 1.25.
func SendReliableConfig(resendThreshold float64) ChannelConfig {
	if resendThreshold <= 0 {
		resendThreshold = defaultResendThreshold
	}
	return ChannelConfig{Kind: ChannelSendReliable, ResendThreshold: resendThreshold}
}

// ReceiveReliableConfig returns a duplicate-suppressing reliable receive
// channel config.
func ReceiveReliableConfig() ChannelConfig { return ChannelConfig{Kind: ChannelReceiveReliable} }

// SendFECReliableConfig returns a forward-error-corrected send channel
// config. resendThreshold <= 0 defaults to 1.25.
func SendFECReliableConfig(resendThreshold float64, maxDataSymbols, maxRepairSymbols int) ChannelConfig {
	if resendThreshold <= 0 {
		resendThreshold = defaultResendThreshold
	}
	return ChannelConfig{
		Kind:             ChannelSendFECReliable,
		ResendThreshold:  resendThreshold,
		MaxDataSymbols:   maxDataSymbols,
		MaxRepairSymbols: maxRepairSymbols,
	}
}

// ReceiveFECReliableConfig returns a forward-error-corrected receive
// channel config.
func ReceiveFECReliableConfig() ChannelConfig { return ChannelConfig{Kind: ChannelReceiveFECReliable} }

// Validate enforces the structural invariants of spec §3: ResendThreshold
// must be positive on the send-reliable disciplines, and FEC send symbol
// counts must be positive with their sum at most 255.
func (cfg ChannelConfig) Validate() error {
	switch cfg.Kind {
	case ChannelSendReliable:
		if cfg.ResendThreshold <= 0 {
			return fmt.Errorf("dgram: resend_threshold must be positive, got %v", cfg.ResendThreshold)
		}
	case ChannelSendFECReliable:
		if cfg.ResendThreshold <= 0 {
			return fmt.Errorf("dgram: resend_threshold must be positive, got %v", cfg.ResendThreshold)
		}
		if cfg.MaxDataSymbols <= 0 {
			return fmt.Errorf("dgram: max_data_symbols must be positive, got %d", cfg.MaxDataSymbols)
		}
		if cfg.MaxRepairSymbols <= 0 {
			return fmt.Errorf("dgram: max_repair_symbols must be positive, got %d", cfg.MaxRepairSymbols)
		}
		if cfg.MaxDataSymbols+cfg.MaxRepairSymbols > 255 {
			return fmt.Errorf("dgram: max_data_symbols + max_repair_symbols must be <= 255, got %d", cfg.MaxDataSymbols+cfg.MaxRepairSymbols)
		}
	}
	return nil
}

// isSend reports whether a channel of this kind is used to originate
// application sends (as opposed to deliver received payloads).
func (k ChannelKind) isSend() bool {
	switch k {
	case ChannelSendUnreliable, ChannelSendReliable, ChannelSendFECReliable:
		return true
	default:
		return false
	}
}

// channel is the per-Connection, per-configured-slot state: the outer
// shell shared by all six variants (spec §9's "tagged-variant channels").
// Only one of the typed fields is non-nil, matching cfg.Kind.
type channel struct {
	cfg ChannelConfig

	sendUnreliable *sendUnreliableState
	recvUnreliable *recvUnreliableState
	sendReliable   *sendReliableState
	recvReliable   *recvReliableState
	sendFEC        *sendFECState
	recvFEC        *recvFECState
}

// newChannel constructs the state variant for cfg.
func newChannel(cfg ChannelConfig) *channel {
	c := &channel{cfg: cfg}
	switch cfg.Kind {
	case ChannelSendUnreliable:
		c.sendUnreliable = &sendUnreliableState{}
	case ChannelReceiveUnreliable:
		c.recvUnreliable = &recvUnreliableState{}
	case ChannelSendReliable:
		c.sendReliable = newSendReliableState(cfg.ResendThreshold)
	case ChannelReceiveReliable:
		c.recvReliable = newRecvReliableState()
	case ChannelSendFECReliable:
		c.sendFEC = newSendFECState(cfg.ResendThreshold, cfg.MaxDataSymbols, cfg.MaxRepairSymbols)
	case ChannelReceiveFECReliable:
		c.recvFEC = newRecvFECState()
	}
	return c
}

// ring is the shared ring-buffer bookkeeping for the send and receive
// reliable variants (plain and FEC): one slot per outstanding sequence.
// Per spec §9 Design Notes: indexed by absolute sequence number minus a
// separately-tracked base.
type ring[T any] struct {
	baseSeq uint64
	slots   []T

	// started records whether ensure has been called yet. baseSeq starts
	// at 0, the first sequence every sender uses, and only ever moves
	// forward (through trimFront) — see ensure below.
	started bool
}

func newRing[T any]() *ring[T] {
	return &ring[T]{}
}

// ensure grows the ring so that absolute sequence seq has a slot, filling
// any newly-created gap with the zero value of T. ensure never moves
// baseSeq: once slots have been trimmed, baseSeq is the high-water mark of
// sequences already retired, and a stale seq below it must not resurrect a
// slot (spec §8 invariant 1/3) — callers must still check seq against
// baseSeq themselves before relying on ensure/at, since ensure is a no-op
// (no slot created) for seq < baseSeq.
func (r *ring[T]) ensure(seq uint64) {
	r.started = true
	for r.baseSeq+uint64(len(r.slots)) <= seq {
		var zero T
		r.slots = append(r.slots, zero)
	}
}

// at returns a pointer to the slot for seq, and whether seq is within the
// ring's current bounds (>= baseSeq and < baseSeq+len).
func (r *ring[T]) at(seq uint64) (*T, bool) {
	if seq < r.baseSeq {
		return nil, false
	}
	idx := seq - r.baseSeq
	if idx >= uint64(len(r.slots)) {
		return nil, false
	}
	return &r.slots[idx], true
}

// trimFront pops slots from the front while terminal(slot) holds,
// advancing baseSeq. Per spec §3's "Front-trimming rule."
func (r *ring[T]) trimFront(terminal func(*T) bool) {
	i := 0
	for i < len(r.slots) && terminal(&r.slots[i]) {
		i++
	}
	if i > 0 {
		r.slots = r.slots[i:]
		r.baseSeq += uint64(i)
	}
}

// nextSeq is the next unused sequence number: baseSeq + len(slots).
func (r *ring[T]) nextSeq() uint64 {
	return r.baseSeq + uint64(len(r.slots))
}

// channelContext is everything a channel method needs that it does not own
// itself, passed by value per spec §9's "no cyclic ownership": peer
// address, this channel's id, the socket to transmit through, and the
// current instant. The connection's RTT estimate is passed to tick as
// separate arguments.
type channelContext struct {
	sock      *socket
	peer      *net.UDPAddr
	channelID int
	now       time.Time
}

// send dispatches an application send to this channel's send-side variant,
// failing if the channel was configured as a receive discipline.
func (c *channel) send(ctx channelContext, payload []byte) error {
	switch c.cfg.Kind {
	case ChannelSendUnreliable:
		return c.sendUnreliable.send(ctx, payload)
	case ChannelSendReliable:
		return c.sendReliable.send(ctx, payload)
	case ChannelSendFECReliable:
		return c.sendFEC.send(ctx, payload)
	default:
		return ErrSendOnReceiveChannel
	}
}

// receive dispatches an inbound channel frame to this channel's variant.
// It returns the payload to deliver as a Message event, if any, performing
// whatever wire-level ack the discipline requires along the way.
func (c *channel) receive(ctx channelContext, frame []byte) (payload []byte, delivered bool, err error) {
	switch c.cfg.Kind {
	case ChannelReceiveUnreliable:
		payload, delivered = c.recvUnreliable.receive(frame)
		return payload, delivered, nil

	case ChannelSendReliable:
		// Inbound frames on a send-reliable channel are acks.
		return nil, false, c.sendReliable.receiveAck(frame)

	case ChannelReceiveReliable:
		return c.recvReliable.receive(frame)

	case ChannelSendFECReliable:
		// Inbound frames on a send-fec-reliable channel are acks.
		return nil, false, c.sendFEC.receiveAck(frame)

	case ChannelReceiveFECReliable:
		ack, payload, delivered, err := c.recvFEC.receive(frame)
		if err != nil {
			return nil, false, err
		}
		if ack.send {
			if sendErr := sendFECAck(ctx, ack); sendErr != nil {
				return nil, false, sendErr
			}
		}
		return payload, delivered, nil

	default:
		return nil, false, nil
	}
}

// tick dispatches periodic work (retransmission or ack-flush) to whichever
// variant needs it; the unreliable and receive-FEC variants have none.
func (c *channel) tick(ctx channelContext, averagePing time.Duration, haveAveragePing bool) error {
	switch c.cfg.Kind {
	case ChannelSendReliable:
		return c.sendReliable.tick(ctx, averagePing, haveAveragePing)
	case ChannelReceiveReliable:
		return c.recvReliable.tick(ctx)
	case ChannelSendFECReliable:
		return c.sendFEC.tick(ctx, averagePing, haveAveragePing)
	default:
		return nil
	}
}

// sendFECAck transmits the ack a ReceiveFecReliable.receive call decided on.
func sendFECAck(ctx channelContext, ack ackDecision) error {
	var frame []byte
	if ack.wholeMessage {
		frame = encodeFECWholeAck(ack.seq)
	} else {
		frame = encodeFECSymbolAck(ack.seq, ack.symbolIndex)
	}
	packet := make([]byte, 1+len(frame))
	packet[0] = channelTag(ctx.channelID)
	copy(packet[1:], frame)
	return ctx.sock.sendBytes(ctx.peer, packet)
}
