package dgram

import "time"

// --- SendReliable (spec §4.3.1) ---

type reliableInFlight struct {
	active   bool
	lastSend time.Time
	payload  []byte
}

type sendReliableState struct {
	seqCounter      uint64
	resendThreshold float64
	ring            *ring[reliableInFlight]
}

func newSendReliableState(resendThreshold float64) *sendReliableState {
	return &sendReliableState{resendThreshold: resendThreshold, ring: newRing[reliableInFlight]()}
}

// send stages channel prefix ‖ seq ‖ payload, transmits it, and records the
// slot as in-flight.
func (s *sendReliableState) send(ctx channelContext, payload []byte) error {
	seq := s.seqCounter
	frame := encodeReliableData(seq, payload)

	ctx.sock.clear()
	if err := ctx.sock.write([]byte{channelTag(ctx.channelID)}); err != nil {
		return err
	}
	if err := ctx.sock.write(frame); err != nil {
		return err
	}
	if err := ctx.sock.send(ctx.peer); err != nil {
		return err
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	s.ring.ensure(seq)
	slot, _ := s.ring.at(seq)
	*slot = reliableInFlight{active: true, lastSend: ctx.now, payload: payloadCopy}
	s.seqCounter++
	return nil
}

// receiveAck processes an inbound ack frame (8-byte sequence): clears the
// slot if present and front-trims.
func (s *sendReliableState) receiveAck(frame []byte) error {
	seq, err := decodeReliableAck(frame)
	if err != nil {
		return err
	}
	if seq < s.ring.baseSeq {
		return nil
	}
	slot, ok := s.ring.at(seq)
	if !ok {
		return nil
	}
	*slot = reliableInFlight{}
	s.ring.trimFront(func(sl *reliableInFlight) bool { return !sl.active })
	return nil
}

// tick retransmits any slot whose age exceeds averagePing*resendThreshold.
// A no-op until the first RTT sample lands (spec §4.3.1, §9 Open Question).
func (s *sendReliableState) tick(ctx channelContext, averagePing time.Duration, haveAveragePing bool) error {
	if !haveAveragePing {
		return nil
	}
	threshold := time.Duration(float64(averagePing) * s.resendThreshold)
	for i := range s.ring.slots {
		slot := &s.ring.slots[i]
		if !slot.active {
			continue
		}
		if ctx.now.Sub(slot.lastSend) <= threshold {
			continue
		}
		seq := s.ring.baseSeq + uint64(i)
		frame := encodeReliableData(seq, slot.payload)
		ctx.sock.clear()
		if err := ctx.sock.write([]byte{channelTag(ctx.channelID)}); err != nil {
			return err
		}
		if err := ctx.sock.write(frame); err != nil {
			return err
		}
		if err := ctx.sock.send(ctx.peer); err != nil {
			return err
		}
		slot.lastSend = ctx.now
	}
	return nil
}

// --- ReceiveReliable (spec §4.3.2) ---

type recvReliableState struct {
	pendingAcks []uint64
	ring        *ring[bool]
}

func newRecvReliableState() *recvReliableState {
	return &recvReliableState{ring: newRing[bool]()}
}

// receive parses the inbound frame, unconditionally queues an ack, and
// returns the payload exactly once per sequence (first-observation order,
// duplicates suppressed — spec §8 invariant 1).
func (s *recvReliableState) receive(frame []byte) (payload []byte, delivered bool, err error) {
	seq, body, err := decodeReliableData(frame)
	if err != nil {
		return nil, false, err
	}
	s.pendingAcks = append(s.pendingAcks, seq)

	if s.ring.started && seq < s.ring.baseSeq {
		return nil, false, nil // already delivered and trimmed
	}
	s.ring.ensure(seq)
	slot, _ := s.ring.at(seq)
	if *slot {
		return nil, false, nil // duplicate, still pending in the ring
	}
	*slot = true
	s.ring.trimFront(func(sl *bool) bool { return *sl })

	payloadCopy := make([]byte, len(body))
	copy(payloadCopy, body)
	return payloadCopy, true, nil
}

// tick drains pendingAcks into one ack datagram per queued sequence (spec
// §4.3.2: "acks are cheap," duplicates included).
func (s *recvReliableState) tick(ctx channelContext) error {
	for _, seq := range s.pendingAcks {
		frame := encodeReliableAck(seq)
		ctx.sock.clear()
		if err := ctx.sock.write([]byte{channelTag(ctx.channelID)}); err != nil {
			return err
		}
		if err := ctx.sock.write(frame); err != nil {
			return err
		}
		if err := ctx.sock.send(ctx.peer); err != nil {
			return err
		}
	}
	s.pendingAcks = s.pendingAcks[:0]
	return nil
}
