package dgram

import "time"

// --- SendFecReliable (spec §4.3.3) ---

// fecInFlight is one slot's worth of encoded symbol packets, each prebuilt
// so retransmission is a pure replay (no re-encoding).
type fecInFlight struct {
	active   bool
	lastSend time.Time
	packets  [][]byte // nil entries mean that symbol has been acked away
	present  int       // count of non-nil entries; slot clears when 0
}

type sendFECState struct {
	seqCounter       uint64
	resendThreshold  float64
	maxDataSymbols   int
	maxRepairSymbols int
	ring             *ring[fecInFlight]
}

func newSendFECState(resendThreshold float64, maxDataSymbols, maxRepairSymbols int) *sendFECState {
	return &sendFECState{
		resendThreshold:  resendThreshold,
		maxDataSymbols:   maxDataSymbols,
		maxRepairSymbols: maxRepairSymbols,
		ring:             newRing[fecInFlight](),
	}
}

// send encodes payload into symbols via the FEC codec, builds one wire
// packet per symbol, transmits every one immediately, and retains the
// packet bytes for replay on resend.
func (s *sendFECState) send(ctx channelContext, payload []byte) error {
	symbols, sourceSymbolCount, err := fecEncode(payload, s.maxDataSymbols, s.maxRepairSymbols)
	if err != nil {
		return err
	}

	seq := s.seqCounter
	packets := make([][]byte, len(symbols))
	for i, sym := range symbols {
		frame := encodeFECData(seq, sourceSymbolCount, byte(i), uint16(len(payload)), sym)
		packet := make([]byte, 1+len(frame))
		packet[0] = channelTag(ctx.channelID)
		copy(packet[1:], frame)
		packets[i] = packet

		if err := ctx.sock.sendBytes(ctx.peer, packet); err != nil {
			return err
		}
	}

	s.ring.ensure(seq)
	slot, _ := s.ring.at(seq)
	*slot = fecInFlight{active: true, lastSend: ctx.now, packets: packets, present: len(packets)}
	s.seqCounter++
	return nil
}

// receiveAck processes an inbound FEC ack frame: a whole-message ack clears
// the entire slot; a single-symbol ack clears just that symbol, clearing
// the slot once no symbols remain.
func (s *sendFECState) receiveAck(frame []byte) error {
	ack, err := decodeFECAck(frame)
	if err != nil {
		return err
	}
	slot, ok := s.ring.at(ack.seq)
	if !ok {
		return nil
	}
	if ack.wholeMessage {
		*slot = fecInFlight{}
	} else if int(ack.symbolIndex) < len(slot.packets) && slot.packets[ack.symbolIndex] != nil {
		slot.packets[ack.symbolIndex] = nil
		slot.present--
		if slot.present <= 0 {
			*slot = fecInFlight{}
		}
	}
	s.ring.trimFront(func(sl *fecInFlight) bool { return !sl.active })
	return nil
}

// tick retransmits every still-present symbol of any slot whose age
// exceeds averagePing*resendThreshold.
func (s *sendFECState) tick(ctx channelContext, averagePing time.Duration, haveAveragePing bool) error {
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
		for _, packet := range slot.packets {
			if packet == nil {
				continue
			}
			if err := ctx.sock.sendBytes(ctx.peer, packet); err != nil {
				return err
			}
		}
		slot.lastSend = ctx.now
	}
	return nil
}

// --- ReceiveFecReliable (spec §4.3.4) ---

type fecSlotState int

const (
	fecSlotNotSeen fecSlotState = iota
	fecSlotReceiving
	fecSlotReceived
)

type recvFECSlot struct {
	state   fecSlotState
	decoder *fecDecoder
}

type recvFECState struct {
	ring *ring[recvFECSlot]
}

func newRecvFECState() *recvFECState {
	return &recvFECState{ring: newRing[recvFECSlot]()}
}

// ackDecision is what receive tells the caller to transmit back, since a
// FEC receive can provoke an ack even when it doesn't deliver a message.
type ackDecision struct {
	send         bool
	wholeMessage bool
	seq          uint64
	symbolIndex  byte
}

// receive parses the inbound FEC data frame, updates decoder state, and
// reports both the ack that must be sent and, if the message just became
// fully specified, the decoded payload.
func (s *recvFECState) receive(frame []byte) (ack ackDecision, payload []byte, delivered bool, err error) {
	f, err := decodeFECData(frame)
	if err != nil {
		return ackDecision{}, nil, false, err
	}

	if s.ring.started && f.seq < s.ring.baseSeq {
		return ackDecision{send: true, wholeMessage: true, seq: f.seq}, nil, false, nil
	}

	s.ring.ensure(f.seq)
	slot, _ := s.ring.at(f.seq)

	switch slot.state {
	case fecSlotReceived:
		return ackDecision{send: true, wholeMessage: true, seq: f.seq}, nil, false, nil
	case fecSlotNotSeen:
		slot.state = fecSlotReceiving
		slot.decoder = newFECDecoder(f.sourceSymbolCount)
	}

	ack = ackDecision{send: true, wholeMessage: false, seq: f.seq, symbolIndex: f.symbolIndex}

	slot.decoder.addSymbol(f.symbol, int(f.symbolIndex))
	if !slot.decoder.fullySpecified() {
		return ack, nil, false, nil
	}

	decoded, err := slot.decoder.decode(int(f.sourceBlockLength))
	if err != nil {
		return ack, nil, false, err
	}
	slot.state = fecSlotReceived
	slot.decoder = nil

	s.ring.trimFront(func(sl *recvFECSlot) bool { return sl.state == fecSlotReceived })

	return ackDecision{send: true, wholeMessage: true, seq: f.seq}, decoded, true, nil
}
