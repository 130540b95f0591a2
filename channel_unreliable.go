package dgram

// Unreliable channels carry no state at all — fire-and-forget, no
// ordering, no retransmission (spec §1, §3's state table).

type sendUnreliableState struct{}

// send stages and transmits the raw application payload with no framing
// beyond the channel type tag.
func (s *sendUnreliableState) send(ctx channelContext, payload []byte) error {
	ctx.sock.clear()
	if err := ctx.sock.write([]byte{channelTag(ctx.channelID)}); err != nil {
		return err
	}
	if err := ctx.sock.write(payload); err != nil {
		return err
	}
	return ctx.sock.send(ctx.peer)
}

type recvUnreliableState struct{}

// receive has nothing to validate or track; the frame bytes are the
// message, delivered immediately in arrival order (spec §5's "Unreliable
// messages are delivered in arrival order"). frame is a view into the
// socket's single reusable receive buffer, so it must be copied before
// returning — Tick's drain loop overwrites that buffer on every recv.
func (s *recvUnreliableState) receive(frame []byte) (payload []byte, delivered bool) {
	payloadCopy := make([]byte, len(frame))
	copy(payloadCopy, frame)
	return payloadCopy, true
}
