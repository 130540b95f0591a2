package dgram

import (
	"encoding/binary"
	"fmt"
)

// Packet type tags, the 1-byte prefix every UDP payload begins with. Tags
// 3 and above carry a channel payload; the inner channel id is tag-3.
const (
	tagHeartbeat     byte = 0
	tagClose         byte = 1
	tagHeartbeatEcho byte = 2
	channelOffset         = 3
)

// FEC ack sub-tags, the first byte of a channel frame for a FEC-reliable
// receive->send ack.
const (
	fecAckWholeMessage byte = 0
	fecAckSingleSymbol byte = 1
)

const instanceTagLen = 16

// instanceTag is the 16-byte value derived from a process's wall-clock
// startup instant, used to distinguish instances behind the same address.
type instanceTag [instanceTagLen]byte

// newInstanceTag derives an instance tag from wallClockMS, a wall-clock
// reading in milliseconds since the Unix epoch. Only the low 8 bytes carry
// data; the wire field is 16 bytes for compatibility with peers that use a
// wider tag.
func newInstanceTag(wallClockMS int64) instanceTag {
	var tag instanceTag
	binary.BigEndian.PutUint64(tag[8:], uint64(wallClockMS))
	return tag
}

// encodeHeartbeat lays out a tag-0 packet: 16-byte instance tag, 16-byte BE
// u128 timestamp (we only ever populate the low 8 bytes; elapsedMS is
// milliseconds since the sending connection's creation_time).
func encodeHeartbeat(instance instanceTag, elapsedMS int64) []byte {
	buf := make([]byte, 1+instanceTagLen+16)
	buf[0] = tagHeartbeat
	copy(buf[1:1+instanceTagLen], instance[:])
	binary.BigEndian.PutUint64(buf[1+instanceTagLen+8:], uint64(elapsedMS))
	return buf
}

// decodeHeartbeat parses a tag-0 body (the byte after the type tag onward).
func decodeHeartbeat(body []byte) (instance instanceTag, elapsedMS int64, err error) {
	if len(body) < instanceTagLen+16 {
		return instance, 0, fmt.Errorf("dgram: truncated heartbeat")
	}
	copy(instance[:], body[:instanceTagLen])
	elapsedMS = int64(binary.BigEndian.Uint64(body[instanceTagLen+8 : instanceTagLen+16]))
	return instance, elapsedMS, nil
}

// elapsedMSToTimestamp lays out an elapsed-milliseconds value into the
// low 8 bytes of a 16-byte wire timestamp field, matching newInstanceTag's
// layout so a heartbeat's timestamp can be echoed back via
// encodeHeartbeatEcho.
func elapsedMSToTimestamp(elapsedMS int64) [16]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[8:], uint64(elapsedMS))
	return buf
}

// encodeClose lays out a tag-1 packet (empty body).
func encodeClose() []byte {
	return []byte{tagClose}
}

// encodeHeartbeatEcho lays out a tag-2 packet, echoing the 16-byte
// timestamp field verbatim from a received heartbeat.
func encodeHeartbeatEcho(timestamp [16]byte) []byte {
	buf := make([]byte, 1+16)
	buf[0] = tagHeartbeatEcho
	copy(buf[1:], timestamp[:])
	return buf
}

// decodeHeartbeatEcho parses a tag-2 body, returning the raw 16 bytes. The
// caller reinterprets the low 8 bytes as milliseconds (see newInstanceTag).
func decodeHeartbeatEcho(body []byte) (timestamp [16]byte, err error) {
	if len(body) < 16 {
		return timestamp, fmt.Errorf("dgram: truncated heartbeat echo")
	}
	copy(timestamp[:], body[:16])
	return timestamp, nil
}

// channelTag returns the wire type byte for a channel frame.
func channelTag(channelID int) byte {
	return byte(channelID + channelOffset)
}

// channelIDFromTag returns the channel id for a tag >= 3, and whether the
// tag is in fact a channel tag.
func channelIDFromTag(tag byte) (int, bool) {
	if int(tag) < channelOffset {
		return 0, false
	}
	return int(tag) - channelOffset, true
}

// --- Reliable channel framing ---

// encodeReliableData lays out the send->receive frame for ReliableSend:
// 8-byte BE sequence ‖ payload.
func encodeReliableData(seq uint64, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf, seq)
	copy(buf[8:], payload)
	return buf
}

// decodeReliableData parses a ReliableSend frame, returning the sequence
// and a view into payload (no copy).
func decodeReliableData(frame []byte) (seq uint64, payload []byte, err error) {
	if len(frame) < 8 {
		return 0, nil, fmt.Errorf("dgram: truncated reliable data frame")
	}
	return binary.BigEndian.Uint64(frame), frame[8:], nil
}

// encodeReliableAck lays out the receive->send ack frame: 8-byte BE sequence.
func encodeReliableAck(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// decodeReliableAck parses a reliable ack frame.
func decodeReliableAck(frame []byte) (seq uint64, err error) {
	if len(frame) < 8 {
		return 0, fmt.Errorf("dgram: truncated reliable ack frame")
	}
	return binary.BigEndian.Uint64(frame), nil
}

// --- FEC-reliable channel framing ---

// fecDataHeaderLen is the fixed-size portion of a FEC data frame: 8-byte
// sequence, 4-byte source-symbol-count, 1-byte symbol index, 2-byte
// original message length.
const fecDataHeaderLen = 8 + 4 + 1 + 2

// encodeFECData lays out a FEC data frame per spec §4.1.
func encodeFECData(seq uint64, sourceSymbolCount uint32, symbolIndex byte, origLen uint16, symbol []byte) []byte {
	buf := make([]byte, fecDataHeaderLen+len(symbol))
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], sourceSymbolCount)
	buf[12] = symbolIndex
	binary.BigEndian.PutUint16(buf[13:15], origLen)
	copy(buf[fecDataHeaderLen:], symbol)
	return buf
}

// fecDataFrame is the parsed form of a FEC data frame.
type fecDataFrame struct {
	seq                uint64
	sourceSymbolCount  uint32
	symbolIndex        byte
	sourceBlockLength  uint16
	symbol             []byte
}

// decodeFECData parses a FEC data frame.
func decodeFECData(frame []byte) (fecDataFrame, error) {
	if len(frame) < fecDataHeaderLen {
		return fecDataFrame{}, fmt.Errorf("dgram: truncated fec data frame")
	}
	f := fecDataFrame{
		seq:               binary.BigEndian.Uint64(frame[0:8]),
		sourceSymbolCount: binary.BigEndian.Uint32(frame[8:12]),
		symbolIndex:       frame[12],
		sourceBlockLength: binary.BigEndian.Uint16(frame[13:15]),
		symbol:            frame[fecDataHeaderLen:],
	}
	return f, nil
}

// encodeFECWholeAck lays out a whole-message FEC ack: 0x00 ‖ 8-byte sequence.
func encodeFECWholeAck(seq uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = fecAckWholeMessage
	binary.BigEndian.PutUint64(buf[1:], seq)
	return buf
}

// encodeFECSymbolAck lays out a single-symbol FEC ack: 0x01 ‖ 8-byte
// sequence ‖ 1-byte symbol index.
func encodeFECSymbolAck(seq uint64, symbolIndex byte) []byte {
	buf := make([]byte, 1+8+1)
	buf[0] = fecAckSingleSymbol
	binary.BigEndian.PutUint64(buf[1:9], seq)
	buf[9] = symbolIndex
	return buf
}

// fecAck is the parsed form of either FEC ack shape.
type fecAck struct {
	wholeMessage bool
	seq          uint64
	symbolIndex  byte // only meaningful when !wholeMessage
}

// decodeFECAck parses either FEC ack frame shape.
func decodeFECAck(frame []byte) (fecAck, error) {
	if len(frame) < 1 {
		return fecAck{}, fmt.Errorf("dgram: empty fec ack frame")
	}
	switch frame[0] {
	case fecAckWholeMessage:
		if len(frame) < 1+8 {
			return fecAck{}, fmt.Errorf("dgram: truncated fec whole-message ack")
		}
		return fecAck{wholeMessage: true, seq: binary.BigEndian.Uint64(frame[1:9])}, nil
	case fecAckSingleSymbol:
		if len(frame) < 1+8+1 {
			return fecAck{}, fmt.Errorf("dgram: truncated fec single-symbol ack")
		}
		return fecAck{seq: binary.BigEndian.Uint64(frame[1:9]), symbolIndex: frame[9]}, nil
	default:
		return fecAck{}, fmt.Errorf("dgram: unknown fec ack sub-tag %d", frame[0])
	}
}
