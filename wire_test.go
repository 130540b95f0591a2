package dgram

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatRoundTrip(t *testing.T) {
	instance := newInstanceTag(1_700_000_000_123)
	body := encodeHeartbeat(instance, 4242)

	gotInstance, gotElapsed, err := decodeHeartbeat(body[1:])
	require.NoError(t, err)
	require.Equal(t, instance, gotInstance)
	require.Equal(t, int64(4242), gotElapsed)
}

func TestDecodeHeartbeatTruncated(t *testing.T) {
	_, _, err := decodeHeartbeat([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestHeartbeatEchoRoundTrip(t *testing.T) {
	ts := elapsedMSToTimestamp(9999)
	body := encodeHeartbeatEcho(ts)

	got, err := decodeHeartbeatEcho(body[1:])
	require.NoError(t, err)
	require.Equal(t, ts, got)
}

func TestChannelTagRoundTrip(t *testing.T) {
	for id := 0; id < 252; id++ {
		tag := channelTag(id)
		got, ok := channelIDFromTag(tag)
		require.True(t, ok)
		require.Equal(t, id, got)
	}
}

func TestChannelIDFromTagRejectsControlTags(t *testing.T) {
	_, ok := channelIDFromTag(tagHeartbeat)
	require.False(t, ok)
	_, ok = channelIDFromTag(tagClose)
	require.False(t, ok)
	_, ok = channelIDFromTag(tagHeartbeatEcho)
	require.False(t, ok)
}

func TestReliableDataRoundTrip(t *testing.T) {
	frame := encodeReliableData(7, []byte("payload"))
	seq, payload, err := decodeReliableData(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(7), seq)
	require.Equal(t, []byte("payload"), payload)
}

func TestReliableAckRoundTrip(t *testing.T) {
	frame := encodeReliableAck(123456789)
	seq, err := decodeReliableAck(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(123456789), seq)
}

func TestFECDataRoundTrip(t *testing.T) {
	symbol := []byte{1, 2, 3, 4, 5}
	frame := encodeFECData(99, 4, 2, 17, symbol)

	f, err := decodeFECData(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(99), f.seq)
	require.Equal(t, uint32(4), f.sourceSymbolCount)
	require.Equal(t, byte(2), f.symbolIndex)
	require.Equal(t, uint16(17), f.sourceBlockLength)
	require.Equal(t, symbol, f.symbol)
}

func TestFECAckRoundTrip(t *testing.T) {
	whole := encodeFECWholeAck(5)
	ack, err := decodeFECAck(whole)
	require.NoError(t, err)
	require.True(t, ack.wholeMessage)
	require.Equal(t, uint64(5), ack.seq)

	single := encodeFECSymbolAck(5, 3)
	ack, err = decodeFECAck(single)
	require.NoError(t, err)
	require.False(t, ack.wholeMessage)
	require.Equal(t, uint64(5), ack.seq)
	require.Equal(t, byte(3), ack.symbolIndex)
}

func TestDecodeFECAckUnknownSubTag(t *testing.T) {
	_, err := decodeFECAck([]byte{9, 0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
}
