package dgram

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// This file implements the §6 "opaque FEC codec" contract concretely, as a
// thin adapter over github.com/klauspost/reedsolomon — the same
// Reed-Solomon library xtaci/kcp-go's FEC layer wraps (see
// other_examples/.../xtaci-kcptun__...fec.go in the reference pack) for the
// same purpose: turn a fixed number of equal-length data shards into extra
// parity shards, and reconstruct missing shards given enough surviving ones.
//
// Unlike kcp-go's streaming shard-set decoder (which pools shards across a
// sliding window of sequence numbers), the contract here is one encoder
// call per message and one decoder object per message, matching spec §6.

// fecEncode splits message into dataShardCount equal-length shards (padding
// the last with zeros to make them equal-length, a requirement of the
// underlying Reed-Solomon library), generates maxRepairSymbols parity
// shards, and returns all of them in order together with the data shard
// count actually used.
//
// To keep shard count (and thus per-message header overhead) predictable,
// this module always uses maxDataSymbols data shards for any non-empty
// message, clamped down only when the message is smaller than
// maxDataSymbols bytes (one byte minimum per shard).
func fecEncode(message []byte, maxDataSymbols, maxRepairSymbols int) (symbols [][]byte, sourceSymbolCount uint32, err error) {
	if maxDataSymbols <= 0 || maxRepairSymbols <= 0 {
		return nil, 0, fmt.Errorf("dgram: fec requires positive data and repair symbol counts")
	}
	if len(message) == 0 {
		return nil, 0, fmt.Errorf("dgram: fec cannot encode an empty message")
	}

	dataShardCount := maxDataSymbols
	if len(message) < dataShardCount {
		dataShardCount = len(message)
	}

	enc, err := reedsolomon.New(dataShardCount, maxRepairSymbols)
	if err != nil {
		return nil, 0, fmt.Errorf("dgram: fec encoder init: %w", err)
	}

	shardSize := (len(message) + dataShardCount - 1) / dataShardCount
	shards := make([][]byte, dataShardCount+maxRepairSymbols)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
	}
	for i := 0; i < dataShardCount; i++ {
		start := i * shardSize
		end := start + shardSize
		if end > len(message) {
			end = len(message)
		}
		copy(shards[i], message[start:end])
	}

	if err := enc.Encode(shards); err != nil {
		return nil, 0, fmt.Errorf("dgram: fec encode: %w", err)
	}

	return shards, uint32(dataShardCount), nil
}

// maxTotalShards is the ceiling the reedsolomon library (and spec §3's
// "sum <= 255" invariant) impose on data+repair shards for one message.
const maxTotalShards = 255

// fecDecoder accumulates symbols for one in-flight FEC-reliable message and
// decodes it once enough have arrived.
type fecDecoder struct {
	dataShardCount int
	shards         [][]byte
	present        []bool
	presentCount   int
	dataPresent    int
}

// newFECDecoder constructs a decoder for a message encoded with
// sourceSymbolCount data shards. The decoder does not need to know how many
// repair shards the sender generated: the systematic Reed-Solomon matrix
// klauspost/reedsolomon builds assigns each shard index a coefficient row
// that depends only on the shard's own index and dataShardCount, not on the
// declared total shard count, so reconstruction is correct as long as both
// sides agree on dataShardCount and on which absolute index each symbol
// occupies (both conveyed on the wire, see wire.go's fecDataFrame).
func newFECDecoder(sourceSymbolCount uint32) *fecDecoder {
	return &fecDecoder{
		dataShardCount: int(sourceSymbolCount),
		shards:         make([][]byte, sourceSymbolCount),
		present:        make([]bool, sourceSymbolCount),
	}
}

// addSymbol records symbol at the given index. Indices below
// dataShardCount are data shards; indices at or above are repair shards.
func (d *fecDecoder) addSymbol(symbol []byte, index int) {
	if index >= len(d.shards) {
		grown := make([][]byte, index+1)
		copy(grown, d.shards)
		d.shards = grown
		growPresent := make([]bool, index+1)
		copy(growPresent, d.present)
		d.present = growPresent
	}
	if d.present[index] {
		return
	}
	cp := make([]byte, len(symbol))
	copy(cp, symbol)
	d.shards[index] = cp
	d.present[index] = true
	d.presentCount++
	if index < d.dataShardCount {
		d.dataPresent++
	}
}

// fullySpecified reports whether enough shards have arrived to reconstruct
// the message: either all data shards directly, or at least
// dataShardCount total shards (data+repair) so Reed-Solomon can recover the
// rest.
func (d *fecDecoder) fullySpecified() bool {
	if d.dataPresent == d.dataShardCount {
		return true
	}
	return d.presentCount >= d.dataShardCount && d.dataShardCount > 0
}

// decode reconstructs the original message, truncated to sourceBlockLength.
func (d *fecDecoder) decode(sourceBlockLength int) ([]byte, error) {
	if !d.fullySpecified() {
		return nil, fmt.Errorf("dgram: fec decode called before full specification")
	}
	if d.dataPresent == d.dataShardCount {
		return d.concatData(sourceBlockLength), nil
	}

	// Use a fixed, generous parity-shard count for the reconstruction
	// matrix rather than len(shards)-dataShardCount: the matrix rows this
	// library builds are invariant per-index (see newFECDecoder's doc), so
	// any parityShards value that is at least as large as the highest
	// repair index observed produces identical coefficients to whatever
	// the sender actually used.
	parityShards := maxTotalShards - d.dataShardCount
	if highest := len(d.shards) - d.dataShardCount; highest > parityShards {
		parityShards = highest
	}
	if parityShards <= 0 {
		return nil, fmt.Errorf("dgram: fec decode needs at least one repair shard when data is incomplete")
	}
	enc, err := reedsolomon.New(d.dataShardCount, parityShards)
	if err != nil {
		return nil, fmt.Errorf("dgram: fec decoder init: %w", err)
	}

	shardSize := 0
	for _, s := range d.shards {
		if len(s) > shardSize {
			shardSize = len(s)
		}
	}
	shards := make([][]byte, d.dataShardCount+parityShards)
	for i := range shards {
		if i < len(d.shards) && d.present[i] {
			s := d.shards[i]
			if len(s) < shardSize {
				padded := make([]byte, shardSize)
				copy(padded, s)
				s = padded
			}
			shards[i] = s
		}
	}

	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("dgram: fec reconstruct: %w", err)
	}

	return d.concatFrom(shards, sourceBlockLength), nil
}

func (d *fecDecoder) concatData(sourceBlockLength int) []byte {
	out := make([]byte, 0, sourceBlockLength)
	for i := 0; i < d.dataShardCount; i++ {
		out = append(out, d.shards[i]...)
	}
	if len(out) > sourceBlockLength {
		out = out[:sourceBlockLength]
	}
	return out
}

func (d *fecDecoder) concatFrom(shards [][]byte, sourceBlockLength int) []byte {
	out := make([]byte, 0, sourceBlockLength)
	for i := 0; i < d.dataShardCount; i++ {
		out = append(out, shards[i]...)
	}
	if len(out) > sourceBlockLength {
		out = out[:sourceBlockLength]
	}
	return out
}
