package ecmaster

import (
	"encoding/binary"
	"math"
)

// Buffer is a little-endian wire accessor over a byte slice, used for
// datagram payloads and process-data images. All multi-byte values are
// little-endian regardless of host byte order (§4.1), independent of the
// struct packing tricks the original C master relied on.
type Buffer []byte

func (b Buffer) U8(offset int) uint8  { return b[offset] }
func (b Buffer) S8(offset int) int8   { return int8(b[offset]) }
func (b Buffer) U16(offset int) uint16 {
	return binary.LittleEndian.Uint16(b[offset:])
}
func (b Buffer) S16(offset int) int16 { return int16(b.U16(offset)) }
func (b Buffer) U32(offset int) uint32 {
	return binary.LittleEndian.Uint32(b[offset:])
}
func (b Buffer) S32(offset int) int32 { return int32(b.U32(offset)) }
func (b Buffer) U64(offset int) uint64 {
	return binary.LittleEndian.Uint64(b[offset:])
}
func (b Buffer) S64(offset int) int64 { return int64(b.U64(offset)) }
func (b Buffer) Real(offset int) float32 {
	return math.Float32frombits(b.U32(offset))
}
func (b Buffer) LReal(offset int) float64 {
	return math.Float64frombits(b.U64(offset))
}

func (b Buffer) WriteU8(offset int, v uint8)  { b[offset] = v }
func (b Buffer) WriteS8(offset int, v int8)   { b[offset] = byte(v) }
func (b Buffer) WriteU16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(b[offset:], v)
}
func (b Buffer) WriteS16(offset int, v int16) { b.WriteU16(offset, uint16(v)) }
func (b Buffer) WriteU32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(b[offset:], v)
}
func (b Buffer) WriteS32(offset int, v int32) { b.WriteU32(offset, uint32(v)) }
func (b Buffer) WriteU64(offset int, v uint64) {
	binary.LittleEndian.PutUint64(b[offset:], v)
}
func (b Buffer) WriteS64(offset int, v int64) { b.WriteU64(offset, uint64(v)) }
func (b Buffer) WriteReal(offset int, v float32) {
	b.WriteU32(offset, math.Float32bits(v))
}
func (b Buffer) WriteLReal(offset int, v float64) {
	b.WriteU64(offset, math.Float64bits(v))
}

// Bit reads/writes a single bit at (byteOffset, bitIndex), bitIndex in 0..7,
// used for bit-packed PDO entries (§4.1).
func (b Buffer) Bit(byteOffset int, bitIndex uint8) bool {
	return b[byteOffset]&(1<<bitIndex) != 0
}

func (b Buffer) WriteBit(byteOffset int, bitIndex uint8, v bool) {
	if v {
		b[byteOffset] |= 1 << bitIndex
	} else {
		b[byteOffset] &^= 1 << bitIndex
	}
}

// WriteBits writes the low nbits of v, starting at (byteOffset, bitIndex),
// packing across byte boundaries in increasing bit order. Used for PDO
// entries whose bit-length does not align to a byte.
func (b Buffer) WriteBits(byteOffset int, bitIndex uint8, nbits int, v uint64) {
	for i := 0; i < nbits; i++ {
		bit := (v>>uint(i))&1 != 0
		bo := byteOffset + int(bitIndex+uint8(i))/8
		bi := (bitIndex + uint8(i)) % 8
		b.WriteBit(bo, bi, bit)
	}
}

func (b Buffer) ReadBits(byteOffset int, bitIndex uint8, nbits int) uint64 {
	var v uint64
	for i := 0; i < nbits; i++ {
		bo := byteOffset + int(bitIndex+uint8(i))/8
		bi := (bitIndex + uint8(i)) % 8
		if b.Bit(bo, bi) {
			v |= 1 << uint(i)
		}
	}
	return v
}
