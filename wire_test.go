package ecmaster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWireRoundTripU8(t *testing.T) {
	buf := Buffer(make([]byte, 1))
	for _, v := range []uint8{0, 1, 0x7F, 0xFF} {
		buf.WriteU8(0, v)
		require.Equal(t, v, buf.U8(0))
	}
}

func TestWireRoundTripU16(t *testing.T) {
	buf := Buffer(make([]byte, 2))
	for _, v := range []uint16{0, 1, 0x00FF, 0xFF00, 0xFFFF} {
		buf.WriteU16(0, v)
		require.Equal(t, v, buf.U16(0))
	}
}

func TestWireRoundTripU32(t *testing.T) {
	buf := Buffer(make([]byte, 4))
	for _, v := range []uint32{0, 1, 0x12345678, 0xFFFFFFFF} {
		buf.WriteU32(0, v)
		require.Equal(t, v, buf.U32(0))
	}
}

func TestWireRoundTripU64(t *testing.T) {
	buf := Buffer(make([]byte, 8))
	for _, v := range []uint64{0, 1, 0x0123456789ABCDEF, 0xFFFFFFFFFFFFFFFF} {
		buf.WriteU64(0, v)
		require.Equal(t, v, buf.U64(0))
	}
}

func TestWireLittleEndianIndependentOfHostOrder(t *testing.T) {
	buf := Buffer(make([]byte, 4))
	buf.WriteU32(0, 0x01020304)
	// Byte 0 is the least significant byte on the wire, regardless of host order.
	require.Equal(t, byte(0x04), buf[0])
	require.Equal(t, byte(0x03), buf[1])
	require.Equal(t, byte(0x02), buf[2])
	require.Equal(t, byte(0x01), buf[3])
}

func TestWireBitPacking(t *testing.T) {
	buf := Buffer(make([]byte, 2))
	buf.WriteBits(0, 3, 5, 0x1F)
	require.EqualValues(t, 0x1F, buf.ReadBits(0, 3, 5))
	require.False(t, buf.Bit(0, 0))
	require.False(t, buf.Bit(0, 1))
	require.False(t, buf.Bit(0, 2))
	require.True(t, buf.Bit(0, 3))
}

func TestWireBitPackingCrossesByteBoundary(t *testing.T) {
	buf := Buffer(make([]byte, 2))
	buf.WriteBits(0, 6, 4, 0b1010)
	require.EqualValues(t, 0b1010, buf.ReadBits(0, 6, 4))
}
