package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	b := New(nil)
	b.WriteByte(0x01)
	b.WriteUint16(0x0203)
	b.WriteUint32(0x04050607)
	b.WriteUint64(0x08090a0b0c0d0e0f)
	b.WriteString("hi")

	require.Equal(t, 1+2+4+8+2, b.Len())

	by, err := b.ReadByte()
	require.NoError(t, err)
	require.EqualValues(t, 0x01, by)

	u16, err := b.ReadUint16()
	require.NoError(t, err)
	require.EqualValues(t, 0x0203, u16)

	u32, err := b.ReadUint32()
	require.NoError(t, err)
	require.EqualValues(t, 0x04050607, u32)

	u64, err := b.ReadUint64()
	require.NoError(t, err)
	require.EqualValues(t, 0x08090a0b0c0d0e0f, u64)

	rest, err := b.Next(2)
	require.NoError(t, err)
	require.Equal(t, "hi", string(rest))

	require.Zero(t, b.Len())
}

func TestNextInsufficientData(t *testing.T) {
	b := New([]byte{1, 2})
	_, err := b.Next(3)
	require.Error(t, err)
}

func TestPeekDoesNotAdvance(t *testing.T) {
	b := New([]byte{0xaa, 0xbb})
	pk, err := b.PeekByte()
	require.NoError(t, err)
	require.EqualValues(t, 0xaa, pk)
	require.Equal(t, 2, b.Len())
}

func TestDetachAndReset(t *testing.T) {
	b := New(nil)
	b.Write([]byte{1, 2, 3})
	out := b.Detach()
	require.Equal(t, []byte{1, 2, 3}, out)
	require.Zero(t, b.Len())

	b2 := New([]byte{1, 2, 3})
	b2.Skip(1)
	b2.Reset()
	require.Zero(t, b2.Len())
}
