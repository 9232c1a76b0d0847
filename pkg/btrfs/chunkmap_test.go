package btrfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeChunkItem(t *testing.T, key DiskKey, c Chunk, stripes []Stripe) []byte {
	t.Helper()
	c.NumStripes = uint16(len(stripes))
	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, key))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, c))
	for _, s := range stripes {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, s))
	}
	return buf.Bytes()
}

func TestChunkMapResolve(t *testing.T) {
	m := NewChunkMap()

	key := DiskKey{ObjectID: ObjIDFirstChunkTree, Type: KeyChunkItem, Offset: 0x4000000}
	item := encodeChunkItem(t, key, Chunk{Length: 0x1000000, Type: BlockGroupData}, []Stripe{{DevID: 1, Offset: 0x10000000}})

	decoded := item[17:]
	require.NoError(t, m.AddChunkItem(key, decoded))

	phys, ok := m.Resolve(0x4000000)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10000000), phys)

	phys, ok = m.Resolve(0x4000000 + 0x100)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10000100), phys)

	_, ok = m.Resolve(0x4000000 + 0x1000000)
	assert.False(t, ok)

	_, ok = m.Resolve(0x1000)
	assert.False(t, ok)
}

func TestChunkMapMultipleSorted(t *testing.T) {
	m := NewChunkMap()
	require.NoError(t, m.AddChunkItem(DiskKey{Offset: 0x8000000}, encodeChunkItem(t, DiskKey{}, Chunk{Length: 0x100000}, []Stripe{{Offset: 0x90000000}})[17:]))
	require.NoError(t, m.AddChunkItem(DiskKey{Offset: 0x1000000}, encodeChunkItem(t, DiskKey{}, Chunk{Length: 0x100000}, []Stripe{{Offset: 0x20000000}})[17:]))

	assert.Equal(t, 2, m.Len())
	mappings := m.Mappings()
	assert.True(t, mappings[0].Logical < mappings[1].Logical)

	phys, ok := m.Resolve(0x1000500)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x20000500), phys)
}

func TestChunkMapZeroStripesRejected(t *testing.T) {
	m := NewChunkMap()
	_, _, err := decodeChunkItem(DiskKey{}, encodeChunkItem(t, DiskKey{}, Chunk{Length: 1}, nil)[17:])
	assert.Error(t, err)
}
