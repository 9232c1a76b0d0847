package relocate

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
)

// identityChunkMap returns a ChunkMap resolving every logical address to
// the same physical offset, covering [0, length).
func identityChunkMap(t *testing.T, length uint64) *btrfs.ChunkMap {
	t.Helper()
	cm := btrfs.NewChunkMap()
	key := btrfs.DiskKey{ObjectID: btrfs.ObjIDFirstChunkTree, Type: btrfs.KeyChunkItem, Offset: 0}
	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, btrfs.Chunk{Length: length, Type: btrfs.BlockGroupData, NumStripes: 1}))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, btrfs.Stripe{DevID: 1, Offset: 0}))
	require.NoError(t, cm.AddChunkItem(key, buf.Bytes()))
	return cm
}

func TestSplitExtentMiddleRelocationLeavesTwoUntouchedEdges(t *testing.T) {
	const blockSize = 4096
	e := &btrfs.Extent{FileOffset: 1000, DiskBytenr: 0x10000, DiskNumBytes: 5 * blockSize, NumBytes: 5 * blockSize}
	reqs := []splitReq{{blockOff: 2, blockLen: 1, dstBlock: 900}}

	pieces := splitExtent(e, reqs, blockSize)
	require.Len(t, pieces, 3)

	assert.False(t, pieces[0].Relocated)
	assert.Equal(t, e.DiskBytenr, pieces[0].DiskBytenr)
	assert.Equal(t, uint64(2*blockSize), pieces[0].DiskNumBytes)

	assert.True(t, pieces[1].Relocated)
	assert.Equal(t, uint64(900*blockSize), pieces[1].DiskBytenr)
	assert.Equal(t, uint64(blockSize), pieces[1].DiskNumBytes)
	assert.Equal(t, e.FileOffset+2*blockSize, pieces[1].FileOffset)

	assert.False(t, pieces[2].Relocated)
	assert.Equal(t, e.DiskBytenr+3*blockSize, pieces[2].DiskBytenr)
	assert.Equal(t, uint64(2*blockSize), pieces[2].DiskNumBytes)

	var total uint64
	for _, p := range pieces {
		total += p.DiskNumBytes
	}
	assert.Equal(t, e.DiskNumBytes, total, "splitting must not drop or duplicate bytes")
}

func TestSplitExtentWholeExtentRelocation(t *testing.T) {
	const blockSize = 4096
	e := &btrfs.Extent{FileOffset: 0, DiskBytenr: 0x10000, DiskNumBytes: 3 * blockSize, NumBytes: 3 * blockSize, Compression: btrfs.CompressZstd}
	reqs := []splitReq{{blockOff: 0, blockLen: 3, dstBlock: 55}}

	pieces := splitExtent(e, reqs, blockSize)
	require.Len(t, pieces, 1)
	assert.True(t, pieces[0].Relocated)
	assert.Equal(t, uint64(55*blockSize), pieces[0].DiskBytenr)
	assert.Equal(t, e.DiskNumBytes, pieces[0].DiskNumBytes)
	assert.Equal(t, e.Compression, pieces[0].Compression)
}

func TestSplitExtentPrefixOnlyRelocation(t *testing.T) {
	const blockSize = 4096
	e := &btrfs.Extent{FileOffset: 0, DiskBytenr: 0x20000, DiskNumBytes: 4 * blockSize, NumBytes: 4 * blockSize}
	reqs := []splitReq{{blockOff: 0, blockLen: 1, dstBlock: 10}}

	pieces := splitExtent(e, reqs, blockSize)
	require.Len(t, pieces, 2)
	assert.True(t, pieces[0].Relocated)
	assert.False(t, pieces[1].Relocated)
	assert.Equal(t, e.DiskBytenr+blockSize, pieces[1].DiskBytenr)
}

func TestBuildAndRewriteExtentsRelocatesConflictingRun(t *testing.T) {
	const blockSize = 4096
	m := btrfs.NewModel()
	e := &btrfs.Extent{FileOffset: 0, DiskBytenr: 0, DiskNumBytes: 3 * blockSize, NumBytes: 3 * blockSize}
	fe := &btrfs.FileEntry{Ino: 257, Extents: []*btrfs.Extent{e}}
	m.Inodes[257] = fe
	m.UsedBlocks.Ranges = append(m.UsedBlocks.Ranges, btrfs.UsedRange{Start: 0, Length: 3 * blockSize})

	cm := identityChunkMap(t, 100*blockSize)

	reserved := []int64{0, 1} // blocks 0-1 conflict with ext4 metadata
	p := NewPlanner(m, cm, blockSize, 100, reserved)

	plan, err := p.Build()
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1, "the two conflicting blocks should coalesce into one entry")
	assert.Equal(t, uint64(0), plan.Entries[0].SrcOffset)
	assert.Equal(t, uint64(2*blockSize), plan.Entries[0].Length)
	assert.True(t, plan.Entries[0].DstOffset >= uint64(2*blockSize), "destination must land outside the reserved+occupied region")

	require.NoError(t, p.RewriteExtents(plan))
	require.Len(t, fe.Extents, 2, "the relocated prefix and the untouched third block")
	assert.True(t, fe.Extents[0].Relocated)
	assert.Equal(t, uint64(2*blockSize), fe.Extents[0].DiskNumBytes)
	assert.False(t, fe.Extents[1].Relocated)
	assert.Equal(t, e.DiskBytenr+2*blockSize, fe.Extents[1].DiskBytenr)
	assert.Equal(t, uint64(blockSize), fe.Extents[1].DiskNumBytes)
}
