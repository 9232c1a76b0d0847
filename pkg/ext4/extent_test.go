package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
)

func TestResolveFileExtentsViaChunkMap(t *testing.T) {
	cm := btrfs.NewChunkMap()
	ctx := &InodeBuildContext{ChunkMap: cm, BlockSize: 4096}

	fe := &btrfs.FileEntry{Ino: 257, Extents: []*btrfs.Extent{
		{Type: btrfs.ExtentReg, FileOffset: 0, DiskBytenr: 0x5000, DiskNumBytes: 4096, NumBytes: 4096},
	}}

	_, err := ResolveFileExtents(fe, ctx)
	assert.Error(t, err, "an unresolvable chunk address must fail rather than silently fabricate a physical block")
}

func TestResolveFileExtentsBypassesChunkMapWhenRelocated(t *testing.T) {
	// A relocated extent's DiskBytenr is already a final physical byte
	// offset; resolving it through an (intentionally empty) chunk map
	// would always fail, so ResolveFileExtents must skip that lookup.
	cm := btrfs.NewChunkMap()
	ctx := &InodeBuildContext{ChunkMap: cm, BlockSize: 4096}

	fe := &btrfs.FileEntry{Ino: 257, Extents: []*btrfs.Extent{
		{Type: btrfs.ExtentReg, FileOffset: 0, DiskBytenr: 4096 * 10, DiskNumBytes: 4096, NumBytes: 4096, Relocated: true},
	}}

	out, err := ResolveFileExtents(fe, ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(10), out[0].PhysBlock)
	assert.Equal(t, int64(1), out[0].Len)
}

func TestResolveFileExtentsSkipsInlineAndHoles(t *testing.T) {
	cm := btrfs.NewChunkMap()
	ctx := &InodeBuildContext{ChunkMap: cm, BlockSize: 4096}

	fe := &btrfs.FileEntry{Ino: 257, Extents: []*btrfs.Extent{
		{Type: btrfs.ExtentInline, InlineData: []byte("hi")},
		{Type: btrfs.ExtentReg, DiskBytenr: 0}, // hole
	}}

	out, err := ResolveFileExtents(fe, ctx)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAppendPhysExtentMergesContiguousRuns(t *testing.T) {
	out := appendPhysExtent(nil, PhysExtent{LogicalBlock: 0, PhysBlock: 100, Len: 4})
	out = appendPhysExtent(out, PhysExtent{LogicalBlock: 4, PhysBlock: 104, Len: 2})
	require.Len(t, out, 1)
	assert.Equal(t, int64(6), out[0].Len)

	out = appendPhysExtent(out, PhysExtent{LogicalBlock: 10, PhysBlock: 500, Len: 1})
	require.Len(t, out, 2, "a logically and physically discontiguous run must not merge")
}

func TestBuildInodeExtentBlockInlineVsIndexed(t *testing.T) {
	var extents []PhysExtent
	for i := 0; i < MaxInlineExtents; i++ {
		extents = append(extents, PhysExtent{LogicalBlock: uint32(i * 10), PhysBlock: int64(i * 10), Len: 1})
	}

	iblock, extraBlock, extraPayload, err := BuildInodeExtentBlock(extents, 4096, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), extraBlock)
	assert.Nil(t, extraPayload)
	assert.NotZero(t, iblock)

	var nextBlock int64 = 900
	alloc := func() (int64, error) {
		b := nextBlock
		nextBlock++
		return b, nil
	}
	extents = append(extents, PhysExtent{LogicalBlock: uint32(MaxInlineExtents * 10), PhysBlock: 999, Len: 1})
	_, extraBlock, extraPayload, err = BuildInodeExtentBlock(extents, 4096, alloc)
	require.NoError(t, err)
	assert.Equal(t, int64(900), extraBlock)
	assert.NotNil(t, extraPayload)
}

func TestMaterializeCompressedExtentUsesCacheBeforeDecompressing(t *testing.T) {
	cache := NewDecompressedCache()
	e := &btrfs.Extent{Compression: btrfs.CompressZlib, FileOffset: 0, NumBytes: 8, DiskNumBytes: 16, Relocated: true, DiskBytenr: 0}
	cache.Put(e, []byte("12345678"))

	var allocated []int64
	ctx := &InodeBuildContext{
		BlockSize: 4096,
		Cache:     cache,
		AllocRun:  func(n int64) (int64, bool) { return 0, false },
		AllocDataBlock: func() (int64, error) {
			b := int64(len(allocated))
			allocated = append(allocated, b)
			return b, nil
		},
		WriteBlock: func(block int64, data []byte) error { return nil },
	}

	runs, err := materializeCompressedExtent(e, ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1), runs[0].Len, "8 bytes of decoded content rounds up to exactly one 4096-byte block")
}
