package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sisatech/btrfs2ext4/pkg/ext4"
)

func TestDivideUp(t *testing.T) {
	assert.Equal(t, int64(0), divideUp(0, 4096))
	assert.Equal(t, int64(0), divideUp(-1, 4096))
	assert.Equal(t, int64(1), divideUp(1, 4096))
	assert.Equal(t, int64(1), divideUp(4096, 4096))
	assert.Equal(t, int64(2), divideUp(4097, 4096))
}

func TestAlignDown(t *testing.T) {
	assert.Equal(t, int64(0), alignDown(100, 4096))
	assert.Equal(t, int64(4096), alignDown(4096, 4096))
	assert.Equal(t, int64(4096), alignDown(8191, 4096))
	assert.Equal(t, int64(8192), alignDown(8192, 4096))
}

func TestHashSeedFromUUID(t *testing.T) {
	var id [16]byte
	for i := range id {
		id[i] = byte(i)
	}
	seed := hashSeedFromUUID(id)
	a := assert.New(t)
	a.Equal(uint32(0x03020100), seed[0])
	a.Equal(uint32(0x07060504), seed[1])
	a.Equal(uint32(0x0b0a0908), seed[2])
	a.Equal(uint32(0x0f0e0d0c), seed[3])
}

func TestControlRegionBytesGrowsWithEntryCount(t *testing.T) {
	small := controlRegionBytes(1)
	large := controlRegionBytes(100)
	assert.Less(t, small, large)
	assert.Equal(t, int64(8192), controlRegionBytes(0), "zero entries leaves just the footer and superblock backup")
}

func TestControlOffsetsOrdersRegionsBelowFooter(t *testing.T) {
	d := &Driver{}
	layout := &ext4.Layout{BlockSize: 4096}

	mapOffset, journalHeaderAt, journalDataAt := d.controlOffsets(layout, 1<<20, 50)

	assert.Less(t, mapOffset, int64(1<<20), "the migration map sits below the footer")
	assert.Less(t, journalDataAt, mapOffset, "journal data sits below the migration map")
	assert.Equal(t, journalDataAt-layout.BlockSize, journalHeaderAt, "the journal header sits one block below its data")
	assert.Equal(t, int64(0), mapOffset%layout.BlockSize)
	assert.Equal(t, int64(0), journalDataAt%layout.BlockSize)
}

func TestWorkerCountBoundedByMemoryLimit(t *testing.T) {
	d := &Driver{opts: Options{MemoryLimit: 64 << 20}}
	assert.Equal(t, 1, d.workerCount(), "a budget for exactly one worker must not round up")

	d = &Driver{opts: Options{MemoryLimit: 0}}
	assert.GreaterOrEqual(t, d.workerCount(), 1, "no limit still returns at least one worker")
}
