package ext4

import (
	"github.com/sisatech/btrfs2ext4/pkg/bitalloc"
	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
)

// writeBitmapBlock serializes `limit` bits of bm starting at absolute bit
// `base` into exactly one blockSize-byte block, with every bit beyond
// limit forced set (used), matching Ext4's convention that bits
// representing nonexistent blocks/inodes in the final group read as
// allocated.
func writeBitmapBlock(dev *blockdev.Device, off int64, bm *bitalloc.Bitmap, base, limit, blockSize int64) error {
	buf := make([]byte, blockSize)
	for i := range buf {
		buf[i] = 0xFF
	}

	total := blockSize * 8
	for i := int64(0); i < total && i < limit; i++ {
		if bm.IsSet(base + i) {
			buf[i/8] |= 1 << uint(i%8)
		} else {
			buf[i/8] &^= 1 << uint(i%8)
		}
	}
	return dev.WriteAt(off, buf)
}

// WriteBlockBitmaps writes every group's block bitmap from the device-wide
// allocation bitmap bm (indexed in absolute Ext4 block numbers).
func WriteBlockBitmaps(dev *blockdev.Device, l *Layout, bm *bitalloc.Bitmap) error {
	for _, g := range l.Groups {
		limit := g.DataEnd - g.Index*l.BlocksPerGroup
		off := g.BlockBitmapAt * l.BlockSize
		if err := writeBitmapBlock(dev, off, bm, g.Index*l.BlocksPerGroup, limit, l.BlockSize); err != nil {
			return err
		}
	}
	return nil
}

// WriteInodeBitmaps writes every group's inode bitmap from the device-wide
// inode-allocation bitmap bm (indexed 0-based, ext4 inode N at bit N-1).
func WriteInodeBitmaps(dev *blockdev.Device, l *Layout, bm *bitalloc.Bitmap) error {
	for _, g := range l.Groups {
		off := g.InodeBitmapAt * l.BlockSize
		base := g.Index * l.InodesPerGroup
		if err := writeBitmapBlock(dev, off, bm, base, l.InodesPerGroup, l.BlockSize); err != nil {
			return err
		}
	}
	return nil
}

// CountFreeBlocksInGroup reports the free block count for group g given
// the device-wide block bitmap.
func CountFreeBlocksInGroup(l *Layout, bm *bitalloc.Bitmap, g Group) int64 {
	var free int64
	limit := g.DataEnd
	for i := g.Index * l.BlocksPerGroup; i < limit; i++ {
		if !bm.IsSet(i) {
			free++
		}
	}
	return free
}

// CountFreeInodesInGroup reports the free inode count for group g given
// the device-wide inode bitmap.
func CountFreeInodesInGroup(l *Layout, bm *bitalloc.Bitmap, g Group) int64 {
	var free int64
	base := g.Index * l.InodesPerGroup
	for i := base; i < base+l.InodesPerGroup; i++ {
		if !bm.IsSet(i) {
			free++
		}
	}
	return free
}
