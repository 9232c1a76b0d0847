package ext4

import (
	"time"

	"github.com/sisatech/btrfs2ext4/pkg/bitalloc"
	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
)

// Finalize re-derives every group's free block/inode counts from the
// final block and inode bitmaps, then rewrites every has_super
// superblock copy and its accompanying GDT with those counts (§4.10,
// final step before Pass 3 completes). Superblock self-checksums are
// left zero: this writer enables RO_COMPAT_GDT_CSUM for group descriptor
// integrity but not RO_COMPAT_METADATA_CSUM, so the superblock checksum
// field is never consulted by a reader.
func Finalize(dev *blockdev.Device, l *Layout, blockBitmap, inodeBitmap *bitalloc.Bitmap, p SuperblockParams) error {
	counts := make([]GroupCounts, l.NumGroups)
	var totalFreeBlocks, totalFreeInodes int64
	for i, g := range l.Groups {
		fb := CountFreeBlocksInGroup(l, blockBitmap, g)
		fi := CountFreeInodesInGroup(l, inodeBitmap, g)
		counts[i] = GroupCounts{FreeBlocks: fb, FreeInodes: fi}
		totalFreeBlocks += fb
		totalFreeInodes += fi
	}

	p.FreeBlocks = totalFreeBlocks
	p.FreeInodes = totalFreeInodes
	if p.Now.IsZero() {
		p.Now = time.Now()
	}

	for g, grp := range l.Groups {
		if !grp.HasSuper {
			continue
		}
		sb := BuildSuperblock(l, p, int64(g))
		off := SuperblockOffset(l, int64(g))
		if err := WriteSuperblock(dev, off, sb); err != nil {
			return err
		}
	}

	return WriteGDT(dev, l, counts, p.UUID)
}
