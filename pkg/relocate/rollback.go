package relocate

import (
	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
)

// Rollback reverses a persisted migration plan: for each entry in reverse
// order it copies dst -> src in 1 MiB chunks, restores the saved Btrfs
// superblock, and erases the footer. A missing or invalid footer means
// there is nothing to roll back, reported via ok=false rather than an
// error.
func Rollback(dev *blockdev.Device, deviceSize, blockSize int64) (ok bool, err error) {
	footerOffset := FooterOffset(deviceSize, blockSize)
	backupOffset := SuperbackupOffset(deviceSize, blockSize)

	plan, found, err := LoadMigrationMap(dev, footerOffset)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	// Reverse every entry regardless of its Completed bit: Execute saves
	// the migration map once, before any copy starts, so the bits stored
	// in it are never set.
	const rollbackChunk = 1 << 20
	for i := len(plan.Entries) - 1; i >= 0; i-- {
		e := plan.Entries[i]
		if err := copyChunkedSized(dev, e.DstOffset, e.SrcOffset, e.Length, rollbackChunk); err != nil {
			return false, errors.Wrapf(err, "relocate: rollback entry seq %d", e.Seq)
		}
	}

	if err := RestoreSuperblockBackup(dev, backupOffset); err != nil {
		return false, err
	}

	if err := EraseFooter(dev, footerOffset); err != nil {
		return false, err
	}

	return true, dev.Sync()
}

func copyChunkedSized(dev *blockdev.Device, src, dst, length uint64, chunkSize uint64) error {
	buf := make([]byte, chunkSize)
	remaining := length
	for remaining > 0 {
		n := chunkSize
		if n > remaining {
			n = remaining
		}
		chunk := buf[:n]
		if err := dev.ReadAt(int64(src), chunk); err != nil {
			return err
		}
		if err := dev.WriteAt(int64(dst), chunk); err != nil {
			return err
		}
		src += n
		dst += n
		remaining -= n
	}
	return nil
}
