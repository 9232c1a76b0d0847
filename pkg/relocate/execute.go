package relocate

import (
	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/errs"
)

const maxCopyChunk = 16 << 20 // §4.8: copy in chunks of at most 16 MiB

// Execute runs the relocation plan: saves the migration map unconditionally
// (even with zero entries), then for each entry copies src -> dst in
// chunks, journals the move before the destination write begins, updates a
// running CRC32C, marks the entry completed, and finally rewrites every
// in-memory extent pointing at a moved block. When a copy fails it
// triggers a partial journal replay up to the failing sequence and
// returns; a failed journal write returns without a replay.
func Execute(dev *blockdev.Device, planner *Planner, plan *Plan, journal *Journal, footerOffset, mapOffset int64) error {
	if err := SaveMigrationMap(dev, footerOffset, mapOffset, plan); err != nil {
		return errors.Wrap(err, "relocate: save migration map")
	}

	if err := journal.Init(); err != nil {
		return errors.Wrap(err, "relocate: init journal")
	}

	for i := range plan.Entries {
		e := &plan.Entries[i]

		if err := checkNoOverlapWithPendingSources(plan.Entries[i+1:], e.DstOffset, e.Length); err != nil {
			return err
		}

		if err := journal.LogMove(*e); err != nil {
			return errors.Wrap(err, "relocate: log move")
		}

		crc, err := copyAndChecksum(dev, e.SrcOffset, e.DstOffset, e.Length)
		if err != nil {
			seq := e.Seq
			if replayErr := journal.Replay(&seq); replayErr != nil {
				return errors.Wrapf(err, "relocate: copy failed and replay also failed: %v", replayErr)
			}
			return errors.Wrap(err, "relocate: copy entry")
		}
		e.CRC32C = crc
		e.Completed = true
		if err := journal.MarkComplete(e.Seq); err != nil {
			return err
		}
	}

	if err := planner.RewriteExtents(plan); err != nil {
		return errors.Wrap(err, "relocate: rewrite extents")
	}

	if err := journal.Clear(); err != nil {
		return err
	}

	return dev.Sync()
}

// checkNoOverlapWithPendingSources guards against the free-space allocator
// having chosen a destination run that coincides with the still-unmoved
// source range of a later entry. Entries are coalesced and sorted by
// src_offset, so a later-processed entry's source range can outlive the
// current copy; overwriting it before it is relocated would silently
// clobber data the plan still needs to read (§4.22, supplementing the §3
// invariant that Pass-3 allocations never collide with a final extent).
func checkNoOverlapWithPendingSources(pending []Entry, dst, length uint64) error {
	dstEnd := dst + length
	for _, p := range pending {
		srcEnd := p.SrcOffset + p.Length
		if dst < srcEnd && p.SrcOffset < dstEnd {
			return errs.New(errs.Corrupt, "relocate", "destination run [%d,%d) overlaps pending source range [%d,%d)", dst, dstEnd, p.SrcOffset, srcEnd)
		}
	}
	return nil
}

func copyAndChecksum(dev *blockdev.Device, src, dst, length uint64) (uint32, error) {
	var chunks [][]byte
	remaining := length
	for remaining > 0 {
		n := uint64(maxCopyChunk)
		if n > remaining {
			n = remaining
		}
		buf := make([]byte, n)
		if err := dev.ReadAt(int64(src), buf); err != nil {
			return 0, err
		}
		if err := dev.WriteAt(int64(dst), buf); err != nil {
			return 0, err
		}
		chunks = append(chunks, buf)
		src += n
		dst += n
		remaining -= n
	}
	return ChecksumEntry(chunks), nil
}
