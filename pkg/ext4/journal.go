package ext4

import (
	"bytes"
	"encoding/binary"

	"github.com/sisatech/btrfs2ext4/pkg/bitalloc"
	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
)

const (
	MinJournalBlocks = 1024
	MaxJournalBlocks = 32768
)

const (
	JBD2MagicNumber = 0xc03b3998

	JBD2SuperblockV1 = 3
	JBD2SuperblockV2 = 4

	JBD2FeatureIncompatRevoke      = 0x1
	JBD2FeatureIncompat64Bit       = 0x2
	JBD2FeatureIncompatAsyncCommit = 0x4
)

// JournalSuperblock is JBD2's big-endian on-disk journal superblock
// (§4.10). Only the fields a freshly formatted, empty journal needs are
// populated; Users is left zeroed (no registered users beyond this fs).
type JournalSuperblock struct {
	Magic     uint32
	BlockType uint32
	Sequence  uint32

	BlockSize       uint32
	MaxLen          uint32
	First           uint32
	SequenceStart   uint32
	Start           uint32
	ErrorNo         int32

	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32

	UUID            [16]byte
	NumUsers        uint32
	DynSuper        uint32
	MaxTransaction  uint32
	MaxTransData    uint32
	ChecksumType    uint8
	Padding2        [3]byte
	NumFCBlocks     uint32
	HeadBlock       uint32
	_               [40]uint32
	Checksum        uint32
	Users           [16 * 48]byte
}

// JournalSizeBlocks picks a journal size of 10% of the total block count,
// clamped to [MinJournalBlocks, MaxJournalBlocks] and then to totalBlocks.
// The minimum is applied after the 10% cut, so on small devices the
// journal takes more than 10% of the blocks.
func JournalSizeBlocks(totalBlocks int64) int64 {
	blocks := totalBlocks / 10
	if blocks > MaxJournalBlocks {
		blocks = MaxJournalBlocks
	}
	if blocks < MinJournalBlocks {
		blocks = MinJournalBlocks
	}
	if blocks > totalBlocks {
		blocks = totalBlocks
	}
	return blocks
}

// AllocateJournal finds a contiguous free run of journalBlocks in bm,
// preferring the tail of the device (the allocator's ScanFromEnd policy),
// matching the teacher's placement of the journal as the last major
// allocation before finalization. When no run that long is free it returns
// the longest free run instead. It does not mark the run used; the caller
// does.
func AllocateJournal(bm *bitalloc.Bitmap, journalBlocks int64) (start, length int64, ok bool) {
	return bitalloc.ScanFromEnd(bm, journalBlocks)
}

// BuildJournalSuperblock renders JBD2's journal superblock for a freshly
// initialized (empty) journal of the given size.
func BuildJournalSuperblock(blockSize int64, blocks int64, uuid [16]byte) []byte {
	sb := JournalSuperblock{
		Magic:           JBD2MagicNumber,
		BlockType:       JBD2SuperblockV2,
		Sequence:        1,
		BlockSize:       uint32(blockSize),
		MaxLen:          uint32(blocks),
		First:           1,
		SequenceStart:   1,
		Start:           0,
		FeatureIncompat: JBD2FeatureIncompatRevoke | JBD2FeatureIncompat64Bit,
		UUID:            uuid,
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, &sb)
	out := buf.Bytes()
	if int64(len(out)) < blockSize {
		out = append(out, make([]byte, blockSize-int64(len(out)))...)
	}
	return out
}

// WriteJournal writes the journal superblock at the first allocated
// journal block and zero-fills the remainder. The caller builds inode 8's
// extent tree from the same start and length.
func WriteJournal(dev *blockdev.Device, blockSize int64, start, length int64, uuid [16]byte) error {
	sbData := BuildJournalSuperblock(blockSize, length, uuid)
	if err := dev.WriteAt(start*blockSize, sbData); err != nil {
		return err
	}
	zero := make([]byte, blockSize)
	for b := start + 1; b < start+length; b++ {
		if err := dev.WriteAt(b*blockSize, zero); err != nil {
			return err
		}
	}
	return nil
}
