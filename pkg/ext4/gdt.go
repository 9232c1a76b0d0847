package ext4

import (
	"bytes"
	"encoding/binary"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/checksum"
)

// BlockGroupDescriptor is the 64-byte group descriptor used once
// INCOMPAT_64BIT is set (§4.7): the legacy 32-byte record plus the _hi
// companions for every address/count field, plus a CRC16 bg_checksum.
type BlockGroupDescriptor struct {
	BlockBitmapLo     uint32
	InodeBitmapLo     uint32
	InodeTableLo      uint32
	FreeBlocksLo      uint16
	FreeInodesLo      uint16
	UsedDirsLo        uint16
	Flags             uint16
	ExcludeBitmapLo   uint32
	BlockBitmapCsumLo uint16
	InodeBitmapCsumLo uint16
	ItableUnusedLo    uint16
	Checksum          uint16

	BlockBitmapHi     uint32
	InodeBitmapHi     uint32
	InodeTableHi      uint32
	FreeBlocksHi      uint16
	FreeInodesHi      uint16
	UsedDirsHi        uint16
	ItableUnusedHi    uint16
	ExcludeBitmapHi   uint32
	BlockBitmapCsumHi uint16
	InodeBitmapCsumHi uint16
	_                 uint32
}

// GroupCounts holds the live free-space/inode accounting for one group,
// filled in once the writer has placed every inode and data block.
type GroupCounts struct {
	FreeBlocks int64
	FreeInodes int64
	UsedDirs   int64
}

func encodeDescriptor(l *Layout, g Group, c GroupCounts) BlockGroupDescriptor {
	return BlockGroupDescriptor{
		BlockBitmapLo: uint32(g.BlockBitmapAt),
		InodeBitmapLo: uint32(g.InodeBitmapAt),
		InodeTableLo:  uint32(g.InodeTableAt),
		FreeBlocksLo:  uint16(c.FreeBlocks),
		FreeInodesLo:  uint16(c.FreeInodes),
		UsedDirsLo:    uint16(c.UsedDirs),
		BlockBitmapHi: uint32(g.BlockBitmapAt >> 32),
		InodeBitmapHi: uint32(g.InodeBitmapAt >> 32),
		InodeTableHi:  uint32(g.InodeTableAt >> 32),
		FreeBlocksHi:  uint16(c.FreeBlocks >> 16),
		FreeInodesHi:  uint16(c.FreeInodes >> 16),
		UsedDirsHi:    uint16(c.UsedDirs >> 16),
	}
}

// descriptorChecksum computes bg_checksum: CRC16 seeded with 0xFFFF over
// uuid || le32(group) || descriptor-with-checksum-field-zeroed (§4.7).
func descriptorChecksum(uuid [16]byte, group uint32, desc BlockGroupDescriptor) uint16 {
	desc.Checksum = 0
	buf := new(bytes.Buffer)
	buf.Write(uuid[:])
	var g [4]byte
	binary.LittleEndian.PutUint32(g[:], group)
	buf.Write(g[:])
	binary.Write(buf, binary.LittleEndian, &desc)
	return checksum.CRC16(0xFFFF, buf.Bytes())
}

// EncodeGDT renders the full group descriptor table.
func EncodeGDT(l *Layout, counts []GroupCounts, uuid [16]byte) []byte {
	buf := new(bytes.Buffer)
	for g := int64(0); g < l.NumGroups; g++ {
		desc := encodeDescriptor(l, l.Groups[g], counts[g])
		desc.Checksum = descriptorChecksum(uuid, uint32(g), desc)
		binary.Write(buf, binary.LittleEndian, &desc)
	}
	return buf.Bytes()
}

// WriteGDT writes the encoded descriptor table at every has_super group's
// GDTAt block.
func WriteGDT(dev *blockdev.Device, l *Layout, counts []GroupCounts, uuid [16]byte) error {
	data := EncodeGDT(l, counts, uuid)
	for _, g := range l.Groups {
		if !g.HasSuper {
			continue
		}
		off := g.GDTAt * l.BlockSize
		if err := dev.WriteAt(off, data); err != nil {
			return err
		}
	}
	return nil
}
