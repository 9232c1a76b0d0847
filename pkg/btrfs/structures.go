// Package btrfs implements read-only access to the on-disk structures of a
// single-device Btrfs filesystem: superblock, B-tree nodes, and the leaf
// item payloads needed to reconstruct an in-memory filesystem model.
package btrfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Fixed offsets and sizes.
const (
	SuperOffset           = 0x10000
	SuperSize             = 4096
	CsumSize              = 32
	FSIDSize              = 16
	UUIDSize              = 16
	LabelSize             = 256
	SystemChunkArraySize  = 2048
	NumBackupRoots        = 4
	MaxLevel              = 8
	Magic          uint64 = 0x4D5F53665248425F // "_BHRfS_M" little-endian
)

// Checksum algorithm values stored in the superblock's csum_type field.
const (
	CsumTypeCRC32  uint16 = 0
	CsumTypeXXHash uint16 = 1
	CsumTypeSHA256 uint16 = 2
	CsumTypeBLAKE2 uint16 = 3
)

// Key type values (key.type field).
const (
	KeyInodeItem      uint8 = 0x01
	KeyInodeRef       uint8 = 0x0C
	KeyInodeExtref    uint8 = 0x0D
	KeyXattrItem      uint8 = 0x18
	KeyOrphanItem     uint8 = 0x30
	KeyDirLogItem     uint8 = 0x3C
	KeyDirLogIndex    uint8 = 0x48
	KeyDirItem        uint8 = 0x54
	KeyDirIndex       uint8 = 0x60
	KeyExtentData     uint8 = 0x6C
	KeyExtentCsum     uint8 = 0x80
	KeyRootItem       uint8 = 0x84
	KeyRootBackref    uint8 = 0x90
	KeyRootRef        uint8 = 0x9C
	KeyExtentItem     uint8 = 0xA8
	KeyMetadataItem   uint8 = 0xA9
	KeyTreeBlockRef   uint8 = 0xB0
	KeyExtentDataRef  uint8 = 0xB2
	KeySharedBlockRef uint8 = 0xB6
	KeySharedDataRef  uint8 = 0xB8
	KeyBlockGroupItem uint8 = 0xC0
	KeyDevExtent      uint8 = 0xCC
	KeyDevItem        uint8 = 0xD8
	KeyChunkItem      uint8 = 0xE4
	KeyStringItem     uint8 = 0xFD
)

// Well-known object IDs.
const (
	ObjIDRootTree        uint64 = 1
	ObjIDExtentTree      uint64 = 2
	ObjIDChunkTree       uint64 = 3
	ObjIDDevTree         uint64 = 4
	ObjIDFSTree          uint64 = 5
	ObjIDRootTreeDir     uint64 = 6
	ObjIDCsumTree        uint64 = 7
	ObjIDFirstFree       uint64 = 256
	ObjIDLastFree        uint64 = 0xFFFFFFFFFFFFFF00
	ObjIDFirstChunkTree  uint64 = 256
)

// File extent types (file_extent_item.type).
const (
	FileExtentInline   uint8 = 0
	FileExtentReg      uint8 = 1
	FileExtentPrealloc uint8 = 2
)

// Compression algorithms (file_extent_item.compression).
const (
	CompressNone uint8 = 0
	CompressZlib uint8 = 1
	CompressLZO  uint8 = 2
	CompressZstd uint8 = 3
)

// Directory entry file types (dir_item.type).
const (
	FTUnknown uint8 = 0
	FTRegFile uint8 = 1
	FTDir     uint8 = 2
	FTChrdev  uint8 = 3
	FTBlkdev  uint8 = 4
	FTFifo    uint8 = 5
	FTSock    uint8 = 6
	FTSymlink uint8 = 7
	FTXattr   uint8 = 8
)

// Block group flags.
const (
	BlockGroupData     uint64 = 1 << 0
	BlockGroupSystem   uint64 = 1 << 1
	BlockGroupMetadata uint64 = 1 << 2
)

// DiskKey is the 17-byte on-disk key embedded in items, key pointers, dir
// items, and root items.
type DiskKey struct {
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

// Less orders keys the way Btrfs does: by objectid, then type, then offset.
func (k DiskKey) Less(o DiskKey) bool {
	if k.ObjectID != o.ObjectID {
		return k.ObjectID < o.ObjectID
	}
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	return k.Offset < o.Offset
}

// Timespec is a Btrfs on-disk timestamp.
type Timespec struct {
	Sec  int64
	Nsec uint32
}

// DevItem describes the single supported device, embedded in the
// superblock and mirrored in the dev tree.
type DevItem struct {
	DevID        uint64
	TotalBytes   uint64
	BytesUsed    uint64
	IOAlign      uint32
	IOWidth      uint32
	SectorSize   uint32
	Type         uint64
	Generation   uint64
	StartOffset  uint64
	DevGroup     uint32
	SeekSpeed    uint8
	Bandwidth    uint8
	UUID         [UUIDSize]byte
	FSID         [FSIDSize]byte
}

// RootBackup is one of the four backup-root snapshots carried in the
// superblock for crash recovery; unused here beyond parsing.
type RootBackup struct {
	TreeRoot        uint64
	TreeRootGen     uint64
	ChunkRoot       uint64
	ChunkRootGen    uint64
	ExtentRoot      uint64
	ExtentRootGen   uint64
	FSRoot          uint64
	FSRootGen       uint64
	DevRoot         uint64
	DevRootGen      uint64
	CsumRoot        uint64
	CsumRootGen     uint64
	TotalBytes      uint64
	BytesUsed       uint64
	NumDevices      uint64
	_               [4]uint64
	TreeRootLevel   uint8
	ChunkRootLevel  uint8
	ExtentRootLevel uint8
	FSRootLevel     uint8
	DevRootLevel    uint8
	CsumRootLevel   uint8
	_               [10]uint8
}

// Superblock is the 4096-byte Btrfs superblock, read verbatim at
// SuperOffset. DevItem, Label, and the sys_chunk_array are fixed-size
// embedded fields; everything past SuperRoots is padding to 4096 bytes and
// is not represented here.
type Superblock struct {
	Csum                [CsumSize]byte
	FSID                [FSIDSize]byte
	Bytenr              uint64
	Flags               uint64
	MagicValue          uint64
	Generation          uint64
	Root                uint64
	ChunkRoot           uint64
	LogRoot             uint64
	LogRootTransID      uint64
	TotalBytes          uint64
	BytesUsed           uint64
	RootDirObjectID     uint64
	NumDevices          uint64
	SectorSize          uint32
	NodeSize            uint32
	_                   uint32 // unused leafsize, historically == nodesize
	StripeSize          uint32
	SysChunkArraySize   uint32
	ChunkRootGeneration uint64
	CompatFlags         uint64
	CompatROFlags       uint64
	IncompatFlags       uint64
	CsumType            uint16
	RootLevel           uint8
	ChunkRootLevel      uint8
	LogRootLevel        uint8
	DevItem             DevItem
	Label               [LabelSize]byte
	CacheGeneration     uint64
	UUIDTreeGeneration  uint64
	MetadataUUID        [FSIDSize]byte
	_                   [28]uint64
	SysChunkArray       [SystemChunkArraySize]byte
	SuperRoots          [NumBackupRoots]RootBackup
}

// ReadSuperblock decodes raw (exactly SuperSize bytes) into a Superblock.
func ReadSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < SuperSize {
		return nil, errors.Errorf("btrfs: superblock buffer too short: want %d got %d", SuperSize, len(raw))
	}
	var sb Superblock
	if err := binary.Read(bytes.NewReader(raw[:SuperSize]), binary.LittleEndian, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// Header is common to every B-tree node, internal or leaf.
type Header struct {
	Csum          [CsumSize]byte
	FSID          [FSIDSize]byte
	Bytenr        uint64
	Flags         uint64
	ChunkTreeUUID [UUIDSize]byte
	Generation    uint64
	Owner         uint64
	NrItems       uint32
	Level         uint8
}

// HeaderSize is the on-disk size of Header.
const HeaderSize = CsumSize + FSIDSize + 8 + 8 + UUIDSize + 8 + 8 + 4 + 1

// KeyPtr is one entry of an internal node: a key plus the logical address
// and generation of the child it guards.
type KeyPtr struct {
	Key        DiskKey
	BlockPtr   uint64
	Generation uint64
}

// Item is one entry of a leaf node's item array; Offset/Size locate the
// item's payload relative to the end of the node header.
type Item struct {
	Key    DiskKey
	Offset uint32
	Size   uint32
}

// Stripe is one physical placement of a chunk (only single-stripe layouts
// are supported, per scope).
type Stripe struct {
	DevID   uint64
	Offset  uint64
	DevUUID [UUIDSize]byte
}

// StripeSize is the on-disk size of Stripe.
const StripeSize = 8 + 8 + UUIDSize

// Chunk is the fixed-size header of a chunk item; it is followed by
// NumStripes Stripe records.
type Chunk struct {
	Length     uint64
	Owner      uint64
	StripeLen  uint64
	Type       uint64
	IOAlign    uint32
	IOWidth    uint32
	SectorSize uint32
	NumStripes uint16
	SubStripes uint16
}

// ChunkHeaderSize is the fixed portion of Chunk before its stripe array.
const ChunkHeaderSize = 8 + 8 + 8 + 8 + 4 + 4 + 4 + 2 + 2

// InodeItem carries the stat-like metadata for one Btrfs inode.
type InodeItem struct {
	Generation uint64
	TransID    uint64
	Size       uint64
	NBytes     uint64
	BlockGroup uint64
	Nlink      uint32
	UID        uint32
	GID        uint32
	Mode       uint32
	Rdev       uint64
	Flags      uint64
	Sequence   uint64
	_          [4]uint64
	Atime      Timespec
	Mtime      Timespec
	Ctime      Timespec
	Otime      Timespec
}

// InodeItemSize is the on-disk size of InodeItem.
const InodeItemSize = 8*3 + 8*2 + 4*4 + 8*3 + 8*4 + (8+4)*4

// RootItem describes one tree rooted in the root tree (FS tree, extent
// tree, etc.).
type RootItem struct {
	Inode          InodeItem
	Generation     uint64
	RootDirID      uint64
	Bytenr         uint64
	ByteLimit      uint64
	BytesUsed      uint64
	LastSnapshot   uint64
	Flags          uint64
	Refs           uint32
	DropProgress   DiskKey
	DropLevel      uint8
	Level          uint8
	GenerationV2   uint64
	UUID           [UUIDSize]byte
	ParentUUID     [UUIDSize]byte
	ReceivedUUID   [UUIDSize]byte
	CTransID       uint64
	OTransID       uint64
	STransID       uint64
	RTransID       uint64
	Ctime          Timespec
	Otime          Timespec
	Stime          Timespec
	Rtime          Timespec
	_              [8]uint64
}

// InodeRef records a primary-parent linkage; the variable-length name
// follows immediately in the item payload.
type InodeRef struct {
	Index   uint64
	NameLen uint16
}

// InodeRefHeaderSize is the fixed portion of InodeRef before its name.
const InodeRefHeaderSize = 8 + 2

// DirItem is the fixed portion of a DIR_ITEM/DIR_INDEX entry; the name and
// optional data follow immediately in the item payload.
type DirItem struct {
	Location DiskKey
	TransID  uint64
	DataLen  uint16
	NameLen  uint16
	Type     uint8
}

// DirItemHeaderSize is the fixed portion of DirItem before name/data.
const DirItemHeaderSize = 17 + 8 + 2 + 2 + 1

// FileExtentItem is the fixed header of an EXTENT_DATA item. For
// FileExtentInline, the remaining item bytes beyond this header's first 21
// bytes (Generation..Type) are the inline data itself; for Reg/Prealloc,
// the remaining fields below are present.
type FileExtentItem struct {
	Generation     uint64
	RamBytes       uint64
	Compression    uint8
	Encryption     uint8
	OtherEncoding  uint16
	Type           uint8
	DiskBytenr     uint64
	DiskNumBytes   uint64
	Offset         uint64
	NumBytes       uint64
}

// FileExtentInlineHeaderSize is the header size before inline data begins.
const FileExtentInlineHeaderSize = 8 + 8 + 1 + 1 + 2 + 1

// FileExtentItemSize is the full on-disk size for Reg/Prealloc extents.
const FileExtentItemSize = FileExtentInlineHeaderSize + 8 + 8 + 8 + 8

// ExtentItem is the fixed header of an EXTENT_ITEM/METADATA_ITEM entry in
// the extent tree; back-reference items that may follow are not needed by
// this converter, which only cares about which blocks are allocated.
type ExtentItem struct {
	Refs       uint64
	Generation uint64
	Flags      uint64
}

// BlockGroupItem describes one block group's usage and profile flags.
type BlockGroupItem struct {
	Used           uint64
	ChunkObjectID  uint64
	Flags          uint64
}

