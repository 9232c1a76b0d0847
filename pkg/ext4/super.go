package ext4

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
)

const (
	Signature    = 0xEF53
	RootDirInode = 2

	// Reserved inode numbers (§3).
	ResizeInode  = 7
	JournalInode = 8
	FirstIno     = 11
)

const (
	SuperOffset = 1024
	SuperSize   = 1024
)

const (
	CompatExtAttr    = 0x8  // COMPAT_EXT_ATTR
	CompatResizeNode = 0x10 // COMPAT_RESIZE_INODE
	CompatDirIndex   = 0x20 // COMPAT_DIR_INDEX
	CompatHasJournal = 0x4  // COMPAT_HAS_JOURNAL
)

const (
	IncompatFiletype = 0x2   // INCOMPAT_FILETYPE
	IncompatExtents  = 0x40  // INCOMPAT_EXTENTS
	Incompat64Bit    = 0x80  // INCOMPAT_64BIT
	IncompatFlexBG   = 0x200 // INCOMPAT_FLEX_BG, unused (classic per-group layout) but harmless to leave unset
	IncompatCsumSeed = 0x2000
)

const (
	ROCompatSparseSuper = 0x1   // RO_COMPAT_SPARSE_SUPER
	ROCompatLargeFile   = 0x2   // RO_COMPAT_LARGE_FILE
	ROCompatHugeFile    = 0x8   // RO_COMPAT_HUGE_FILE
	ROCompatGDTCsum     = 0x10  // RO_COMPAT_GDT_CSUM
	ROCompatDirNlink    = 0x20  // RO_COMPAT_DIR_NLINK
	ROCompatExtraIsize  = 0x40  // RO_COMPAT_EXTRA_ISIZE
	ROCompatMetadataCsum = 0x400 // unused: BuildSuperblock sets GDT_CSUM only
)

// Superblock is the 1024-byte structure written at the start of the first
// block of every group that HasSuper (§4.7). Field layout follows the
// on-disk ext4 superblock exactly so it can be binary.Write'd whole.
type Superblock struct {
	TotalInodes         uint32
	TotalBlocksLo       uint32
	ReservedBlocksLo    uint32
	FreeBlocksLo        uint32
	FreeInodes          uint32 // 0x10
	FirstDataBlock      uint32
	LogBlockSize        uint32
	LogClusterSize      uint32
	BlocksPerGroup      uint32 // 0x20
	ClustersPerGroup    uint32
	InodesPerGroup      uint32
	MountTime           uint32
	WriteTime           uint32 // 0x30
	MountCount          uint16
	MaxMountCount       uint16
	Signature           uint16
	State               uint16
	Errors              uint16
	MinorRevLevel       uint16
	LastCheck           uint32 // 0x40
	CheckInterval       uint32
	CreatorOS           uint32
	RevLevel            uint32
	DefResUID           uint16 // 0x50
	DefResGID           uint16
	FirstInoField       uint32
	InodeSizeField      uint16
	BlockGroupNr        uint16
	FeatureCompat       uint32
	FeatureIncompat     uint32 // 0x60
	FeatureROCompat     uint32
	UUID                [16]byte
	VolumeName          [16]byte // 0x78
	LastMounted         [64]byte
	AlgorithmUsageBmp    uint32
	PreallocBlocks      uint8
	PreallocDirBlocks   uint8
	ReservedGDTBlocks   uint16
	JournalUUID         [16]byte // 0xD0
	JournalInum         uint32
	JournalDev          uint32
	LastOrphan          uint32
	HashSeed            [4]uint32
	DefHashVersion      uint8
	JnlBackupType       uint8
	DescSize            uint16
	DefaultMountOpts    uint32 // 0x100
	FirstMetaBG         uint32
	MkfsTime            uint32
	JournalBlocks       [17]uint32
	BlocksCountHi       uint32 // 0x150
	ReservedBlocksHi    uint32
	FreeBlocksHi        uint32
	MinExtraIsize       uint16
	WantExtraIsize      uint16
	Flags               uint32 // 0x160
	RaidStride          uint16
	MmpInterval         uint16
	MmpBlock            uint64
	RaidStripeWidth     uint32
	LogGroupsPerFlex    uint8
	ChecksumType        uint8
	ReservedPad         uint16
	KBytesWritten       uint64
	SnapshotInum        uint32
	SnapshotID          uint32
	SnapshotReservedBlocks uint64
	SnapshotList        uint32
	ErrorCount          uint32
	FirstErrorTime      uint32
	FirstErrorIno       uint32
	FirstErrorBlock     uint64
	_                   [32]uint8
	FirstErrorLine      uint32
	LastErrorTime       uint32
	LastErrorIno        uint32
	LastErrorLine       uint32
	LastErrorBlock      uint64
	_                   [32]uint8
	MountOpts           [64]uint8 // 0x200
	UserQuotaInum       uint32
	GroupQuotaInum      uint32
	OverheadBlocks      uint32
	BackupBGs           [2]uint32
	EncryptAlgos        [4]uint8
	EncryptPwSalt       [16]uint8
	LpfIno              uint32
	PrjQuotaInum        uint32
	ChecksumSeed        uint32
	_                   [98]uint32
	Checksum            uint32
}

// SuperblockParams carries the per-invocation values the builder needs
// beyond what's in Layout.
type SuperblockParams struct {
	UUID       [16]byte
	Label      string
	HashSeed   [4]uint32
	Now        time.Time
	FreeBlocks int64
	FreeInodes int64
}

// BuildSuperblock renders the superblock as it should appear at group g
// (the BlockGroupNr field differs per has_super backup; everything else
// is identical across copies per ext4 convention).
func BuildSuperblock(l *Layout, p SuperblockParams, g int64) *Superblock {
	sb := &Superblock{
		TotalInodes:       uint32(l.TotalInodes),
		TotalBlocksLo:     uint32(l.TotalBlocks),
		FreeBlocksLo:      uint32(p.FreeBlocks),
		FreeInodes:        uint32(p.FreeInodes),
		LogBlockSize:      logBlockSize(l.BlockSize),
		LogClusterSize:    logBlockSize(l.BlockSize),
		BlocksPerGroup:    uint32(l.BlocksPerGroup),
		ClustersPerGroup:  uint32(l.BlocksPerGroup),
		InodesPerGroup:    uint32(l.InodesPerGroup),
		MountTime:         uint32(p.Now.Unix()),
		WriteTime:         uint32(p.Now.Unix()),
		MaxMountCount:     0xFFFF,
		Signature:         Signature,
		State:             1,
		Errors:            1,
		LastCheck:         uint32(p.Now.Unix()),
		CreatorOS:         0,
		RevLevel:          1,
		FirstInoField:     FirstIno,
		InodeSizeField:    InodeSize,
		BlockGroupNr:      uint16(g),
		FeatureCompat:     CompatExtAttr | CompatResizeNode | CompatHasJournal | CompatDirIndex,
		FeatureIncompat:   IncompatFiletype | IncompatExtents | Incompat64Bit,
		FeatureROCompat:   ROCompatSparseSuper | ROCompatLargeFile | ROCompatHugeFile | ROCompatGDTCsum | ROCompatDirNlink | ROCompatExtraIsize,
		UUID:              p.UUID,
		ReservedGDTBlocks: uint16(l.Groups[0].ReservedGDTLen),
		JournalInum:       JournalInode,
		HashSeed:          p.HashSeed,
		DefHashVersion:    DirentHashVersion,
		DescSize:          DescSize,
		MinExtraIsize:     32,
		WantExtraIsize:    32,
		Flags:             0x2,
		ChecksumType:      1, // CRC32C
	}
	copy(sb.VolumeName[:], p.Label)
	return sb
}

func logBlockSize(blockSize int64) uint32 {
	switch blockSize {
	case BlockSize1K:
		return 0
	case BlockSize2K:
		return 1
	default:
		return 2
	}
}

// WriteSuperblock serializes sb at device offset off (the first block of
// group g, plus the fixed 1024-byte superblock offset within it).
func WriteSuperblock(dev *blockdev.Device, off int64, sb *Superblock) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return err
	}
	return dev.WriteAt(off, buf.Bytes())
}

// SuperblockOffset returns the device byte offset of the superblock copy
// in group g (group 0 carries it at the fixed 1024-byte offset; every
// other has_super group carries it at the start of its first block).
func SuperblockOffset(l *Layout, g int64) int64 {
	if g == 0 {
		return SuperOffset
	}
	return l.Groups[g].SuperblockAt * l.BlockSize
}
