package btrfs

// Xattr is one extended attribute attached to a file.
type Xattr struct {
	Name  string
	Value []byte
}

// DirEdge is one (parent, child, name) directory link, sourced from
// DIR_INDEX items rather than DIR_ITEM to get a 1:1 name mapping without
// hash-collision ambiguity.
type DirEdge struct {
	Parent uint64
	Child  uint64
	Name   string
}

// ExtentType distinguishes inline data from on-disk extents.
type ExtentType uint8

const (
	ExtentInline ExtentType = iota
	ExtentReg
	ExtentPrealloc
)

// Extent is one in-memory mapping of a range of a file's logical bytes to
// disk storage. The relocator is the only component allowed to mutate
// DiskBytenr post-construction.
type Extent struct {
	FileOffset   uint64
	DiskBytenr   uint64 // 0 means a sparse hole for Reg/Prealloc
	DiskNumBytes uint64
	NumBytes     uint64
	RamBytes     uint64
	Compression  uint8
	Type         ExtentType
	InlineData   []byte

	// Relocated marks an extent (or extent fragment) the relocator moved:
	// DiskBytenr is then already the final physical device byte offset,
	// and must NOT be resolved through the chunk map again, since the
	// relocator's destination blocks were chosen from Ext4's reserved
	// metadata zone and have no logical Btrfs chunk address of their own.
	Relocated bool
}

// IsHole reports whether this extent represents a sparse hole.
func (e *Extent) IsHole() bool {
	return e.Type != ExtentInline && e.DiskBytenr == 0
}

// FileEntry is one Btrfs inode materialized into memory.
type FileEntry struct {
	Ino    uint64
	Parent uint64 // primary parent, for ".." resolution
	Mode   uint32
	UID    uint32
	GID    uint32
	Nlink  uint32
	Size   uint64
	Rdev   uint64

	Atime, Mtime, Ctime, Otime Timespec

	SymlinkTarget string

	Extents  []*Extent
	Children []DirEdge
	Xattrs   []Xattr

	// Ext4Flags is scratch state written only by the Ext4 writer.
	Ext4Flags uint32
	Ext4Ino   uint64
}

// UsedRange is one (start, length) extent of allocated Btrfs physical
// space, with the owning block-group-type flags.
type UsedRange struct {
	Start  uint64
	Length uint64
	Flags  uint64
}

// UsedBlockMap is the list of every allocated Btrfs extent, reconstructed
// either from the extent tree walk or, on failure, from the set of file
// extents.
type UsedBlockMap struct {
	Ranges []UsedRange
}

// Model is the complete in-memory filesystem reconstructed by Pass 1.
// Ownership is strictly tree-shaped: Model owns Inodes; each FileEntry owns
// its Extents, Xattrs, and SymlinkTarget. Children edges are resolved
// through Inodes by inode number rather than holding pointers, since
// directory entries describe hard links, not ownership.
type Model struct {
	FSUUID          [UUIDSize]byte
	Label           string
	Generation      uint64
	SectorSize      uint32
	NodeSize        uint32
	CsumType        uint16
	TotalBytes      uint64
	BytesUsed       uint64
	RootDirObjectID uint64

	Inodes map[uint64]*FileEntry

	UsedBlocks UsedBlockMap

	// SharedExtentCount / DedupBlocksNeeded summarize CoW-sharing found
	// while walking EXTENT_DATA items, for Pass-2 viability.
	SharedExtentCount uint64
	DedupBlocksNeeded uint64

	seenDiskBytenr map[uint64]bool
}

// NewModel returns an empty Model ready to be populated by a Reader.
func NewModel() *Model {
	return &Model{
		Inodes:         make(map[uint64]*FileEntry),
		seenDiskBytenr: make(map[uint64]bool),
	}
}

// inode returns (creating if necessary) the FileEntry for ino.
func (m *Model) inode(ino uint64) *FileEntry {
	fe, ok := m.Inodes[ino]
	if !ok {
		fe = &FileEntry{Ino: ino}
		m.Inodes[ino] = fe
	}
	return fe
}
