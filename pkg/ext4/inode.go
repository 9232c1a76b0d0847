package ext4

import (
	"encoding/binary"
	"strings"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
)

const (
	InodeTypeFifo    = 0x1000
	InodeTypeChar    = 0x2000
	InodeTypeDir     = 0x4000
	InodeTypeBlock   = 0x6000
	InodeTypeRegular = 0x8000
	InodeTypeSymlink = 0xA000
	InodeTypeSocket  = 0xC000
	InodeTypeMask    = 0xF000

	InodeMaxInlineSymlink = 59

	Ext4SecrmFL      = 0x1
	Ext4IndexFL      = 0x1000
	Ext4ExtentsFL    = 0x80000
	Ext4EAInodeFL    = 0x200000
	Ext4InlineDataFL = 0x10000000
)

// Inode is the 256-byte on-disk Ext4 inode record (base 128 bytes plus
// the 32-byte nanosecond-precision extension, §4.10). Bytes 160..256 hold
// the in-inode extended-attribute area packXattrs fills (§4.10 step C).
type Inode struct {
	Mode       uint16
	UIDLo      uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GIDLo      uint16
	LinksCount uint16
	BlocksLo   uint32
	Flags      uint32
	Osd1       uint32
	Block      [60]byte
	Generation uint32
	FileACLLo  uint32
	SizeHi     uint32
	ObsoFaddr  uint32
	BlocksHi   uint16
	FileACLHi  uint16
	UIDHi      uint16
	GIDHi      uint16
	ChecksumLo uint16
	Reserved   uint16
	ExtraIsize uint16
	ChecksumHi uint16
	CtimeExtra uint32
	MtimeExtra uint32
	AtimeExtra uint32
	Crtime     uint32
	CrtimeExtra uint32
	VersionHi  uint32
	Projid     uint32
	IBody      [96]byte // extended-attribute area beyond byte 128+32, packed by packXattrs
}

func packTime(ts btrfs.Timespec) (lo uint32, extra uint32) {
	lo = uint32(ts.Sec)
	extra = (uint32(ts.Nsec) << 2) | uint32((ts.Sec>>32)&0x3)
	return
}

// encodeRdev packs a device number the way glibc's old/new dev encoding
// does: old_encode_dev when both major and minor fit in 8 bits, otherwise
// new_encode_dev in i_block[1] with i_block[0] left zero.
func encodeRdev(rdev uint64) (block0, block1 uint32) {
	major := uint32(rdev >> 8 & 0xfff)
	minor := uint32(rdev & 0xff | (rdev>>12)&0xfff00)
	if major < 256 && minor < 256 {
		block0 = (major << 8) | (minor & 0xff)
		return block0, 0
	}
	block1 = (minor & 0xff) | (major << 8) | ((minor &^ 0xff) << 12)
	return 0, block1
}

// InodeBuildContext carries the callbacks EncodeInode needs to place a
// file's content: one to allocate an Ext4-block-space block for an extent
// index node (deep trees only) and one to allocate + populate a data
// block for an out-of-line symlink target.
type InodeBuildContext struct {
	ChunkMap        *btrfs.ChunkMap
	BlockSize       int64
	AllocIndexBlock func() (int64, error)
	AllocDataBlock  func() (int64, error)
	WriteBlock      func(block int64, data []byte) error

	// AllocRun requests a contiguous run of n Ext4 blocks, for a
	// compressed extent's decompressed content; ok is false when no
	// such run is free, in which case the caller falls back to
	// AllocDataBlock one block at a time.
	AllocRun func(n int64) (block int64, ok bool)

	// Dev and Decompressor are only needed to materialize compressed
	// extents (§4.10): Dev reads the compressed bytes and Decompressor
	// turns them back into plain file content.
	Dev          *blockdev.Device
	Decompressor *btrfs.Decompressor

	// Cache holds extents the driver's worker pool already decompressed
	// ahead of this single-threaded loop; a miss falls back to decoding
	// inline via Decompressor.
	Cache *DecompressedCache

	// DirSizeBlocks, when fe is a directory, is the number of blocks its
	// body occupies (computed by the directory writer, which owns that
	// layout decision).
	DirSizeBlocks int64
}

// ExtraBlock describes a block allocated as a side effect of encoding one
// inode (an extent index node, or an out-of-line symlink target) that the
// writer must place on disk alongside the inode table itself.
type ExtraBlock struct {
	Block   int64
	Payload []byte
}

// EncodeInode renders fe as an Ext4 Inode plus any ExtraBlocks its content
// required.
func EncodeInode(fe *btrfs.FileEntry, ctx *InodeBuildContext) (*Inode, []ExtraBlock, error) {
	inode := &Inode{
		Mode:       uint16(fe.Mode),
		UIDLo:      uint16(fe.UID),
		GIDLo:      uint16(fe.GID),
		UIDHi:      uint16(fe.UID >> 16),
		GIDHi:      uint16(fe.GID >> 16),
		LinksCount: uint16(fe.Nlink),
		ExtraIsize: 32,
		Flags:      Ext4ExtentsFL,
	}

	inode.Atime, inode.AtimeExtra = packTime(fe.Atime)
	inode.Ctime, inode.CtimeExtra = packTime(fe.Ctime)
	inode.Mtime, inode.MtimeExtra = packTime(fe.Mtime)
	inode.Crtime, inode.CrtimeExtra = packTime(fe.Otime)

	var extras []ExtraBlock

	switch fe.Mode & InodeTypeMask {
	case InodeTypeSymlink:
		target := fe.SymlinkTarget
		inode.SizeLo = uint32(len(target))
		if len(target) <= InodeMaxInlineSymlink {
			inode.Flags = 0
			copy(inode.Block[:], target)
			break
		}
		block, err := ctx.AllocDataBlock()
		if err != nil {
			return nil, nil, err
		}
		payload := make([]byte, ctx.BlockSize)
		copy(payload, target)
		if ctx.WriteBlock != nil {
			if err := ctx.WriteBlock(block, payload); err != nil {
				return nil, nil, err
			}
		}
		iblock, _, _, err := BuildInodeExtentBlock([]PhysExtent{{LogicalBlock: 0, PhysBlock: block, Len: 1}}, ctx.BlockSize, ctx.AllocIndexBlock)
		if err != nil {
			return nil, nil, err
		}
		inode.Block = iblock
		inode.BlocksLo = uint32(ctx.BlockSize / SectorSize)

	case InodeTypeDir:
		inode.SizeLo = uint32(ctx.DirSizeBlocks * ctx.BlockSize)
		if ctx.DirSizeBlocks > 1 {
			inode.Flags |= Ext4IndexFL
		}
		inode.BlocksLo = uint32(ctx.DirSizeBlocks * (ctx.BlockSize / SectorSize))
		// Data placement for directories is handled by the caller (it
		// already allocated DirSizeBlocks contiguous blocks); the extent
		// tree is filled in by the caller via a follow-up call once
		// those blocks are known, so BuildInodeExtentBlock isn't invoked
		// here.

	case InodeTypeChar, InodeTypeBlock:
		b0, b1 := encodeRdev(fe.Rdev)
		inode.Block[0], inode.Block[1], inode.Block[2], inode.Block[3] = byte(b0), byte(b0>>8), byte(b0>>16), byte(b0>>24)
		inode.Block[4], inode.Block[5], inode.Block[6], inode.Block[7] = byte(b1), byte(b1>>8), byte(b1>>16), byte(b1>>24)
		inode.Flags = 0

	default: // regular file
		inode.SizeLo = uint32(fe.Size)
		inode.SizeHi = uint32(fe.Size >> 32)
		extents, err := ResolveFileExtents(fe, ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(extents) == 0 && fe.Size == 0 {
			inode.Flags = Ext4ExtentsFL
			iblock, _, _, err := BuildInodeExtentBlock(nil, ctx.BlockSize, ctx.AllocIndexBlock)
			if err != nil {
				return nil, nil, err
			}
			inode.Block = iblock
			break
		}
		iblock, extraBlock, extraPayload, err := BuildInodeExtentBlock(extents, ctx.BlockSize, ctx.AllocIndexBlock)
		if err != nil {
			return nil, nil, err
		}
		inode.Block = iblock
		if extraPayload != nil {
			extras = append(extras, ExtraBlock{Block: extraBlock, Payload: extraPayload})
		}
		inode.BlocksLo = uint32(CountExtentBlocks(extents) * (ctx.BlockSize / SectorSize))
	}

	packXattrs(inode, fe.Xattrs)

	return inode, extras, nil
}

// xattrIbodyMagic marks the in-inode extended-attribute area as present
// (fs/ext4/xattr.h EXT4_XATTR_MAGIC), stored at the start of IBody.
const xattrIbodyMagic = 0xEA020000

// xattrNamePrefix maps a well-known xattr namespace prefix to its on-disk
// name index, stripping the prefix from the stored name the way the
// kernel's ext4_xattr_*_list/get/set handlers do. Anything outside these
// namespaces is stored with index 0 and the full name inline.
func xattrNamePrefix(name string) (index uint8, rest string) {
	switch {
	case name == "system.posix_acl_access":
		return 2, ""
	case name == "system.posix_acl_default":
		return 3, ""
	case strings.HasPrefix(name, "user."):
		return 1, name[len("user."):]
	case strings.HasPrefix(name, "trusted."):
		return 4, name[len("trusted."):]
	case strings.HasPrefix(name, "security."):
		return 6, name[len("security."):]
	default:
		return 0, name
	}
}

func xattrRound(n int) int {
	return (n + 3) &^ 3
}

// packXattrs appends as many of fe's xattrs as fit into the inode's
// 96-byte ibody extra-attribute area (§4.10 step C: "appended into the
// inode's ibody area ... when space remains, with name index inferred by
// prefix"). Entries are packed forward from the header, values backward
// from the end of the area; whatever doesn't fit is silently dropped, and
// the all-zero tail left by Go's zero-valued array acts as the required
// terminator entry.
func packXattrs(inode *Inode, xattrs []btrfs.Xattr) {
	if len(xattrs) == 0 {
		return
	}

	const headerSize = 4
	area := inode.IBody[:]
	binary.LittleEndian.PutUint32(area[0:4], xattrIbodyMagic)

	entryPos := headerSize
	valueEnd := len(area)

	for _, x := range xattrs {
		index, name := xattrNamePrefix(x.Name)
		if len(name) > 255 {
			continue
		}
		nameLen := len(name)
		entrySize := 16 + xattrRound(nameLen)
		valueSize := xattrRound(len(x.Value))

		if entryPos+entrySize+4 > valueEnd-valueSize {
			// No room for this entry plus the zero terminator; later
			// (possibly smaller) xattrs might still fit, so keep
			// scanning instead of stopping outright.
			continue
		}

		valueEnd -= valueSize
		copy(area[valueEnd:valueEnd+len(x.Value)], x.Value)

		area[entryPos] = byte(nameLen)
		area[entryPos+1] = index
		binary.LittleEndian.PutUint16(area[entryPos+2:entryPos+4], uint16(valueEnd-headerSize))
		binary.LittleEndian.PutUint32(area[entryPos+4:entryPos+8], 0) // e_value_block: always in-inode
		binary.LittleEndian.PutUint32(area[entryPos+8:entryPos+12], uint32(len(x.Value)))
		binary.LittleEndian.PutUint32(area[entryPos+12:entryPos+16], 0) // e_hash: unused for in-inode entries
		copy(area[entryPos+16:entryPos+16+nameLen], name)

		entryPos += entrySize
	}

	if entryPos == headerSize {
		// Nothing fit: leave the area fully zeroed rather than stamping
		// a magic with no entries behind it.
		binary.LittleEndian.PutUint32(area[0:4], 0)
	}
}
