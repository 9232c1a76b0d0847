package btrfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/checksum"
	"github.com/sisatech/btrfs2ext4/pkg/elog"
)

// PathMax bounds symlink target length, matching POSIX PATH_MAX.
const PathMax = 4096

// deviceNodeReader adapts a blockdev.Device + ChunkMap to the Walker's
// NodeReader interface.
type deviceNodeReader struct {
	dev   *blockdev.Device
	chunk *ChunkMap
}

func (d *deviceNodeReader) ReadNode(logical uint64, nodesize uint32) ([]byte, error) {
	phys, ok := d.chunk.Resolve(logical)
	if !ok {
		return nil, errors.Errorf("btrfs: logical address 0x%x not resolvable", logical)
	}
	buf := make([]byte, nodesize)
	if err := d.dev.ReadAt(int64(phys), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Reader drives the B-tree walker over the root, FS, and extent trees to
// build a Model.
type Reader struct {
	Device *blockdev.Device
	Log    elog.Logger

	sb    *Superblock
	chunk *ChunkMap
	model *Model
}

// NewReader returns a Reader bound to dev. Log may be nil.
func NewReader(dev *blockdev.Device, log elog.Logger) *Reader {
	if log == nil {
		log = nopLogger{}
	}
	return &Reader{Device: dev, Log: log}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) IsInfoEnabled() bool           { return false }
func (nopLogger) IsDebugEnabled() bool          { return false }

// Read performs the full Pass 1: validates the superblock, bootstraps and
// completes the chunk map, walks root/FS/extent trees, and runs the
// post-pass steps (symlink target extraction, root directory check). No
// compression totals are computed.
func (r *Reader) Read() (*Model, error) {
	sb, err := r.readSuperblock()
	if err != nil {
		return nil, err
	}
	r.sb = sb

	r.chunk = NewChunkMap()
	if err := r.chunk.InitFromSuperblock(sb); err != nil {
		return nil, errors.Wrap(err, "btrfs: chunk map bootstrap")
	}

	r.model = NewModel()
	copy(r.model.FSUUID[:], sb.FSID[:])
	r.model.Label = cstring(sb.Label[:])
	r.model.Generation = sb.Generation
	r.model.SectorSize = sb.SectorSize
	r.model.NodeSize = sb.NodeSize
	r.model.CsumType = sb.CsumType
	r.model.TotalBytes = sb.TotalBytes
	r.model.BytesUsed = sb.BytesUsed
	r.model.RootDirObjectID = sb.RootDirObjectID

	walker := &Walker{
		Reader:   &deviceNodeReader{dev: r.Device, chunk: r.chunk},
		NodeSize: sb.NodeSize,
		CsumType: checksum.Type(sb.CsumType),
	}
	copy(walker.FSID[:], sb.FSID[:])

	if err := r.populateChunkTree(walker); err != nil {
		return nil, errors.Wrap(err, "btrfs: populate chunk map from chunk tree")
	}

	fsTreeLogical, fsTreeLevel, extentTreeLogical, extentTreeLevel, err := r.walkRootTree(walker, sb)
	if err != nil {
		return nil, errors.Wrap(err, "btrfs: walk root tree")
	}

	if err := walker.Walk(fsTreeLogical, fsTreeLevel, r.fsTreeCallback); err != nil {
		return nil, errors.Wrap(err, "btrfs: walk fs tree")
	}

	extentErr := walker.Walk(extentTreeLogical, extentTreeLevel, r.extentTreeCallback)
	if extentErr != nil {
		r.Log.Warnf("btrfs: extent tree walk failed (%v); reconstructing used-block map from file extents", extentErr)
		r.reconstructUsedBlocksFromFiles()
	}

	if err := r.postPass(); err != nil {
		return nil, err
	}

	return r.model, nil
}

func (r *Reader) readSuperblock() (*Superblock, error) {
	raw := make([]byte, SuperSize)
	if err := r.Device.ReadAt(SuperOffset, raw); err != nil {
		return nil, errors.Wrap(err, "btrfs: read superblock")
	}
	sb, err := ReadSuperblock(raw)
	if err != nil {
		return nil, err
	}
	if sb.MagicValue != Magic {
		return nil, errors.Errorf("btrfs: bad magic 0x%x at offset 0x%x", sb.MagicValue, SuperOffset)
	}
	computed, err := checksum.Sum(checksum.Type(sb.CsumType), raw[CsumSize:])
	if err != nil {
		return nil, errors.Wrap(err, "btrfs: unsupported csum type")
	}
	if computed != sb.Csum {
		return nil, errors.Errorf("btrfs: superblock checksum mismatch")
	}
	if sb.SectorSize != 4096 {
		return nil, errors.Errorf("btrfs: unsupported sector size %d (only 4096 supported)", sb.SectorSize)
	}
	if sb.NodeSize < 4096 || sb.NodeSize > 65536 || sb.NodeSize%sb.SectorSize != 0 {
		return nil, errors.Errorf("btrfs: unsupported node size %d", sb.NodeSize)
	}
	if sb.NumDevices != 1 {
		return nil, errors.Errorf("btrfs: unsupported device count %d (only 1 supported)", sb.NumDevices)
	}
	return sb, nil
}

// populateChunkTree walks the chunk tree, rooted via the bootstrap mapping,
// appending every CHUNK_ITEM mapping found.
func (r *Reader) populateChunkTree(walker *Walker) error {
	if _, ok := r.chunk.Resolve(r.sb.ChunkRoot); !ok {
		return errors.Errorf("btrfs: chunk tree root 0x%x not resolvable from bootstrap", r.sb.ChunkRoot)
	}

	return walker.Walk(r.sb.ChunkRoot, r.sb.ChunkRootLevel, func(key DiskKey, data []byte) error {
		if key.Type != KeyChunkItem {
			return nil
		}
		return r.chunk.AddChunkItem(key, data)
	})
}

// walkRootTree walks the root tree, recording the FS tree (objectid 5) and
// extent tree (objectid 2) root addresses and levels from their ROOT_ITEM
// entries.
func (r *Reader) walkRootTree(walker *Walker, sb *Superblock) (fsLogical uint64, fsLevel uint8, extLogical uint64, extLevel uint8, err error) {
	err = walker.Walk(sb.Root, sb.RootLevel, func(key DiskKey, data []byte) error {
		if key.Type != KeyRootItem {
			return nil
		}
		var ri RootItem
		if decErr := binary.Read(bytes.NewReader(data), binary.LittleEndian, &ri); decErr != nil {
			return ErrSkipItem
		}
		switch key.ObjectID {
		case ObjIDFSTree:
			fsLogical, fsLevel = ri.Bytenr, ri.Level
		case ObjIDExtentTree:
			extLogical, extLevel = ri.Bytenr, ri.Level
		}
		return nil
	})
	if err != nil {
		return
	}
	if fsLogical == 0 {
		err = errors.Errorf("btrfs: FS tree root not found in root tree")
		return
	}
	if extLogical == 0 {
		err = errors.Errorf("btrfs: extent tree root not found in root tree")
	}
	return
}

func (r *Reader) fsTreeCallback(key DiskKey, data []byte) error {
	switch key.Type {
	case KeyInodeItem:
		return r.handleInodeItem(key, data)
	case KeyInodeRef:
		return r.handleInodeRef(key, data)
	case KeyDirIndex:
		return r.handleDirIndex(key, data)
	case KeyExtentData:
		return r.handleExtentData(key, data)
	case KeyXattrItem:
		return r.handleXattrItem(key, data)
	}
	return nil
}

func (r *Reader) handleInodeItem(key DiskKey, data []byte) error {
	if len(data) < InodeItemSize {
		return ErrSkipItem
	}
	var ii InodeItem
	if err := binary.Read(bytes.NewReader(data[:InodeItemSize]), binary.LittleEndian, &ii); err != nil {
		return ErrSkipItem
	}
	fe := r.model.inode(key.ObjectID)
	fe.Mode = ii.Mode
	fe.UID = ii.UID
	fe.GID = ii.GID
	fe.Nlink = ii.Nlink
	fe.Size = ii.Size
	fe.Rdev = ii.Rdev
	fe.Atime, fe.Mtime, fe.Ctime, fe.Otime = ii.Atime, ii.Mtime, ii.Ctime, ii.Otime
	return nil
}

func (r *Reader) handleInodeRef(key DiskKey, data []byte) error {
	if len(data) < InodeRefHeaderSize {
		return ErrSkipItem
	}
	fe := r.model.inode(key.ObjectID)
	fe.Parent = key.Offset
	return nil
}

func (r *Reader) handleDirIndex(key DiskKey, data []byte) error {
	if len(data) < DirItemHeaderSize {
		return ErrSkipItem
	}
	var di DirItem
	if err := binary.Read(bytes.NewReader(data[:DirItemHeaderSize]), binary.LittleEndian, &di); err != nil {
		return ErrSkipItem
	}
	nameStart := DirItemHeaderSize
	nameEnd := nameStart + int(di.NameLen)
	if nameEnd > len(data) || di.NameLen > 255 {
		return ErrSkipItem
	}
	name := string(data[nameStart:nameEnd])

	parent := r.model.inode(key.ObjectID)
	parent.Children = append(parent.Children, DirEdge{
		Parent: key.ObjectID,
		Child:  di.Location.ObjectID,
		Name:   name,
	})
	return nil
}

func (r *Reader) handleExtentData(key DiskKey, data []byte) error {
	if len(data) < FileExtentInlineHeaderSize {
		return ErrSkipItem
	}
	// data[0:8] is generation, not modeled since this converter only needs
	// the resulting byte layout, not Btrfs's CoW history.
	ramBytes := binary.LittleEndian.Uint64(data[8:16])
	compression := data[16]
	typ := data[20]

	fe := r.model.inode(key.ObjectID)
	ext := &Extent{
		FileOffset:  key.Offset,
		RamBytes:    ramBytes,
		Compression: compression,
	}

	switch typ {
	case FileExtentInline:
		ext.Type = ExtentInline
		inlineData := data[FileExtentInlineHeaderSize:]
		ext.InlineData = append([]byte(nil), inlineData...)
		ext.NumBytes = uint64(len(inlineData))

	case FileExtentReg, FileExtentPrealloc:
		if len(data) < FileExtentItemSize {
			return ErrSkipItem
		}
		if typ == FileExtentReg {
			ext.Type = ExtentReg
		} else {
			ext.Type = ExtentPrealloc
		}
		off := FileExtentInlineHeaderSize
		ext.DiskBytenr = binary.LittleEndian.Uint64(data[off : off+8])
		ext.DiskNumBytes = binary.LittleEndian.Uint64(data[off+8 : off+16])
		// data[off+16:off+24] is the in-extent offset, not modeled
		// separately since this converter always relocates/copies whole
		// extents rather than sub-ranges.
		ext.NumBytes = binary.LittleEndian.Uint64(data[off+24 : off+32])

		if ext.DiskBytenr != 0 {
			if r.model.seenDiskBytenr[ext.DiskBytenr] {
				r.model.SharedExtentCount++
				r.model.DedupBlocksNeeded += (ext.DiskNumBytes + uint64(r.model.NodeSize) - 1) / uint64(r.model.NodeSize)
			} else {
				r.model.seenDiskBytenr[ext.DiskBytenr] = true
			}
		}

	default:
		return ErrSkipItem
	}

	fe.Extents = append(fe.Extents, ext)
	return nil
}

func (r *Reader) handleXattrItem(key DiskKey, data []byte) error {
	if len(data) < DirItemHeaderSize {
		return ErrSkipItem
	}
	var di DirItem
	if err := binary.Read(bytes.NewReader(data[:DirItemHeaderSize]), binary.LittleEndian, &di); err != nil {
		return ErrSkipItem
	}
	nameStart := DirItemHeaderSize
	nameEnd := nameStart + int(di.NameLen)
	dataEnd := nameEnd + int(di.DataLen)
	if dataEnd > len(data) {
		return ErrSkipItem
	}
	name := string(data[nameStart:nameEnd])
	value := append([]byte(nil), data[nameEnd:dataEnd]...)

	fe := r.model.inode(key.ObjectID)
	fe.Xattrs = append([]Xattr{{Name: name, Value: value}}, fe.Xattrs...)
	return nil
}

func (r *Reader) extentTreeCallback(key DiskKey, data []byte) error {
	if key.Type != KeyExtentItem && key.Type != KeyMetadataItem {
		return nil
	}
	length := key.Offset
	if key.Type == KeyMetadataItem {
		length = uint64(r.model.NodeSize)
	}
	r.model.UsedBlocks.Ranges = append(r.model.UsedBlocks.Ranges, UsedRange{
		Start:  key.ObjectID,
		Length: length,
	})
	return nil
}

// reconstructUsedBlocksFromFiles rebuilds the used-block map from the set
// of file extents when the extent tree walk itself failed.
func (r *Reader) reconstructUsedBlocksFromFiles() {
	r.model.UsedBlocks.Ranges = r.model.UsedBlocks.Ranges[:0]
	for _, fe := range r.model.Inodes {
		for _, ext := range fe.Extents {
			if ext.Type == ExtentInline || ext.DiskBytenr == 0 {
				continue
			}
			r.model.UsedBlocks.Ranges = append(r.model.UsedBlocks.Ranges, UsedRange{
				Start:  ext.DiskBytenr,
				Length: ext.DiskNumBytes,
			})
		}
	}
}

// postPass runs the steps required after the tree walks complete: symlink
// target extraction and the root directory existence check. Compression
// totals are not computed here or in the tree walk callbacks.
func (r *Reader) postPass() error {
	const modeTypeMask = 0170000
	const modeSymlink = 0120000

	for _, fe := range r.model.Inodes {
		if fe.Mode&modeTypeMask != modeSymlink {
			continue
		}
		for _, ext := range fe.Extents {
			if ext.Type != ExtentInline {
				continue
			}
			target := ext.InlineData
			if len(target) > PathMax {
				target = target[:PathMax]
			}
			fe.SymlinkTarget = string(target)
			break
		}
	}

	if _, ok := r.model.Inodes[r.model.RootDirObjectID]; !ok {
		return errors.Errorf("btrfs: root directory (objectid %d) not found", r.model.RootDirObjectID)
	}
	return nil
}

// ChunkMap returns the chunk map Read bootstrapped and completed, needed
// by later passes to resolve any logical address the model still carries.
// Valid only after a successful Read.
func (r *Reader) ChunkMap() *ChunkMap {
	return r.chunk
}

// Superblock returns the validated superblock Read parsed. Valid only
// after a successful Read.
func (r *Reader) Superblock() *Superblock {
	return r.sb
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
