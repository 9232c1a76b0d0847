package ext4

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/bitalloc"
	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
	"github.com/sisatech/btrfs2ext4/pkg/errs"
	"github.com/sisatech/btrfs2ext4/pkg/inodemap"
)

// Writer is Pass 3's top-level orchestrator: it consumes the Btrfs model
// (after relocation) and renders a complete Ext4 filesystem over the same
// device (§4.10).
type Writer struct {
	Model     *btrfs.Model
	ChunkMap  *btrfs.ChunkMap
	Dev       *blockdev.Device
	BlockSize int64
	InodeRatio int64
	UUID      [16]byte
	Label     string
	HashSeed  [4]uint32
	Now       time.Time
	Workdir   string

	// Cache holds compressed extents the driver's worker pool already
	// decompressed ahead of Write's single-threaded loop (§4.20). Nil is
	// safe: every extent then decompresses inline instead.
	Cache *DecompressedCache

	// ControlBlocks is the trailing block count PlanLayoutReserving must
	// exclude from file data, matching what Pass 2's relocate.Planner was
	// built against (§3 "Migration map"). Zero means no trailing
	// reservation beyond ordinary Ext4 metadata.
	ControlBlocks int64
}

// Write performs the full conversion: assigns inodes, plans geometry,
// allocates and writes every inode and its data, the journal, the
// directory tree, and finally the bitmaps, group descriptors, and
// superblock copies.
func (w *Writer) Write() error {
	inodes := inodemap.New(w.Workdir)
	inodes.Put(w.Model.RootDirObjectID, RootDirInode)

	var btrfsInos []uint64
	for ino := range w.Model.Inodes {
		if ino == w.Model.RootDirObjectID {
			continue
		}
		btrfsInos = append(btrfsInos, ino)
	}
	sort.Slice(btrfsInos, func(i, j int) bool { return btrfsInos[i] < btrfsInos[j] })

	next := uint32(FirstIno)
	for _, ino := range btrfsInos {
		inodes.Put(ino, next)
		next++
	}
	fileCount := int64(inodes.Len())

	var dirBlocksTotal int64
	for _, fe := range w.Model.Inodes {
		if fe.Mode&InodeTypeMask == InodeTypeDir {
			dirBlocksTotal += calculateDirectoryBlocks(fe, w.BlockSize)
		}
	}

	layout, err := PlanLayoutReserving(w.Dev.Size(), w.BlockSize, w.InodeRatio, fileCount, w.ControlBlocks)
	if err != nil {
		return err
	}

	dataBlocksRequired := DataBlocksRequired(w.Model, w.BlockSize, dirBlocksTotal)
	if err := layout.Viability(dataBlocksRequired); err != nil {
		return err
	}

	blockBitmap := bitalloc.New(layout.TotalBlocks)
	for _, b := range layout.ReservedBlocks {
		blockBitmap.Set(b)
	}

	inodeBitmap := bitalloc.New(layout.TotalInodes)
	for i := int64(0); i < FirstIno-1; i++ {
		inodeBitmap.Set(i)
	}
	for ino := uint32(RootDirInode); ino <= inodes.MaxExt4Ino(); ino++ {
		if _, ok := inodes.Reverse(ino); ok || ino == RootDirInode {
			inodeBitmap.Set(int64(ino) - 1)
		}
	}

	firstData := layout.Groups[0].DataStart
	allocator := bitalloc.NewAllocator(blockBitmap, firstData)

	allocBlock := func() (int64, error) {
		b, ok := allocator.AllocOne()
		if !ok {
			return 0, errs.New(errs.InsufficientSpace, "ext4/writer", "ran out of free blocks")
		}
		return b, nil
	}

	writeBlock := func(block int64, data []byte) error {
		return w.Dev.WriteAt(block*w.BlockSize, data)
	}

	allocRun := func(n int64) (int64, bool) {
		return allocator.AllocRun(n)
	}

	if now := w.Now; now.IsZero() {
		w.Now = time.Now()
	}

	journalBlocks := JournalSizeBlocks(layout.TotalBlocks)
	jStart, jLen, ok := AllocateJournal(blockBitmap, journalBlocks)
	if !ok {
		return errs.New(errs.InsufficientSpace, "ext4/writer", "no room for the journal")
	}
	blockBitmap.SetRange(jStart, jLen)
	if err := WriteJournal(w.Dev, w.BlockSize, jStart, jLen, w.UUID); err != nil {
		return errors.Wrap(err, "ext4: write journal")
	}

	decompressor := btrfs.NewDecompressor()

	ctx := &InodeBuildContext{
		ChunkMap:        w.ChunkMap,
		BlockSize:       w.BlockSize,
		AllocIndexBlock: allocBlock,
		AllocDataBlock:  allocBlock,
		WriteBlock:      writeBlock,
		AllocRun:        allocRun,
		Dev:             w.Dev,
		Decompressor:    decompressor,
		Cache:           w.Cache,
	}

	journalInode, jExtras, jErr := encodeJournalInode(jStart, jLen, w.BlockSize)
	if jErr != nil {
		return jErr
	}
	_ = jExtras

	resizeInode, err := BuildResizeInode(layout, allocBlock, writeBlock)
	if err != nil {
		return errors.Wrap(err, "ext4: build resize inode")
	}

	inodeTable := make([]byte, (layout.TotalInodes+1)*InodeSize)
	putInode := func(ino uint32, in *Inode) {
		buf := new(bytes.Buffer)
		binary.Write(buf, binary.LittleEndian, in)
		copy(inodeTable[int64(ino)*InodeSize:], buf.Bytes())
	}

	putInode(ResizeInode, resizeInode)
	putInode(JournalInode, journalInode)

	for ino := 1; ino < FirstIno; ino++ {
		if ino == ResizeInode || ino == JournalInode || ino == RootDirInode {
			continue
		}
		putInode(uint32(ino), &Inode{})
	}

	for ext4Ino := uint32(RootDirInode); ext4Ino <= inodes.MaxExt4Ino(); ext4Ino++ {
		btrfsIno, ok := inodes.Reverse(ext4Ino)
		if !ok {
			continue
		}
		fe := w.Model.Inodes[btrfsIno]
		if fe == nil {
			continue
		}

		if fe.Mode&InodeTypeMask == InodeTypeDir {
			body := GenerateDirectoryData(fe, w.Model, inodes, w.BlockSize)
			blocks := divide(int64(len(body)), w.BlockSize)
			extents, werr := allocAndWriteContiguous(allocator, w.Dev, w.BlockSize, body, blocks)
			if werr != nil {
				return werr
			}
			inode, dirExtras, derr := EncodeInode(fe, &InodeBuildContext{
				ChunkMap:        w.ChunkMap,
				BlockSize:       w.BlockSize,
				AllocIndexBlock: allocBlock,
				AllocDataBlock:  allocBlock,
				WriteBlock:      writeBlock,
				DirSizeBlocks:   blocks,
			})
			if derr != nil {
				return derr
			}
			iblock, idxBlock, idxPayload, eerr := BuildInodeExtentBlock(extents, w.BlockSize, allocBlock)
			if eerr != nil {
				return eerr
			}
			inode.Block = iblock
			if idxPayload != nil {
				if err := writeBlock(idxBlock, idxPayload); err != nil {
					return err
				}
			}
			putInode(ext4Ino, inode)
			_ = dirExtras
			continue
		}

		inode, extras, ierr := EncodeInode(fe, ctx)
		if ierr != nil {
			return ierr
		}
		for _, ex := range extras {
			if err := writeBlock(ex.Block, ex.Payload); err != nil {
				return err
			}
		}
		putInode(ext4Ino, inode)
	}

	for g := int64(0); g < layout.NumGroups; g++ {
		grp := layout.Groups[g]
		off := grp.InodeTableAt * w.BlockSize
		start := g*layout.InodesPerGroup + 1 // inode numbers are 1-based within the global table
		end := start + layout.InodesPerGroup
		data := inodeTable[start*InodeSize : end*InodeSize]
		if err := w.Dev.WriteAt(off, data); err != nil {
			return err
		}
	}

	if err := WriteBlockBitmaps(w.Dev, layout, blockBitmap); err != nil {
		return err
	}
	if err := WriteInodeBitmaps(w.Dev, layout, inodeBitmap); err != nil {
		return err
	}

	params := SuperblockParams{UUID: w.UUID, Label: w.Label, HashSeed: w.HashSeed, Now: w.Now}
	if err := Finalize(w.Dev, layout, blockBitmap, inodeBitmap, params); err != nil {
		return err
	}

	return w.Dev.Sync()
}

func encodeJournalInode(start, length, blockSize int64) (*Inode, []ExtraBlock, error) {
	inode := &Inode{
		Mode:       InodeTypeRegular | 0600,
		LinksCount: 1,
		Flags:      Ext4ExtentsFL,
		SizeLo:     uint32(length * blockSize),
		BlocksLo:   uint32(length * (blockSize / SectorSize)),
	}
	iblock, extraBlock, extraPayload, err := BuildInodeExtentBlock([]PhysExtent{{LogicalBlock: 0, PhysBlock: start, Len: length}}, blockSize, nil)
	if err != nil {
		return nil, nil, err
	}
	inode.Block = iblock
	var extras []ExtraBlock
	if extraPayload != nil {
		extras = append(extras, ExtraBlock{Block: extraBlock, Payload: extraPayload})
	}
	return inode, extras, nil
}

// allocAndWriteContiguous allocates `blocks` Ext4 blocks (preferring one
// contiguous run, falling back to fragments), writes body across them,
// and returns the PhysExtents describing the placement.
func allocAndWriteContiguous(a *bitalloc.Allocator, dev *blockdev.Device, blockSize int64, body []byte, blocks int64) ([]PhysExtent, error) {
	var extents []PhysExtent
	if start, ok := a.AllocRun(blocks); ok {
		extents = append(extents, PhysExtent{LogicalBlock: 0, PhysBlock: start, Len: blocks})
	} else {
		var logical uint32
		remaining := blocks
		for remaining > 0 {
			b, ok := a.AllocOne()
			if !ok {
				return nil, errs.New(errs.InsufficientSpace, "ext4/writer", "ran out of free blocks for directory body")
			}
			if n := len(extents); n > 0 && extents[n-1].PhysBlock+extents[n-1].Len == b {
				extents[n-1].Len++
			} else {
				extents = append(extents, PhysExtent{LogicalBlock: logical, PhysBlock: b, Len: 1})
			}
			logical++
			remaining--
		}
	}

	for _, e := range extents {
		lo := int64(e.LogicalBlock) * blockSize
		hi := lo + e.Len*blockSize
		if hi > int64(len(body)) {
			hi = int64(len(body))
		}
		if lo >= hi {
			continue
		}
		if err := dev.WriteAt(e.PhysBlock*blockSize, body[lo:hi]); err != nil {
			return nil, err
		}
	}
	return extents, nil
}
