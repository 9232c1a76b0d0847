// Package relocate implements the layout-planner's conflict relocator
// (§4.8): it finds Btrfs data blocks that overlap the footprint Ext4
// metadata will occupy, moves them elsewhere under a crash-safe migration
// map, and rewrites the in-memory extent pointers so Pass 3 never has to
// know a relocation happened.
package relocate

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/bitalloc"
	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
	"github.com/sisatech/btrfs2ext4/pkg/checksum"
)

// Entry is one relocation: a contiguous byte range moved from SrcOffset to
// DstOffset.
type Entry struct {
	SrcOffset uint64
	DstOffset uint64
	Length    uint64
	CRC32C    uint32
	Seq       uint64
	Completed bool
}

// Plan is the ordered, coalesced relocation plan (§3, "Relocation plan").
type Plan struct {
	Entries []Entry
}

// splitReq records one sub-run of an extent that Build chose to relocate,
// in block offsets relative to the extent's own start. RewriteExtents
// replays these to split the extent in place, without having to reverse-
// engineer ownership from the flat, possibly-coalesced Plan entry list.
type splitReq struct {
	blockOff int64
	blockLen int64
	dstBlock int64 // destination, in device-block units
}

// Planner builds and executes a relocation plan for one conversion.
type Planner struct {
	Model     *btrfs.Model
	ChunkMap  *btrfs.ChunkMap
	BlockSize int64

	reserved *bitalloc.Bitmap // ext4-metadata blocks, device-block units
	free     *bitalloc.Bitmap // everything not reserved and not btrfs-occupied
	totalBlk int64

	splits map[*btrfs.Extent][]splitReq
}

// NewPlanner returns a Planner over model, resolving extents through
// chunkMap. reservedBlocks is the Ext4 planner's reserved-block set
// (§4.7), in blockSize units; totalBlocks bounds the device.
func NewPlanner(model *btrfs.Model, chunkMap *btrfs.ChunkMap, blockSize int64, totalBlocks int64, reservedBlocks []int64) *Planner {
	p := &Planner{Model: model, ChunkMap: chunkMap, BlockSize: blockSize, totalBlk: totalBlocks}
	p.reserved = bitalloc.New(totalBlocks)
	for _, b := range reservedBlocks {
		p.reserved.Set(b)
	}
	p.free = bitalloc.New(totalBlocks)
	for i := int64(0); i < totalBlocks; i++ {
		if p.reserved.IsSet(i) {
			p.free.Set(i)
		}
	}
	for _, r := range model.UsedBlocks.Ranges {
		startBlk := int64(r.Start) / blockSize
		endBlk := int64(r.Start+r.Length+uint64(blockSize)-1) / blockSize
		p.free.SetRange(startBlk, endBlk-startBlk)
	}
	return p
}

// ConflictCount reports how many distinct Btrfs extents touch at least one
// reserved block, for the planner's viability check (§4.7 conflict
// enumeration: "each conflicting extent counted at most once").
func (p *Planner) ConflictCount() int {
	count := 0
	for _, fe := range p.Model.Inodes {
		for _, e := range fe.Extents {
			if e.Type == btrfs.ExtentInline || e.IsHole() {
				continue
			}
			if p.extentConflicts(e) {
				count++
			}
		}
	}
	return count
}

func (p *Planner) extentConflicts(e *btrfs.Extent) bool {
	phys, ok := p.ChunkMap.Resolve(e.DiskBytenr)
	if !ok {
		return false
	}
	startBlk := int64(phys) / p.BlockSize
	endBlk := int64(phys+e.DiskNumBytes+uint64(p.BlockSize)-1) / p.BlockSize
	for b := startBlk; b < endBlk; b++ {
		if p.reserved.IsSet(b) {
			return true
		}
	}
	return false
}

// Build scans every non-inline, non-hole extent for maximal runs of
// conflicting blocks, requests same-length free runs from the allocator
// (falling back to single-block allocations), and returns the sorted,
// coalesced plan. Compressed extents are relocated as one atomic unit
// rather than split into sub-runs, since Pass 3 decompresses a compressed
// extent's bytes as a single contiguous read (§4.6) and a fragmented
// destination would break that framing.
func (p *Planner) Build() (*Plan, error) {
	alloc := bitalloc.NewAllocator(p.free, 0)
	var entries []Entry
	var seq uint64
	p.splits = make(map[*btrfs.Extent][]splitReq)

	for _, fe := range p.Model.Inodes {
		for _, e := range fe.Extents {
			if e.Type == btrfs.ExtentInline || e.IsHole() {
				continue
			}
			phys, ok := p.ChunkMap.Resolve(e.DiskBytenr)
			if !ok {
				return nil, errors.Errorf("relocate: extent at file offset %d has unresolvable disk_bytenr 0x%x", e.FileOffset, e.DiskBytenr)
			}
			startBlk := int64(phys) / p.BlockSize
			numBlk := int64(e.DiskNumBytes+uint64(p.BlockSize)-1) / p.BlockSize

			if e.Compression != btrfs.CompressNone {
				if !p.extentConflicts(e) {
					continue
				}
				var aerr error
				seq, aerr = p.allocateWholeExtent(alloc, e, startBlk, numBlk, &entries, seq)
				if aerr != nil {
					return nil, aerr
				}
				continue
			}

			// Walk maximal conflicting runs within this extent.
			i := int64(0)
			for i < numBlk {
				if !p.reserved.IsSet(startBlk + i) {
					i++
					continue
				}
				runStart := i
				for i < numBlk && p.reserved.IsSet(startBlk+i) {
					i++
				}
				runLen := i - runStart

				seq = p.allocateRun(alloc, e, startBlk, runStart, runLen, &entries, seq)
			}
		}
	}

	sort.Slice(entries, func(a, b int) bool { return entries[a].SrcOffset < entries[b].SrcOffset })
	coalesced := coalesce(entries)
	return &Plan{Entries: coalesced}, nil
}

// allocateRun requests a same-length free run for the conflicting block
// range [startBlk+runStart, startBlk+runStart+length) of extent e,
// falling back to per-block allocation on failure, and records each
// allocated sub-run against e so RewriteExtents can split it later.
func (p *Planner) allocateRun(alloc *bitalloc.Allocator, e *btrfs.Extent, startBlk, runStart, length int64, entries *[]Entry, seq uint64) uint64 {
	if dstStart, ok := alloc.AllocRun(length); ok {
		*entries = append(*entries, Entry{
			SrcOffset: uint64((startBlk + runStart) * p.BlockSize),
			DstOffset: uint64(dstStart * p.BlockSize),
			Length:    uint64(length * p.BlockSize),
			Seq:       seq,
		})
		p.splits[e] = append(p.splits[e], splitReq{blockOff: runStart, blockLen: length, dstBlock: dstStart})
		return seq + 1
	}
	for j := int64(0); j < length; j++ {
		dst, ok := alloc.AllocOne()
		if !ok {
			// Exhaustion is reported by the caller's viability check
			// before Build ever runs; reaching here anyway means we
			// skip the block rather than corrupt the plan.
			continue
		}
		*entries = append(*entries, Entry{
			SrcOffset: uint64((startBlk + runStart + j) * p.BlockSize),
			DstOffset: uint64(dst * p.BlockSize),
			Length:    uint64(p.BlockSize),
			Seq:       seq,
		})
		p.splits[e] = append(p.splits[e], splitReq{blockOff: runStart + j, blockLen: 1, dstBlock: dst})
		seq++
	}
	return seq
}

// allocateWholeExtent relocates e's entire physical footprint as a single
// run, for the compressed-extent case where splitting isn't safe. A
// fragmented fallback would corrupt the extent's decompression framing, so
// exhaustion is a hard error here rather than a silent per-block fallback.
func (p *Planner) allocateWholeExtent(alloc *bitalloc.Allocator, e *btrfs.Extent, startBlk, numBlk int64, entries *[]Entry, seq uint64) (uint64, error) {
	dstStart, ok := alloc.AllocRun(numBlk)
	if !ok {
		return seq, errors.Errorf("relocate: no contiguous free run of %d blocks for compressed extent at file offset %d", numBlk, e.FileOffset)
	}
	*entries = append(*entries, Entry{
		SrcOffset: uint64(startBlk * p.BlockSize),
		DstOffset: uint64(dstStart * p.BlockSize),
		Length:    uint64(numBlk * p.BlockSize),
		Seq:       seq,
	})
	p.splits[e] = append(p.splits[e], splitReq{blockOff: 0, blockLen: numBlk, dstBlock: dstStart})
	return seq + 1, nil
}

// coalesce merges adjacent (src+len == next.src && dst+len == next.dst)
// entries, assuming entries is already sorted by SrcOffset.
func coalesce(entries []Entry) []Entry {
	if len(entries) == 0 {
		return entries
	}
	out := []Entry{entries[0]}
	for _, e := range entries[1:] {
		last := &out[len(out)-1]
		if last.SrcOffset+last.Length == e.SrcOffset && last.DstOffset+last.Length == e.DstOffset {
			last.Length += e.Length
			continue
		}
		out = append(out, e)
	}
	for i := range out {
		out[i].Seq = uint64(i)
	}
	return out
}

// RewriteExtents splits and redirects every extent (or extent fragment)
// Build chose to relocate, leaving any untouched portion of the original
// extent in place. Each relocated fragment carries its final physical
// device offset directly (Relocated = true) rather than a chunk-map
// logical address, since its destination came from Ext4's reserved
// metadata zone and was never given a Btrfs chunk mapping of its own.
// Idempotent: Build populates p.splits once, so calling this again without
// an intervening Build is a no-op beyond redundant slice rebuilding.
func (p *Planner) RewriteExtents(plan *Plan) error {
	for _, fe := range p.Model.Inodes {
		if len(fe.Extents) == 0 {
			continue
		}
		rewritten := make([]*btrfs.Extent, 0, len(fe.Extents))
		for _, e := range fe.Extents {
			reqs := p.splits[e]
			if len(reqs) == 0 {
				rewritten = append(rewritten, e)
				continue
			}
			rewritten = append(rewritten, splitExtent(e, reqs, p.BlockSize)...)
		}
		fe.Extents = rewritten
	}
	return nil
}

// splitExtent cuts e into the pieces implied by reqs (each a relocated
// sub-run) plus whatever untouched gaps remain between and around them.
func splitExtent(e *btrfs.Extent, reqs []splitReq, blockSize int64) []*btrfs.Extent {
	sorted := append([]splitReq(nil), reqs...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].blockOff < sorted[b].blockOff })

	numBlk := int64(e.DiskNumBytes+uint64(blockSize)-1) / blockSize
	var out []*btrfs.Extent
	cursor := int64(0)

	flushGap := func(from, to int64) {
		if to <= from {
			return
		}
		out = append(out, subExtent(e, from, to-from, 0, false, blockSize))
	}

	for _, r := range sorted {
		flushGap(cursor, r.blockOff)
		out = append(out, subExtent(e, r.blockOff, r.blockLen, r.dstBlock, true, blockSize))
		cursor = r.blockOff + r.blockLen
	}
	flushGap(cursor, numBlk)

	return out
}

// subExtent builds one fragment of e covering blocks [blockOff,
// blockOff+blockLen). When relocated, DiskBytenr is the fragment's final
// physical byte offset (dstBlock*blockSize); otherwise it stays a logical
// address within e's original chunk mapping.
func subExtent(e *btrfs.Extent, blockOff, blockLen, dstBlock int64, relocated bool, blockSize int64) *btrfs.Extent {
	byteOff := blockOff * blockSize

	diskLen := int64(e.DiskNumBytes) - byteOff
	if max := blockLen * blockSize; diskLen > max {
		diskLen = max
	}
	if diskLen < 0 {
		diskLen = 0
	}

	numLen := int64(e.NumBytes) - byteOff
	if numLen > diskLen {
		numLen = diskLen
	}
	if numLen < 0 {
		numLen = 0
	}

	out := &btrfs.Extent{
		FileOffset:   e.FileOffset + uint64(byteOff),
		DiskNumBytes: uint64(diskLen),
		NumBytes:     uint64(numLen),
		RamBytes:     e.RamBytes,
		Compression:  e.Compression,
		Type:         e.Type,
		Relocated:    relocated,
	}
	if relocated {
		out.DiskBytenr = uint64(dstBlock) * uint64(blockSize)
	} else {
		out.DiskBytenr = e.DiskBytenr + uint64(byteOff)
	}
	return out
}

// ChecksumEntry computes the CRC32C over a relocated byte range presented
// as a sequence of chunks, matching the "running CRC32C per entry" updated
// across chunked copies (§4.8).
func ChecksumEntry(chunks [][]byte) uint32 {
	h := checksum.NewCRC32C()
	for _, c := range chunks {
		h.Write(c) //nolint:errcheck // hash.Hash.Write never fails
	}
	return h.Sum32()
}
