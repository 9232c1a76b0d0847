// Package bitalloc implements the one-bit-per-block sequential allocator
// with wrap-around reused by both the relocator's free-space search and
// the Ext4 writer's block allocator (§4.8, §4.12). The two components
// differ only in what "block" means — Btrfs physical block vs. Ext4
// logical block — so the allocator is parameterized purely by block count
// and pre-marked bits, matching the cow_hash/extent_hash design note that
// identical shapes at different scopes should share one implementation.
package bitalloc

// Bitmap is a growable one-bit-per-block bitmap.
type Bitmap struct {
	words []uint64
	n     int64
}

// New returns a Bitmap covering n blocks, all initially free.
func New(n int64) *Bitmap {
	return &Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// Len reports the number of blocks the bitmap covers.
func (b *Bitmap) Len() int64 { return b.n }

// Set marks block i used.
func (b *Bitmap) Set(i int64) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i/64] |= 1 << uint(i%64)
}

// Clear marks block i free.
func (b *Bitmap) Clear(i int64) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i/64] &^= 1 << uint(i%64)
}

// SetRange marks [start, start+length) used.
func (b *Bitmap) SetRange(start, length int64) {
	for i := start; i < start+length; i++ {
		b.Set(i)
	}
}

// IsSet reports whether block i is used (or out of range, which counts as
// used so boundary scans never "find" nonexistent blocks).
func (b *Bitmap) IsSet(i int64) bool {
	if i < 0 || i >= b.n {
		return true
	}
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

// CountFree returns the number of clear bits, constrained to bits [0, limit)
// when limit >= 0 (used for the last partial Ext4 group, where bits beyond
// total_blocks must read as free-counting-excluded).
func (b *Bitmap) CountFree(limit int64) int64 {
	if limit < 0 || limit > b.n {
		limit = b.n
	}
	var free int64
	for i := int64(0); i < limit; i++ {
		if !b.IsSet(i) {
			free++
		}
	}
	return free
}

// Words returns the raw backing words, little-endian bit order within each
// uint64, for direct serialization to an on-disk bitmap block.
func (b *Bitmap) Words() []uint64 { return b.words }

// Allocator is a cursor-based sequential allocator over a Bitmap. Init
// marks reserved metadata blocks (and, for the Ext4 writer, every final
// Btrfs data block) before any allocation begins.
type Allocator struct {
	Bitmap *Bitmap
	cursor int64
}

// NewAllocator returns an Allocator starting its cursor at start (mod n).
func NewAllocator(bm *Bitmap, start int64) *Allocator {
	n := bm.Len()
	if n > 0 {
		start %= n
		if start < 0 {
			start += n
		}
	}
	return &Allocator{Bitmap: bm, cursor: start}
}

// Cursor reports the next block the allocator will examine.
func (a *Allocator) Cursor() int64 { return a.cursor }

// AllocOne scans forward from the cursor, wrapping at the end back to 0 and
// scanning up to (but not including) the original cursor, guaranteeing
// every free block is reachable regardless of where the cursor began. It
// returns the allocated block number, or ok=false if the pool is
// exhausted.
func (a *Allocator) AllocOne() (block int64, ok bool) {
	n := a.Bitmap.Len()
	if n == 0 {
		return 0, false
	}
	start := a.cursor
	for i := int64(0); i < n; i++ {
		pos := (start + i) % n
		if !a.Bitmap.IsSet(pos) {
			a.Bitmap.Set(pos)
			a.cursor = (pos + 1) % n
			return pos, true
		}
	}
	return 0, false
}

// AllocRun tries to allocate a contiguous run of length consecutive free
// blocks, searching forward from the cursor and wrapping back to 0 when
// picking a starting position, but never returning a run that itself wraps
// past the end of the device. It falls back to returning ok=false without
// allocating anything if no such run exists; callers fall back to
// per-block AllocOne in that case, matching the relocator's
// run-then-singleton strategy (§4.8).
func (a *Allocator) AllocRun(length int64) (start int64, ok bool) {
	n := a.Bitmap.Len()
	if length <= 0 || length > n {
		return 0, false
	}
	begin := a.cursor
	for i := int64(0); i < n; i++ {
		pos := (begin + i) % n
		runOK := true
		for j := int64(0); j < length; j++ {
			p := (pos + j) % n
			if p < pos {
				// a contiguous run must not wrap around the end of the device
				runOK = false
				break
			}
			if a.Bitmap.IsSet(p) {
				runOK = false
				break
			}
		}
		if runOK {
			for j := int64(0); j < length; j++ {
				a.Bitmap.Set((pos + j) % n)
			}
			a.cursor = (pos + length) % n
			return pos, true
		}
	}
	return 0, false
}

// ScanFromEnd scans backwards from the end of the bitmap for a contiguous
// free run of the requested length, used by the journal allocator which
// prefers placing the journal at the end of the device. It reports the
// longest free run found if the exact length is unavailable, shrinking as
// needed (the caller decides whether a shorter run is acceptable).
func ScanFromEnd(bm *Bitmap, want int64) (start, length int64, ok bool) {
	n := bm.Len()
	if n == 0 {
		return 0, 0, false
	}
	bestStart, bestLen := int64(-1), int64(0)
	runEnd := int64(-1)
	for i := n - 1; i >= 0; i-- {
		if !bm.IsSet(i) {
			if runEnd == -1 {
				runEnd = i
			}
			runLen := runEnd - i + 1
			if runLen > bestLen {
				bestLen = runLen
				bestStart = i
			}
			if runLen >= want {
				return i, want, true
			}
		} else {
			runEnd = -1
		}
	}
	if bestStart < 0 {
		return 0, 0, false
	}
	return bestStart, bestLen, true
}
