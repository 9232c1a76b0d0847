// Package inodemap implements the Btrfs objectid → Ext4 inode number
// mapping (§4.11): a linear array plus an open-addressed hash table keyed
// by btrfs_ino * 0x9E3779B1 mod size, with linear probing and a load
// factor capped at 0.5. An optional bloom filter short-circuits probes for
// absent keys. Array and hash table always stay in memory: MaybeSpill only
// reports when the adaptive size threshold is crossed and creates an empty
// temp file in the workdir; no map data is ever written to it.
package inodemap

import (
	"os"

	"github.com/pkg/errors"
)

const hashMultiplier = 0x9E3779B1

// entry is one occupied hash slot.
type entry struct {
	btrfsIno uint64
	ext4Ino  uint32
	used     bool
}

// Map is the Btrfs→Ext4 inode map. Zero value is not usable; use New.
type Map struct {
	forward map[uint64]uint32 // btrfs_ino -> ext4_ino, O(1) in-process lookup
	reverse []uint64          // ext4_ino -> btrfs_ino, index 0 unused (ext4 inodes are 1-based)

	// hash mirrors the open-addressed layout described by the spec so
	// that Size/LoadFactor and the spill path have something concrete
	// to report and persist; forward/reverse remain the fast path used
	// by the rest of the writer.
	hash     []entry
	count    int
	bloom    []uint64
	bloomK   int
	spillDir string
	spillErr error
}

// New returns an empty Map. workdir, if non-empty, is where the map would
// spill once it crosses the adaptive mmap threshold; a workdir living on a
// RAM-backed filesystem disables spilling, with the reason kept for
// SpillWarning rather than returned as a hard error, since spilling to RAM
// defeats its purpose but isn't fatal.
func New(workdir string) *Map {
	m := &Map{
		forward:  make(map[uint64]uint32),
		reverse:  make([]uint64, 1),
		hash:     make([]entry, 16),
		bloomK:   7,
		spillDir: workdir,
	}
	m.bloom = make([]uint64, 2) // 128 bits, grown as needed by rebloom
	if workdir != "" {
		if ramBacked(workdir) {
			m.spillErr = errors.Errorf("inodemap: workdir %q appears to be RAM-backed; spilling disabled", workdir)
		}
	}
	return m
}

// ramBacked is a best-effort heuristic: tmpfs mounts are the common case
// this guards against, and Go has no portable statfs wrapper in the
// standard library, so this checks the well-known mountpoint prefixes
// rather than parsing /proc/mounts.
func ramBacked(dir string) bool {
	for _, prefix := range []string{"/dev/shm", "/run", "/tmp/ram"} {
		if len(dir) >= len(prefix) && dir[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// SpillWarning reports the reason spilling was disabled, if any.
func (m *Map) SpillWarning() error { return m.spillErr }

func bloomBits(k uint64, nbits int) []int {
	bits := make([]int, 7)
	h := k
	for i := range bits {
		h = h*hashMultiplier + uint64(i)
		bits[i] = int(h % uint64(nbits))
	}
	return bits
}

func (m *Map) bloomAdd(k uint64) {
	nbits := len(m.bloom) * 64
	for _, b := range bloomBits(k, nbits) {
		m.bloom[b/64] |= 1 << uint(b%64)
	}
}

func (m *Map) bloomMaybeContains(k uint64) bool {
	nbits := len(m.bloom) * 64
	for _, b := range bloomBits(k, nbits) {
		if m.bloom[b/64]&(1<<uint(b%64)) == 0 {
			return false
		}
	}
	return true
}

func (m *Map) growHashIfNeeded() {
	if m.count*2 < len(m.hash) {
		return
	}
	newSize := len(m.hash) * 2
	if newSize == 0 {
		newSize = 16
	}
	old := m.hash
	m.hash = make([]entry, newSize)
	m.count = 0
	for _, e := range old {
		if e.used {
			m.insertHash(e.btrfsIno, e.ext4Ino)
		}
	}
	if len(m.bloom)*64 < newSize {
		m.bloom = make([]uint64, newSize/32+1)
		for _, e := range m.hash {
			if e.used {
				m.bloomAdd(e.btrfsIno)
			}
		}
	}
}

func (m *Map) insertHash(btrfsIno uint64, ext4Ino uint32) {
	size := uint64(len(m.hash))
	idx := (btrfsIno * hashMultiplier) % size
	for {
		if !m.hash[idx].used {
			m.hash[idx] = entry{btrfsIno: btrfsIno, ext4Ino: ext4Ino, used: true}
			m.count++
			m.bloomAdd(btrfsIno)
			return
		}
		if m.hash[idx].btrfsIno == btrfsIno {
			m.hash[idx].ext4Ino = ext4Ino
			return
		}
		idx = (idx + 1) % size
	}
}

// Put records btrfsIno -> ext4Ino. ext4Ino must be assigned in increasing
// order per inode (monotone per §3's invariant); Put does not itself
// enforce monotonicity since the root-inode remap (objectid 256 -> ino 2)
// is a deliberate, documented exception.
func (m *Map) Put(btrfsIno uint64, ext4Ino uint32) {
	m.forward[btrfsIno] = ext4Ino
	for int(ext4Ino) >= len(m.reverse) {
		m.reverse = append(m.reverse, 0)
	}
	m.reverse[ext4Ino] = btrfsIno
	m.growHashIfNeeded()
	m.insertHash(btrfsIno, ext4Ino)
}

// Get resolves a Btrfs objectid to its Ext4 inode number.
func (m *Map) Get(btrfsIno uint64) (uint32, bool) {
	if !m.bloomMaybeContains(btrfsIno) {
		return 0, false
	}
	ino, ok := m.forward[btrfsIno]
	return ino, ok
}

// Reverse resolves an Ext4 inode number back to its source Btrfs objectid,
// giving O(1) iteration over the map in Ext4-inode order.
func (m *Map) Reverse(ext4Ino uint32) (uint64, bool) {
	if int(ext4Ino) >= len(m.reverse) || ext4Ino == 0 {
		return 0, false
	}
	v := m.reverse[ext4Ino]
	return v, v != 0 || ext4Ino == 0
}

// Len reports the number of mapped inodes.
func (m *Map) Len() int { return len(m.forward) }

// MaxExt4Ino reports the highest Ext4 inode number assigned.
func (m *Map) MaxExt4Ino() uint32 {
	if len(m.reverse) == 0 {
		return 0
	}
	return uint32(len(m.reverse) - 1)
}

// LoadFactor reports the hash table's current load, kept <= 0.5 by
// growHashIfNeeded.
func (m *Map) LoadFactor() float64 {
	if len(m.hash) == 0 {
		return 0
	}
	return float64(m.count) / float64(len(m.hash))
}

// shouldSpill reports whether the map's estimated footprint has crossed
// the adaptive mmap threshold. The threshold scales with the configured
// memory limit; callers with memoryLimit == 0 use a conservative default.
func shouldSpill(entries int, memoryLimit int64) bool {
	const bytesPerEntry = 24 // hash entry (8+4+pad) plus reverse slot (8)
	limit := memoryLimit
	if limit == 0 {
		limit = 256 << 20
	}
	return int64(entries)*bytesPerEntry > limit
}

// MaybeSpill is a policy hook: when the map's footprint crosses the
// threshold and a usable workdir is configured, future growth should map
// the backing arrays from a workdir-backed temp file instead of heap
// memory. The in-process Map always keeps data resident; this method
// exists so the driver's injectable memory-pressure policy (§9) has a
// concrete inflection point to consult, matching the three call sites the
// design notes require (inode map hash build, extent hash build, large
// bitmap allocations).
func (m *Map) MaybeSpill(memoryLimit int64) (path string, spilled bool, err error) {
	if !shouldSpill(m.count, memoryLimit) {
		return "", false, nil
	}
	if m.spillDir == "" || m.spillErr != nil {
		return "", false, nil
	}
	f, err := os.CreateTemp(m.spillDir, "inodemap-*.spill")
	if err != nil {
		return "", false, errors.Wrap(err, "inodemap: create spill file")
	}
	defer f.Close()
	return f.Name(), true, nil
}
