package ext4

import (
	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
	"github.com/sisatech/btrfs2ext4/pkg/errs"
)

// Supported block sizes (§4.7).
const (
	BlockSize1K = 1024
	BlockSize2K = 2048
	BlockSize4K = 4096

	DefaultInodeRatio = 16384

	DescSize          = 64 // 64-byte GDT descriptors, since 64BIT is always set
	InodeSize         = 256
	MinInodesPerGroup = 16
	gdtGrowthFactor   = 1024 // reserve room for 1024x growth, matching mke2fs defaults
	maxGDTGroups      = (1 << 16) - 1
)

// Group is one Ext4 block group's metadata layout (§3).
type Group struct {
	Index int64

	HasSuper       bool
	SuperblockAt   int64 // block number of the superblock backup, 0 if !HasSuper
	GDTAt          int64
	ReservedGDTAt  int64
	ReservedGDTLen int64

	BlockBitmapAt int64
	InodeBitmapAt int64
	InodeTableAt  int64
	InodeTableLen int64

	DataStart int64
	DataEnd   int64 // exclusive
}

// Layout is the full, planned Ext4 geometry for one device.
type Layout struct {
	BlockSize      int64
	TotalBlocks    int64
	BlocksPerGroup int64
	InodesPerGroup int64
	TotalInodes    int64
	NumGroups      int64
	DescPerBlock   int64
	GDTBlocks      int64 // blocks occupied by the descriptor table at each has_super group, excluding reserved growth (Group.ReservedGDTLen)

	Groups []Group

	// ReservedBlocks is the exhaustive set of metadata block numbers any
	// group reserves (§3).
	ReservedBlocks []int64
}

// hasSuper reports whether group g carries a superblock + GDT backup,
// following the sparse_super pattern: group 0, group 1, and powers of
// 3/5/7.
func hasSuper(g int64) bool {
	if g == 0 || g == 1 {
		return true
	}
	for _, base := range []int64{3, 5, 7} {
		p := base
		for p < g {
			p *= base
		}
		if p == g {
			return true
		}
	}
	return false
}

// PlanLayout computes the Ext4 geometry per §4.7. fileCount is the number
// of inodes the Btrfs model needs (from Pass 1); it is used only to make
// sure inodes_per_group * num_groups is sufficient.
func PlanLayout(deviceSize, blockSize, inodeRatio int64, fileCount int64) (*Layout, error) {
	return planLayout(deviceSize, blockSize, inodeRatio, fileCount, 0)
}

// PlanLayoutReserving is PlanLayout but additionally reserves the trailing
// controlBlocks blocks of the device, excluding them from every group's
// data range. The relocator's migration footer, migration map, journal,
// and Btrfs-superblock backup all live in this trailing zone (§3
// "Migration map"), so it must never be handed out as file data.
func PlanLayoutReserving(deviceSize, blockSize, inodeRatio, fileCount, controlBlocks int64) (*Layout, error) {
	return planLayout(deviceSize, blockSize, inodeRatio, fileCount, controlBlocks)
}

func planLayout(deviceSize, blockSize, inodeRatio int64, fileCount int64, controlBlocks int64) (*Layout, error) {
	if blockSize != BlockSize1K && blockSize != BlockSize2K && blockSize != BlockSize4K {
		return nil, errs.New(errs.Unsupported, "ext4/layout", "unsupported block size %d", blockSize)
	}
	if inodeRatio <= 0 {
		inodeRatio = DefaultInodeRatio
	}

	l := &Layout{BlockSize: blockSize}
	l.TotalBlocks = deviceSize / blockSize
	l.BlocksPerGroup = 8 * blockSize
	l.NumGroups = divide(l.TotalBlocks, l.BlocksPerGroup)
	l.DescPerBlock = blockSize / DescSize

	inodesPerGroup := divide(divide(deviceSize, inodeRatio), l.NumGroups)
	inodesPerGroup = align(inodesPerGroup, 8)
	if inodesPerGroup < MinInodesPerGroup {
		inodesPerGroup = MinInodesPerGroup
	}
	if cap := 8 * blockSize; inodesPerGroup > cap {
		inodesPerGroup = cap
	}
	if inodesPerGroup*l.NumGroups < fileCount+16 {
		need := align(divide(fileCount+16, l.NumGroups), 8)
		if need > 8*blockSize {
			need = 8 * blockSize
		}
		inodesPerGroup = need
	}
	l.InodesPerGroup = inodesPerGroup
	l.TotalInodes = inodesPerGroup * l.NumGroups

	if l.TotalInodes < fileCount+16 {
		return nil, errs.New(errs.InsufficientSpace, "ext4/layout", "total inodes %d insufficient for %d files + reserved inodes", l.TotalInodes, fileCount)
	}

	reservedGDTGroups := l.NumGroups * gdtGrowthFactor
	if reservedGDTGroups > maxGDTGroups {
		reservedGDTGroups = maxGDTGroups
	}
	totalDescBlocks := divide(l.NumGroups, l.DescPerBlock)
	growthDescBlocks := divide(reservedGDTGroups, l.DescPerBlock)
	reservedGDTBlocks := growthDescBlocks - totalDescBlocks
	if reservedGDTBlocks < 0 {
		reservedGDTBlocks = 0
	}
	l.GDTBlocks = totalDescBlocks

	inodeTableBlocks := divide(inodesPerGroup*InodeSize, blockSize)

	l.Groups = make([]Group, l.NumGroups)
	var reserved []int64
	addRange := func(start, length int64) {
		for i := int64(0); i < length; i++ {
			reserved = append(reserved, start+i)
		}
	}

	for g := int64(0); g < l.NumGroups; g++ {
		groupStart := g * l.BlocksPerGroup
		cursor := groupStart
		grp := Group{Index: g, HasSuper: hasSuper(g)}

		if grp.HasSuper {
			grp.SuperblockAt = cursor
			cursor++
			addRange(grp.SuperblockAt, 1)

			grp.GDTAt = cursor
			cursor += l.GDTBlocks
			addRange(grp.GDTAt, l.GDTBlocks)

			if reservedGDTBlocks > 0 {
				grp.ReservedGDTAt = cursor
				grp.ReservedGDTLen = reservedGDTBlocks
				cursor += reservedGDTBlocks
				addRange(grp.ReservedGDTAt, reservedGDTBlocks)
			}
		}

		grp.BlockBitmapAt = cursor
		cursor++
		addRange(grp.BlockBitmapAt, 1)

		grp.InodeBitmapAt = cursor
		cursor++
		addRange(grp.InodeBitmapAt, 1)

		grp.InodeTableAt = cursor
		grp.InodeTableLen = inodeTableBlocks
		cursor += inodeTableBlocks
		addRange(grp.InodeTableAt, inodeTableBlocks)

		grp.DataStart = cursor
		grp.DataEnd = groupStart + l.BlocksPerGroup
		if grp.DataEnd > l.TotalBlocks {
			grp.DataEnd = l.TotalBlocks
		}

		l.Groups[g] = grp
	}

	if controlBlocks > 0 {
		start := l.TotalBlocks - controlBlocks
		if start < 0 {
			start = 0
		}
		for b := start; b < l.TotalBlocks; b++ {
			reserved = append(reserved, b)
		}
		for i := range l.Groups {
			if l.Groups[i].DataEnd > start {
				l.Groups[i].DataEnd = start
			}
			if l.Groups[i].DataStart > l.Groups[i].DataEnd {
				l.Groups[i].DataStart = l.Groups[i].DataEnd
			}
		}
	}

	l.ReservedBlocks = reserved
	return l, nil
}

// Viability rejects the layout unless the free margin (blocks not
// reserved for metadata or file data) is at least 5% of total_blocks
// (§4.7 step 5).
func (l *Layout) Viability(dataBlocksRequired int64) error {
	free := l.TotalBlocks - int64(len(l.ReservedBlocks)) - dataBlocksRequired
	minMargin := l.TotalBlocks / 20
	if free < minMargin {
		return errs.New(errs.InsufficientSpace, "ext4/layout", "free margin %d blocks below required 5%% (%d) of total %d", free, minMargin, l.TotalBlocks)
	}
	return nil
}

// DataBlocksRequired estimates data_blocks_required per §4.7 step 4: extent
// index blocks for files needing more than 4 extents, physical data
// blocks for non-hole extents, and one block for symlinks whose target
// does not fit inline. dirBlocks is supplied by the caller (the directory
// writer owns its own layout) and added verbatim.
func DataBlocksRequired(model *btrfs.Model, blockSize int64, dirBlocks int64) int64 {
	var total int64
	for _, fe := range model.Inodes {
		isSymlink := (fe.Mode & 0xF000) == 0xA000
		if isSymlink {
			if len(fe.SymlinkTarget) > 59 {
				total++
			}
			continue
		}

		var nonInline int64
		for _, e := range fe.Extents {
			if e.Type == btrfs.ExtentInline || e.IsHole() {
				continue
			}
			nonInline++
			total += divide(int64(e.NumBytes), blockSize)
		}
		if nonInline > 4 {
			total += divide(nonInline, 340)
		}
	}
	total += dirBlocks
	return total
}

// GroupForBlock returns the group index containing block b.
func (l *Layout) GroupForBlock(b int64) int64 {
	return b / l.BlocksPerGroup
}
