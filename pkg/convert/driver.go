// Package convert is the top-level driver tying the three conversion
// passes together: the Btrfs reader (Pass 1), the Ext4 layout planner and
// conflict relocator (Pass 2), and the Ext4 writer (Pass 3). It owns the
// fixed device offsets the relocator's migration footer, migration map,
// and journal live at, and the policy for dry-run and rollback modes
// described in the CLI contract (§6).
package convert

import (
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
	"github.com/sisatech/btrfs2ext4/pkg/elog"
	"github.com/sisatech/btrfs2ext4/pkg/errs"
	"github.com/sisatech/btrfs2ext4/pkg/ext4"
	"github.com/sisatech/btrfs2ext4/pkg/relocate"
)

// controlEntryBudget is a generous per-relocation-entry byte budget
// covering both the migration-map wire format and the relocator
// journal's wire format, with headroom so a second, larger relocation
// plan discovered against the reserved control region itself (see
// planControlRegion) still fits without a third re-plan.
const controlEntryBudget = 96

// defaultMemoryLimitFraction is 60% of physical RAM. Nothing reads it:
// with no explicit --memory-limit, workerCount applies no memory bound
// and sizes the decompression pool by GOMAXPROCS alone. Outside of sizing
// the decompression worker pool, memory pressure policy remains the
// injectable, out-of-scope mem_tracker collaborator named in §1.
const defaultMemoryLimitFraction = 0.6

// Options configures one conversion run.
type Options struct {
	DevicePath string
	BlockSize  int64
	InodeRatio int64
	Workdir    string

	// MemoryLimit bounds the decompression worker pool's concurrency
	// budget in bytes; 0 leaves the pool bounded by GOMAXPROCS only.
	MemoryLimit int64

	DryRun   bool
	Rollback bool

	Log elog.View

	// Now and UUID are overridable for deterministic tests; zero/nil
	// select time.Now() and a fresh random UUID respectively.
	Now  time.Time
	UUID [16]byte
}

// Driver runs one conversion end to end.
type Driver struct {
	opts Options
	log  elog.View
}

// New returns a Driver for opts. A nil opts.Log is replaced with a no-op
// view, matching the core's "degrade silently" contract (§4.13).
func New(opts Options) *Driver {
	if opts.Log == nil {
		opts.Log = nopView{}
	}
	return &Driver{opts: opts, log: opts.Log}
}

type nopView struct{}

func (nopView) Debugf(string, ...interface{})                   {}
func (nopView) Errorf(string, ...interface{})                   {}
func (nopView) Infof(string, ...interface{})                    {}
func (nopView) Printf(string, ...interface{})                   {}
func (nopView) Warnf(string, ...interface{})                    {}
func (nopView) IsInfoEnabled() bool                              { return false }
func (nopView) IsDebugEnabled() bool                             { return false }
func (nopView) NewProgress(string, int64) elog.Progress         { return nopProgress{} }

type nopProgress struct{}

func (nopProgress) Finish(bool)    {}
func (nopProgress) Increment(int64) {}

// Run executes the conversion according to opts: Rollback takes priority
// over DryRun, which takes priority over a full conversion.
func (d *Driver) Run() error {
	if d.opts.Rollback {
		return d.runRollback()
	}
	if d.opts.DryRun {
		return d.runDryRun()
	}
	return d.runConvert()
}

func (d *Driver) openDevice(readOnly bool) (*blockdev.Device, error) {
	dev, err := blockdev.Open(d.opts.DevicePath, readOnly)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "convert", err)
	}
	return dev, nil
}

func (d *Driver) runRollback() error {
	dev, err := d.openDevice(false)
	if err != nil {
		return err
	}
	defer dev.Close()

	blockSize := d.opts.BlockSize
	if blockSize == 0 {
		blockSize = ext4.BlockSize4K
	}

	ok, err := relocate.Rollback(dev, dev.Size(), blockSize)
	if err != nil {
		return errors.Wrap(err, "convert: rollback")
	}
	if !ok {
		d.log.Warnf("no migration footer found; nothing to roll back")
		return errs.New(errs.BadFormat, "convert", "no valid migration footer at the expected device offset")
	}
	d.log.Infof("rollback complete")
	return nil
}

// runDryRun opens the device read-only, runs Pass 1 and Pass 2 planning,
// and an integrity read-scan, but never writes anything (§6).
func (d *Driver) runDryRun() error {
	dev, err := d.openDevice(true)
	if err != nil {
		return err
	}
	defer dev.Close()

	model, chunkMap, err := d.readBtrfs(dev)
	if err != nil {
		return err
	}

	layout, planner, plan, _, err := d.planLayout(dev, model, chunkMap)
	if err != nil {
		return err
	}
	d.log.Infof("dry-run: layout plans %d groups, %d relocation entries", layout.NumGroups, len(plan.Entries))

	if err := verifyReadable(dev, model, chunkMap, d.log); err != nil {
		return err
	}

	_ = planner
	d.log.Infof("dry-run: Pass 1 + Pass 2 planning succeeded, device left unmodified")
	return nil
}

func (d *Driver) runConvert() error {
	dev, err := d.openDevice(false)
	if err != nil {
		return err
	}
	defer dev.Close()

	model, chunkMap, err := d.readBtrfs(dev)
	if err != nil {
		return err
	}

	layout, planner, plan, maxEntries, err := d.planLayout(dev, model, chunkMap)
	if err != nil {
		return err
	}

	footerOffset := relocate.FooterOffset(dev.Size(), layout.BlockSize)
	backupOffset := relocate.SuperbackupOffset(dev.Size(), layout.BlockSize)
	mapOffset, journalHeaderAt, journalDataAt := d.controlOffsets(layout, footerOffset, maxEntries)

	if err := relocate.SaveSuperblockBackup(dev, backupOffset); err != nil {
		return errors.Wrap(err, "convert: save superblock backup")
	}

	journal := relocate.NewJournal(dev, journalHeaderAt, journalDataAt, maxEntries)
	if err := relocate.Execute(dev, planner, plan, journal, footerOffset, mapOffset); err != nil {
		return errors.Wrap(err, "convert: relocate")
	}
	d.log.Infof("relocated %d entries", len(plan.Entries))

	cache := ext4.NewDecompressedCache()
	if err := d.prewarmDecompression(dev, model, chunkMap, layout.BlockSize, cache); err != nil {
		d.log.Warnf("convert: prewarm decompression stopped early (%v); uncached extents are decompressed inline", err)
	}

	uuidBytes := d.opts.UUID
	if uuidBytes == [16]byte{} {
		id := uuid.New()
		copy(uuidBytes[:], id[:])
	}
	now := d.opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	writer := &ext4.Writer{
		Model:         model,
		ChunkMap:      chunkMap,
		Dev:           dev,
		BlockSize:     layout.BlockSize,
		InodeRatio:    d.opts.InodeRatio,
		UUID:          uuidBytes,
		HashSeed:      hashSeedFromUUID(uuidBytes),
		Now:           now,
		Workdir:       d.opts.Workdir,
		Cache:         cache,
		ControlBlocks: layout.TotalBlocks - (journalHeaderAt / layout.BlockSize),
	}
	if err := writer.Write(); err != nil {
		return errors.Wrap(err, "convert: write ext4")
	}

	if err := relocate.EraseFooter(dev, footerOffset); err != nil {
		return errors.Wrap(err, "convert: erase migration footer")
	}
	d.log.Infof("conversion complete")
	return dev.Sync()
}

func (d *Driver) readBtrfs(dev *blockdev.Device) (*btrfs.Model, *btrfs.ChunkMap, error) {
	reader := btrfs.NewReader(dev, d.opts.Log)
	model, err := reader.Read()
	if err != nil {
		return nil, nil, errors.Wrap(err, "convert: read btrfs")
	}
	return model, reader.ChunkMap(), nil
}

// planLayout runs Pass 2 twice: once to size the trailing control region
// (journal + migration map + footer + superblock backup) against an
// initial conflict count, and again with that region reserved, so any
// Btrfs data already occupying the control region's blocks is itself
// included in the final plan. The returned maxEntries is the exact entry
// budget controlBlocks was sized against; callers MUST reuse it (via
// controlOffsets) rather than re-derive a budget from the final layout, or
// the reserved region and the offsets carved out of it could disagree.
func (d *Driver) planLayout(dev *blockdev.Device, model *btrfs.Model, chunkMap *btrfs.ChunkMap) (*ext4.Layout, *relocate.Planner, *relocate.Plan, int64, error) {
	blockSize := d.opts.BlockSize
	if blockSize == 0 {
		blockSize = ext4.BlockSize4K
	}
	inodeRatio := d.opts.InodeRatio

	fileCount := int64(len(model.Inodes))
	var dirBlocks int64
	for _, fe := range model.Inodes {
		if fe.Mode&ext4.InodeTypeMask == ext4.InodeTypeDir {
			dirBlocks += divideUp(int64(len(fe.Children))*32+64, blockSize)
		}
	}

	prelim, err := ext4.PlanLayout(dev.Size(), blockSize, inodeRatio, fileCount)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	dataBlocksRequired := ext4.DataBlocksRequired(model, blockSize, dirBlocks)
	if err := prelim.Viability(dataBlocksRequired); err != nil {
		return nil, nil, nil, 0, err
	}

	prelimPlanner := relocate.NewPlanner(model, chunkMap, blockSize, prelim.TotalBlocks, prelim.ReservedBlocks)
	prelimPlan, err := prelimPlanner.Build()
	if err != nil {
		return nil, nil, nil, 0, err
	}

	// +16 covers headroom for the handful of extra conflicts the control
	// region reservation itself can introduce (Btrfs data that happened
	// to live in the device's trailing blocks), re-planned below.
	maxEntries := int64(len(prelimPlan.Entries)) + 16
	_, journalHeaderAt, _ := d.controlOffsets(&ext4.Layout{BlockSize: blockSize}, relocate.FooterOffset(dev.Size(), blockSize), maxEntries)
	controlBlocks := dev.Size()/blockSize - journalHeaderAt/blockSize

	layout, err := ext4.PlanLayoutReserving(dev.Size(), blockSize, inodeRatio, fileCount, controlBlocks)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if err := layout.Viability(dataBlocksRequired); err != nil {
		return nil, nil, nil, 0, err
	}

	planner := relocate.NewPlanner(model, chunkMap, blockSize, layout.TotalBlocks, layout.ReservedBlocks)
	plan, err := planner.Build()
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if int64(len(plan.Entries)) > maxEntries {
		return nil, nil, nil, 0, errs.New(errs.ResourceLimit, "convert", "final relocation plan grew to %d entries, exceeding the %d-entry control region budget", len(plan.Entries), maxEntries)
	}

	// Extents are NOT rewritten here: that must wait until Execute has
	// actually copied every relocated byte range, since rewriting first
	// would point the model at destination blocks that still hold
	// stale or uninitialized data if a later copy step fails.
	return layout, planner, plan, maxEntries, nil
}

// controlRegionBytes sizes the trailing zone for entryCount relocation
// entries: both the migration map and the relocator journal need room for
// every entry, plus the fixed-size footer and Btrfs-superblock backup.
func controlRegionBytes(entryCount int64) int64 {
	const footerAndBackup = 8192
	return entryCount*controlEntryBudget*2 + footerAndBackup
}

// controlOffsets lays out the trailing control region below the migration
// footer: migration map entries directly below the footer, journal data
// below that, and the journal header immediately below its data. maxEntries
// must be the same budget planLayout sized controlBlocks against.
func (d *Driver) controlOffsets(layout *ext4.Layout, footerOffset, maxEntries int64) (mapOffset, journalHeaderAt, journalDataAt int64) {
	entryZone := maxEntries * controlEntryBudget
	mapOffset = alignDown(footerOffset-entryZone, layout.BlockSize)
	journalDataAt = alignDown(mapOffset-entryZone, layout.BlockSize)
	journalHeaderAt = journalDataAt - layout.BlockSize
	return
}

func hashSeedFromUUID(id [16]byte) [4]uint32 {
	var seed [4]uint32
	for i := 0; i < 4; i++ {
		seed[i] = uint32(id[i*4]) | uint32(id[i*4+1])<<8 | uint32(id[i*4+2])<<16 | uint32(id[i*4+3])<<24
	}
	return seed
}

func divideUp(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

func alignDown(n, align int64) int64 {
	return (n / align) * align
}

// workerCount picks the decompression prewarm pool's goroutine count:
// bounded by GOMAXPROCS, and further bounded by MemoryLimit when set,
// since each worker holds one Decompressor scratch buffer.
func (d *Driver) workerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	if d.opts.MemoryLimit <= 0 {
		return n
	}
	const perWorkerBudget = 64 << 20 // generous scratch-buffer ceiling per worker
	byBudget := int(d.opts.MemoryLimit / perWorkerBudget)
	if byBudget < 1 {
		byBudget = 1
	}
	if byBudget < n {
		return byBudget
	}
	return n
}
