package relocate

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/checksum"
)

// footerMagicBytes identifies the migration footer (§3 "Migration
// footer"): "B2E4MAP1".
var footerMagicBytes = [8]byte{'B', '2', 'E', '4', 'M', 'A', 'P', '1'}

const footerSize = 8 + 8 + 8 + 4 + 4 // magic, map_offset, entry_count, crc32c, pad
const entryWireSize = 8 + 8 + 8 + 4 + 8 + 1 + 7

// Footer is the fixed-location record tying a relocation plan to its
// Btrfs-superblock backup (§3).
type Footer struct {
	MapOffset   uint64
	EntryCount  uint64
	ChecksumCRC uint32
}

// FooterOffset computes the migration footer's fixed device offset:
// (device_size - 8192) rounded down to blockSize.
func FooterOffset(deviceSize, blockSize int64) int64 {
	off := deviceSize - 8192
	return (off / blockSize) * blockSize
}

// SuperbackupOffset computes the saved-Btrfs-superblock-backup offset:
// (device_size - 4096) rounded down to blockSize.
func SuperbackupOffset(deviceSize, blockSize int64) int64 {
	off := deviceSize - 4096
	return (off / blockSize) * blockSize
}

func encodeEntries(entries []Entry) []byte {
	buf := make([]byte, len(entries)*entryWireSize)
	for i, e := range entries {
		o := i * entryWireSize
		binary.LittleEndian.PutUint64(buf[o+0:o+8], e.SrcOffset)
		binary.LittleEndian.PutUint64(buf[o+8:o+16], e.DstOffset)
		binary.LittleEndian.PutUint64(buf[o+16:o+24], e.Length)
		binary.LittleEndian.PutUint32(buf[o+24:o+28], e.CRC32C)
		binary.LittleEndian.PutUint64(buf[o+28:o+36], e.Seq)
		if e.Completed {
			buf[o+36] = 1
		}
	}
	return buf
}

func decodeEntries(buf []byte, n int) []Entry {
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		o := i * entryWireSize
		entries[i] = Entry{
			SrcOffset: binary.LittleEndian.Uint64(buf[o+0 : o+8]),
			DstOffset: binary.LittleEndian.Uint64(buf[o+8 : o+16]),
			Length:    binary.LittleEndian.Uint64(buf[o+16 : o+24]),
			CRC32C:    binary.LittleEndian.Uint32(buf[o+24 : o+28]),
			Seq:       binary.LittleEndian.Uint64(buf[o+28 : o+36]),
			Completed: buf[o+36] != 0,
		}
	}
	return entries
}

// SaveMigrationMap persists plan (even with zero entries, so a rollback
// checkpoint always exists once Pass 2 begins writing) at mapOffset, and
// writes the footer at footerOffset pointing to it.
func SaveMigrationMap(dev *blockdev.Device, footerOffset, mapOffset int64, plan *Plan) error {
	data := encodeEntries(plan.Entries)
	if len(data) > 0 {
		if err := dev.WriteAt(mapOffset, data); err != nil {
			return errors.Wrap(err, "relocate: write migration map entries")
		}
	}

	buf := make([]byte, footerSize)
	copy(buf[0:8], footerMagicBytes[:])
	binary.LittleEndian.PutUint64(buf[8:16], uint64(mapOffset))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(plan.Entries)))
	crc := checksum.CRC32C(data)
	binary.LittleEndian.PutUint32(buf[24:28], crc)

	if err := dev.WriteAt(footerOffset, buf); err != nil {
		return errors.Wrap(err, "relocate: write migration footer")
	}
	return dev.Sync()
}

// LoadMigrationMap reads and validates the footer at footerOffset and its
// referenced entries. A missing or invalid footer (bad magic or CRC32C)
// reports ok=false, meaning there is nothing to roll back.
func LoadMigrationMap(dev *blockdev.Device, footerOffset int64) (plan *Plan, ok bool, err error) {
	buf := make([]byte, footerSize)
	if err := dev.ReadAt(footerOffset, buf); err != nil {
		return nil, false, err
	}
	if string(buf[0:8]) != string(footerMagicBytes[:]) {
		return nil, false, nil
	}
	mapOffset := int64(binary.LittleEndian.Uint64(buf[8:16]))
	entryCount := binary.LittleEndian.Uint64(buf[16:24])
	storedCRC := binary.LittleEndian.Uint32(buf[24:28])

	var data []byte
	if entryCount > 0 {
		data = make([]byte, int(entryCount)*entryWireSize)
		if err := dev.ReadAt(mapOffset, data); err != nil {
			return nil, false, err
		}
	}
	if checksum.CRC32C(data) != storedCRC {
		return nil, false, nil
	}
	return &Plan{Entries: decodeEntries(data, int(entryCount))}, true, nil
}

// EraseFooter zeroes the footer's magic, the standard way to mark "nothing
// to roll back" once rollback (or a successful conversion that no longer
// needs the checkpoint) completes.
func EraseFooter(dev *blockdev.Device, footerOffset int64) error {
	buf := make([]byte, footerSize)
	return dev.WriteAt(footerOffset, buf)
}

// SaveSuperblockBackup copies the live Btrfs primary superblock (4096
// bytes at offset 0x10000) to backupOffset, before Pass 2 writes anything
// that could touch it.
func SaveSuperblockBackup(dev *blockdev.Device, backupOffset int64) error {
	const btrfsSuperOffset = 0x10000
	const btrfsSuperSize = 4096
	buf := make([]byte, btrfsSuperSize)
	if err := dev.ReadAt(btrfsSuperOffset, buf); err != nil {
		return errors.Wrap(err, "relocate: read btrfs superblock for backup")
	}
	return dev.WriteAt(backupOffset, buf)
}

// RestoreSuperblockBackup copies the saved Btrfs superblock back to its
// primary location, verbatim.
func RestoreSuperblockBackup(dev *blockdev.Device, backupOffset int64) error {
	const btrfsSuperOffset = 0x10000
	const btrfsSuperSize = 4096
	buf := make([]byte, btrfsSuperSize)
	if err := dev.ReadAt(backupOffset, buf); err != nil {
		return errors.Wrap(err, "relocate: read btrfs superblock backup")
	}
	return dev.WriteAt(btrfsSuperOffset, buf)
}
