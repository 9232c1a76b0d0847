package relocate

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/checksum"
)

// Journal states (§4.9).
const (
	JournalClean = iota
	JournalInProgress
	JournalRollback
)

const journalMagic uint64 = 0x4A524C32303231 // "JRL2021" in low bytes

// journalHeader is the checksummed, fixed-offset header describing the
// write-ahead log of in-progress block moves.
type journalHeader struct {
	Magic     uint64
	Version   uint32
	State     uint32
	Count     uint64
	DataStart uint64 // device offset where journal entries begin
	Checksum  uint32
	_         uint32 // pad to 8-byte alignment
}

const journalHeaderSize = 40
const journalEntrySize = 8 + 8 + 8 + 4 + 8 + 1 + 7 // src,dst,len,crc,seq,completed,pad

// Journal is the relocator's write-ahead log, durable at a fixed device
// offset. A move's journal entry must be durable before the destination
// write begins (§5 ordering guarantees).
type Journal struct {
	Dev         *blockdev.Device
	HeaderAt    int64
	DataAt      int64
	MaxEntries  int64

	hdr     journalHeader
	entries []Entry
}

// NewJournal returns a Journal bound to the fixed offsets headerAt/dataAt.
func NewJournal(dev *blockdev.Device, headerAt, dataAt int64, maxEntries int64) *Journal {
	return &Journal{Dev: dev, HeaderAt: headerAt, DataAt: dataAt, MaxEntries: maxEntries}
}

// Init stamps the header IN_PROGRESS and truncates any prior entries.
func (j *Journal) Init() error {
	j.entries = nil
	j.hdr = journalHeader{Magic: journalMagic, Version: 1, State: JournalInProgress, DataStart: uint64(j.DataAt)}
	return j.writeHeader()
}

func (j *Journal) encodeEntry(e Entry) []byte {
	buf := make([]byte, journalEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.SrcOffset)
	binary.LittleEndian.PutUint64(buf[8:16], e.DstOffset)
	binary.LittleEndian.PutUint64(buf[16:24], e.Length)
	binary.LittleEndian.PutUint32(buf[24:28], e.CRC32C)
	binary.LittleEndian.PutUint64(buf[28:36], e.Seq)
	if e.Completed {
		buf[36] = 1
	}
	return buf
}

func decodeEntry(buf []byte) Entry {
	return Entry{
		SrcOffset: binary.LittleEndian.Uint64(buf[0:8]),
		DstOffset: binary.LittleEndian.Uint64(buf[8:16]),
		Length:    binary.LittleEndian.Uint64(buf[16:24]),
		CRC32C:    binary.LittleEndian.Uint32(buf[24:28]),
		Seq:       binary.LittleEndian.Uint64(buf[28:36]),
		Completed: buf[36] != 0,
	}
}

// LogMove appends entry to the journal and fsyncs the header, durable
// before the destination write for that entry begins.
func (j *Journal) LogMove(e Entry) error {
	if int64(len(j.entries)) >= j.MaxEntries {
		return errors.Errorf("relocate: journal entry count exceeds capacity %d", j.MaxEntries)
	}
	j.entries = append(j.entries, e)
	off := j.DataAt + int64(len(j.entries)-1)*journalEntrySize
	if err := j.Dev.WriteAt(off, j.encodeEntry(e)); err != nil {
		return err
	}
	j.hdr.Count = uint64(len(j.entries))
	if err := j.writeHeader(); err != nil {
		return err
	}
	return j.Dev.Sync()
}

// MarkComplete toggles the completed bit for the entry with the given
// sequence number.
func (j *Journal) MarkComplete(seq uint64) error {
	for i := range j.entries {
		if j.entries[i].Seq == seq {
			j.entries[i].Completed = true
			off := j.DataAt + int64(i)*journalEntrySize
			return j.Dev.WriteAt(off, j.encodeEntry(j.entries[i]))
		}
	}
	return errors.Errorf("relocate: journal has no entry with sequence %d", seq)
}

// Clear stamps the journal CLEAN, signaling every relocation in this run
// completed successfully.
func (j *Journal) Clear() error {
	j.hdr.State = JournalClean
	return j.writeHeader()
}

func (j *Journal) headerChecksumInput() []byte {
	buf := make([]byte, journalHeaderSize-8)
	binary.LittleEndian.PutUint64(buf[0:8], j.hdr.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], j.hdr.Version)
	binary.LittleEndian.PutUint32(buf[12:16], j.hdr.State)
	binary.LittleEndian.PutUint64(buf[16:24], j.hdr.Count)
	binary.LittleEndian.PutUint64(buf[24:32], j.hdr.DataStart)
	return buf
}

func (j *Journal) writeHeader() error {
	j.hdr.Checksum = checksum.CRC32C(j.headerChecksumInput())
	buf := make([]byte, journalHeaderSize)
	copy(buf, j.headerChecksumInput())
	binary.LittleEndian.PutUint32(buf[32:36], j.hdr.Checksum)
	return j.Dev.WriteAt(j.HeaderAt, buf)
}

// LoadJournal reads the header at headerAt and, if valid, its entries.
// Headers with a bad checksum are ignored (treated as CLEAN/empty), per
// §4.9.
func LoadJournal(dev *blockdev.Device, headerAt, dataAt int64, maxEntries int64) (*Journal, error) {
	j := NewJournal(dev, headerAt, dataAt, maxEntries)
	buf := make([]byte, journalHeaderSize)
	if err := dev.ReadAt(headerAt, buf); err != nil {
		return nil, err
	}
	j.hdr.Magic = binary.LittleEndian.Uint64(buf[0:8])
	j.hdr.Version = binary.LittleEndian.Uint32(buf[8:12])
	j.hdr.State = binary.LittleEndian.Uint32(buf[12:16])
	j.hdr.Count = binary.LittleEndian.Uint64(buf[16:24])
	j.hdr.DataStart = binary.LittleEndian.Uint64(buf[24:32])
	j.hdr.Checksum = binary.LittleEndian.Uint32(buf[32:36])

	if j.hdr.Magic != journalMagic {
		j.hdr = journalHeader{State: JournalClean}
		return j, nil
	}
	if checksum.CRC32C(j.headerChecksumInput()) != j.hdr.Checksum {
		j.hdr = journalHeader{State: JournalClean}
		return j, nil
	}

	for i := uint64(0); i < j.hdr.Count && int64(i) < maxEntries; i++ {
		ebuf := make([]byte, journalEntrySize)
		if err := dev.ReadAt(dataAt+int64(i)*journalEntrySize, ebuf); err != nil {
			return nil, err
		}
		j.entries = append(j.entries, decodeEntry(ebuf))
	}
	return j, nil
}

// State reports the journal's current state.
func (j *Journal) State() int { return int(j.hdr.State) }

// Entries returns the journal's recorded entries.
func (j *Journal) Entries() []Entry { return j.entries }

// Replay reverses every completed entry (dst -> src), starting from the
// latest and optionally bounded to entries with Seq <= upTo. Each
// per-chunk copy is bounded at 16 MiB and offsets are validated to lie
// inside the device.
func (j *Journal) Replay(upTo *uint64) error {
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if !e.Completed {
			continue
		}
		if upTo != nil && e.Seq > *upTo {
			continue
		}
		if err := copyChunked(j.Dev, e.DstOffset, e.SrcOffset, e.Length); err != nil {
			return errors.Wrapf(err, "relocate: journal replay of entry seq %d", e.Seq)
		}
	}
	return nil
}

const maxReplayChunk = 16 << 20

func copyChunked(dev *blockdev.Device, src, dst, length uint64) error {
	if int64(src+length) > dev.Size() || int64(dst+length) > dev.Size() {
		return errors.Errorf("relocate: copy range [%d,%d) -> [%d,%d) exceeds device size %d", src, src+length, dst, dst+length, dev.Size())
	}
	buf := make([]byte, maxReplayChunk)
	remaining := length
	for remaining > 0 {
		n := uint64(maxReplayChunk)
		if n > remaining {
			n = remaining
		}
		chunk := buf[:n]
		if err := dev.ReadAt(int64(src), chunk); err != nil {
			return err
		}
		if err := dev.WriteAt(int64(dst), chunk); err != nil {
			return err
		}
		src += n
		dst += n
		remaining -= n
	}
	return nil
}
