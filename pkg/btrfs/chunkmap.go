package btrfs

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// ChunkMapping is one logical→physical address range, resolved either from
// the superblock's bootstrap sys_chunk_array or from walking the chunk
// tree.
type ChunkMapping struct {
	Logical  uint64
	Physical uint64
	Length   uint64
	Flags    uint64
}

// ChunkMap resolves Btrfs logical addresses to physical device offsets.
// The mapping set is kept sorted by Logical and resolved by binary search.
type ChunkMap struct {
	mappings []ChunkMapping
}

// NewChunkMap returns an empty map; call InitFromSuperblock before
// resolving anything.
func NewChunkMap() *ChunkMap {
	return &ChunkMap{}
}

// InitFromSuperblock parses sb's embedded sys_chunk_array, which must
// bootstrap at least the SYSTEM chunks needed to find the chunk tree root
// itself. Only single-stripe chunks are supported, per scope.
func (m *ChunkMap) InitFromSuperblock(sb *Superblock) error {
	if int(sb.SysChunkArraySize) > len(sb.SysChunkArray) {
		return errors.Errorf("btrfs: sys_chunk_array_size %d exceeds field capacity %d", sb.SysChunkArraySize, len(sb.SysChunkArray))
	}
	data := sb.SysChunkArray[:sb.SysChunkArraySize]

	for len(data) > 0 {
		if len(data) < 17 {
			return errors.Errorf("btrfs: truncated key in sys_chunk_array (%d bytes left)", len(data))
		}
		var key DiskKey
		r := bytes.NewReader(data)
		if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
			return errors.Wrap(err, "btrfs: decode sys_chunk_array key")
		}
		data = data[17:]

		if key.Type != KeyChunkItem {
			return errors.Errorf("btrfs: unexpected key type 0x%x in sys_chunk_array", key.Type)
		}

		mapping, consumed, err := decodeChunkItem(key, data)
		if err != nil {
			return err
		}
		m.mappings = append(m.mappings, mapping)
		data = data[consumed:]
	}

	m.sort()
	return nil
}

// decodeChunkItem parses one (chunk header + stripes) record from data,
// returning the resolved mapping and the number of bytes consumed.
func decodeChunkItem(key DiskKey, data []byte) (ChunkMapping, int, error) {
	if len(data) < ChunkHeaderSize {
		return ChunkMapping{}, 0, errors.Errorf("btrfs: truncated chunk item header")
	}
	var c Chunk
	if err := binary.Read(bytes.NewReader(data[:ChunkHeaderSize]), binary.LittleEndian, &c); err != nil {
		return ChunkMapping{}, 0, errors.Wrap(err, "btrfs: decode chunk header")
	}
	if c.NumStripes == 0 {
		return ChunkMapping{}, 0, errors.Errorf("btrfs: chunk with zero stripes")
	}
	total := ChunkHeaderSize + int(c.NumStripes)*StripeSize
	if len(data) < total {
		return ChunkMapping{}, 0, errors.Errorf("btrfs: truncated chunk stripes: want %d have %d", total, len(data))
	}
	var stripe0 Stripe
	off := ChunkHeaderSize
	if err := binary.Read(bytes.NewReader(data[off:off+StripeSize]), binary.LittleEndian, &stripe0); err != nil {
		return ChunkMapping{}, 0, errors.Wrap(err, "btrfs: decode stripe")
	}
	return ChunkMapping{
		Logical:  key.Offset,
		Physical: stripe0.Offset,
		Length:   c.Length,
		Flags:    c.Type,
	}, total, nil
}

func (m *ChunkMap) sort() {
	sort.Slice(m.mappings, func(i, j int) bool { return m.mappings[i].Logical < m.mappings[j].Logical })
}

// AddChunkItem appends a CHUNK_ITEM key/payload pair observed while walking
// the chunk tree.
func (m *ChunkMap) AddChunkItem(key DiskKey, payload []byte) error {
	mapping, _, err := decodeChunkItem(key, payload)
	if err != nil {
		return err
	}
	m.mappings = append(m.mappings, mapping)
	m.sort()
	return nil
}

// Resolve returns the physical offset for logical address l, or ok=false
// if l falls outside every known chunk.
func (m *ChunkMap) Resolve(l uint64) (physical uint64, ok bool) {
	i := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].Logical+m.mappings[i].Length > l
	})
	if i >= len(m.mappings) {
		return 0, false
	}
	c := m.mappings[i]
	if l < c.Logical || l >= c.Logical+c.Length {
		return 0, false
	}
	return c.Physical + (l - c.Logical), true
}

// Len reports how many chunk mappings are known.
func (m *ChunkMap) Len() int {
	return len(m.mappings)
}

// Mappings returns the sorted mapping set, for callers (e.g. diagnostics)
// that need to iterate it directly.
func (m *ChunkMap) Mappings() []ChunkMapping {
	return m.mappings
}
