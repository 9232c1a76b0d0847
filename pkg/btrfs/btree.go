package btrfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sisatech/btrfs2ext4/pkg/checksum"
)

// maxStackEntries bounds the walker's explicit DFS stack so a node graph
// with a cycle (malicious or corrupt) cannot exhaust memory.
const maxStackEntries = 8192

// NodeReader resolves a logical address to nodesize physical bytes. The
// ChunkMap and a blockdev.Device compose to satisfy this.
type NodeReader interface {
	ReadNode(logical uint64, nodesize uint32) ([]byte, error)
}

// ItemCallback receives each leaf item encountered during a walk. Returning
// a non-nil error stops the walk; ErrSkipItem marks the current item as a
// bounded failure that is skipped without aborting the rest of the walk.
type ItemCallback func(key DiskKey, data []byte) error

// ErrSkipItem is a sentinel an ItemCallback can return (wrapped) to signal
// that one malformed leaf item should be skipped rather than aborting the
// walk, matching the "Corrupt in a single leaf item" policy. The walker
// itself does not log skipped items.
var ErrSkipItem = errors.New("btrfs: skip malformed item")

type stackEntry struct {
	logical uint64
	level   uint8
}

// Walker drives an iterative DFS over a Btrfs B-tree, validating each
// node's checksum and header before dispatching its contents.
type Walker struct {
	Reader    NodeReader
	NodeSize  uint32
	CsumType  checksum.Type
	FSID      [FSIDSize]byte
}

// Walk starts a DFS from (rootLogical, rootLevel), invoking cb for every
// leaf item reached.
func (w *Walker) Walk(rootLogical uint64, rootLevel uint8, cb ItemCallback) error {
	if rootLevel > MaxLevel {
		return errors.Errorf("btrfs: root level %d exceeds BTRFS_MAX_LEVEL", rootLevel)
	}

	stack := []stackEntry{{logical: rootLogical, level: rootLevel}}

	for len(stack) > 0 {
		if len(stack) > maxStackEntries {
			return errors.Errorf("btrfs: walker stack exceeded %d entries", maxStackEntries)
		}

		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, err := w.Reader.ReadNode(top.logical, w.NodeSize)
		if err != nil {
			return errors.Wrapf(err, "btrfs: resolve/read node at logical 0x%x", top.logical)
		}
		if uint32(len(node)) != w.NodeSize {
			return errors.Errorf("btrfs: short node read at logical 0x%x: want %d got %d", top.logical, w.NodeSize, len(node))
		}

		if err := w.verifyChecksum(node); err != nil {
			return err
		}

		var hdr Header
		if err := binary.Read(bytes.NewReader(node[:HeaderSize]), binary.LittleEndian, &hdr); err != nil {
			return errors.Wrapf(err, "btrfs: decode header at logical 0x%x", top.logical)
		}
		if hdr.Bytenr != top.logical {
			return errors.Errorf("btrfs: node self-pointer mismatch: expected 0x%x got 0x%x", top.logical, hdr.Bytenr)
		}
		if hdr.Level != top.level {
			return errors.Errorf("btrfs: node level mismatch at 0x%x: expected %d got %d", top.logical, top.level, hdr.Level)
		}

		if hdr.Level > 0 {
			children, err := w.internalChildren(node, hdr)
			if err != nil {
				return err
			}
			// Push in reverse so the DFS visits children left-to-right.
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
			continue
		}

		if err := w.leafItems(node, hdr, cb); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) verifyChecksum(node []byte) error {
	var stored [CsumSize]byte
	copy(stored[:], node[:CsumSize])
	ok, err := checksum.Verify(w.CsumType, stored, node[CsumSize:])
	if err != nil {
		return errors.Wrap(err, "btrfs: checksum verification")
	}
	if !ok {
		return errors.Errorf("btrfs: node checksum mismatch")
	}
	return nil
}

func (w *Walker) internalChildren(node []byte, hdr Header) ([]stackEntry, error) {
	theoreticalMax := (w.NodeSize - HeaderSize) / (17 + 8 + 8)
	if hdr.NrItems > theoreticalMax {
		return nil, errors.Errorf("btrfs: nritems %d exceeds theoretical max %d for internal node", hdr.NrItems, theoreticalMax)
	}
	out := make([]stackEntry, 0, hdr.NrItems)
	off := HeaderSize
	for i := uint32(0); i < hdr.NrItems; i++ {
		const kpSize = 17 + 8 + 8
		if off+kpSize > len(node) {
			return nil, errors.Errorf("btrfs: key pointer %d out of bounds", i)
		}
		var kp KeyPtr
		if err := binary.Read(bytes.NewReader(node[off:off+kpSize]), binary.LittleEndian, &kp); err != nil {
			return nil, errors.Wrapf(err, "btrfs: decode key pointer %d", i)
		}
		out = append(out, stackEntry{logical: kp.BlockPtr, level: hdr.Level - 1})
		off += kpSize
	}
	return out, nil
}

func (w *Walker) leafItems(node []byte, hdr Header, cb ItemCallback) error {
	theoreticalMax := (w.NodeSize - HeaderSize) / (17 + 4 + 4)
	if hdr.NrItems > theoreticalMax {
		return errors.Errorf("btrfs: nritems %d exceeds theoretical max %d for leaf", hdr.NrItems, theoreticalMax)
	}

	off := HeaderSize
	for i := uint32(0); i < hdr.NrItems; i++ {
		const itemSize = 17 + 4 + 4
		if off+itemSize > len(node) {
			return errors.Errorf("btrfs: item %d out of bounds", i)
		}
		var it Item
		if err := binary.Read(bytes.NewReader(node[off:off+itemSize]), binary.LittleEndian, &it); err != nil {
			return errors.Wrapf(err, "btrfs: decode item %d", i)
		}
		off += itemSize

		dataStart := int(HeaderSize) + int(it.Offset)
		dataEnd := dataStart + int(it.Size)
		if dataStart < 0 || dataEnd < dataStart || dataEnd > len(node) {
			// Bounded damage: one malformed leaf item is skipped and
			// the walk continues.
			continue
		}

		if err := cb(it.Key, node[dataStart:dataEnd]); err != nil {
			if errors.Is(err, ErrSkipItem) {
				continue
			}
			return err
		}
	}
	return nil
}
