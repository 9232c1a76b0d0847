package btrfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisatech/btrfs2ext4/pkg/checksum"
)

type fakeNodeReader struct {
	nodes map[uint64][]byte
}

func (f *fakeNodeReader) ReadNode(logical uint64, nodesize uint32) ([]byte, error) {
	n, ok := f.nodes[logical]
	if !ok {
		return nil, assert.AnError
	}
	out := make([]byte, nodesize)
	copy(out, n)
	return out, nil
}

func buildLeaf(t *testing.T, nodesize uint32, bytenr uint64, items map[DiskKey][]byte) []byte {
	t.Helper()
	node := make([]byte, nodesize)

	keys := make([]DiskKey, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	// stable-ish ordering for determinism
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j].Less(keys[i]) {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}

	hdr := Header{Bytenr: bytenr, NrItems: uint32(len(keys)), Level: 0}
	hdrBuf := new(bytes.Buffer)
	require.NoError(t, binary.Write(hdrBuf, binary.LittleEndian, hdr))
	copy(node[:HeaderSize], hdrBuf.Bytes())

	itemOff := int(HeaderSize)
	dataOff := int(nodesize)
	itemArea := new(bytes.Buffer)
	for _, k := range keys {
		payload := items[k]
		dataOff -= len(payload)
		copy(node[dataOff:dataOff+len(payload)], payload)
		it := Item{Key: k, Offset: uint32(dataOff) - HeaderSize, Size: uint32(len(payload))}
		require.NoError(t, binary.Write(itemArea, binary.LittleEndian, it))
	}
	copy(node[itemOff:], itemArea.Bytes())

	sum := checksum.CRC32C(node[CsumSize:])
	binary.LittleEndian.PutUint32(node[0:4], sum)

	return node
}

func TestWalkerLeafDispatch(t *testing.T) {
	const nodesize = 4096
	const root = 0x1000

	key1 := DiskKey{ObjectID: 10, Type: KeyInodeItem, Offset: 0}
	key2 := DiskKey{ObjectID: 11, Type: KeyInodeItem, Offset: 0}
	leaf := buildLeaf(t, nodesize, root, map[DiskKey][]byte{
		key1: []byte("hello"),
		key2: []byte("world!"),
	})

	reader := &fakeNodeReader{nodes: map[uint64][]byte{root: leaf}}
	w := &Walker{Reader: reader, NodeSize: nodesize, CsumType: checksum.TypeCRC32C}

	seen := map[uint64]string{}
	err := w.Walk(root, 0, func(key DiskKey, data []byte) error {
		seen[key.ObjectID] = string(data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", seen[10])
	assert.Equal(t, "world!", seen[11])
}

func TestWalkerChecksumMismatch(t *testing.T) {
	const nodesize = 4096
	const root = 0x1000

	leaf := buildLeaf(t, nodesize, root, map[DiskKey][]byte{{ObjectID: 1}: []byte("x")})
	leaf[CsumSize] ^= 0xFF // corrupt payload after the checksum was computed

	reader := &fakeNodeReader{nodes: map[uint64][]byte{root: leaf}}
	w := &Walker{Reader: reader, NodeSize: nodesize, CsumType: checksum.TypeCRC32C}

	err := w.Walk(root, 0, func(DiskKey, []byte) error { return nil })
	assert.Error(t, err)
}

func TestWalkerSkipItemContinues(t *testing.T) {
	const nodesize = 4096
	const root = 0x1000

	key1 := DiskKey{ObjectID: 1}
	key2 := DiskKey{ObjectID: 2}
	leaf := buildLeaf(t, nodesize, root, map[DiskKey][]byte{key1: []byte("a"), key2: []byte("b")})

	reader := &fakeNodeReader{nodes: map[uint64][]byte{root: leaf}}
	w := &Walker{Reader: reader, NodeSize: nodesize, CsumType: checksum.TypeCRC32C}

	var visited int
	err := w.Walk(root, 0, func(key DiskKey, data []byte) error {
		visited++
		if key.ObjectID == 1 {
			return ErrSkipItem
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, visited)
}

func TestWalkerRootLevelTooHigh(t *testing.T) {
	w := &Walker{NodeSize: 4096, CsumType: checksum.TypeCRC32C}
	err := w.Walk(0, MaxLevel+1, func(DiskKey, []byte) error { return nil })
	assert.Error(t, err)
}
