package btrfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader() *Reader {
	r := &Reader{Log: nopLogger{}}
	r.model = NewModel()
	r.model.NodeSize = 4096
	return r
}

func encodeInodeItem(t *testing.T, ii InodeItem) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, ii))
	return buf.Bytes()
}

func TestHandleInodeItem(t *testing.T) {
	r := newTestReader()
	data := encodeInodeItem(t, InodeItem{Size: 1024, Mode: 0100644, UID: 1000, GID: 1000, Nlink: 1})

	require.NoError(t, r.handleInodeItem(DiskKey{ObjectID: 257}, data))

	fe := r.model.Inodes[257]
	require.NotNil(t, fe)
	assert.Equal(t, uint64(1024), fe.Size)
	assert.Equal(t, uint32(0100644), fe.Mode)
}

func TestHandleInodeItemShortSkipped(t *testing.T) {
	r := newTestReader()
	err := r.handleInodeItem(DiskKey{ObjectID: 1}, []byte{1, 2, 3})
	assert.Equal(t, ErrSkipItem, err)
}

func encodeDirEntry(t *testing.T, di DirItem, name string) []byte {
	t.Helper()
	di.NameLen = uint16(len(name))
	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, di))
	buf.WriteString(name)
	return buf.Bytes()
}

func TestHandleDirIndex(t *testing.T) {
	r := newTestReader()
	data := encodeDirEntry(t, DirItem{Location: DiskKey{ObjectID: 300}, Type: FTRegFile}, "hello.txt")

	require.NoError(t, r.handleDirIndex(DiskKey{ObjectID: 256}, data))

	parent := r.model.Inodes[256]
	require.Len(t, parent.Children, 1)
	assert.Equal(t, "hello.txt", parent.Children[0].Name)
	assert.Equal(t, uint64(300), parent.Children[0].Child)
}

func TestHandleXattrItem(t *testing.T) {
	r := newTestReader()
	di := DirItem{DataLen: 5}
	name := "user.test"
	di.NameLen = uint16(len(name))
	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, di))
	buf.WriteString(name)
	buf.WriteString("value")

	require.NoError(t, r.handleXattrItem(DiskKey{ObjectID: 300}, buf.Bytes()))

	fe := r.model.Inodes[300]
	require.Len(t, fe.Xattrs, 1)
	assert.Equal(t, "user.test", fe.Xattrs[0].Name)
	assert.Equal(t, []byte("value"), fe.Xattrs[0].Value)
}

func encodeFileExtentReg(t *testing.T, diskBytenr, diskNumBytes, numBytes uint64) []byte {
	t.Helper()
	fe := FileExtentItem{
		RamBytes:     numBytes,
		Type:         FileExtentReg,
		DiskBytenr:   diskBytenr,
		DiskNumBytes: diskNumBytes,
		NumBytes:     numBytes,
	}
	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, fe))
	return buf.Bytes()
}

func TestHandleExtentDataRegular(t *testing.T) {
	r := newTestReader()
	data := encodeFileExtentReg(t, 0x5000, 4096, 4096)

	require.NoError(t, r.handleExtentData(DiskKey{ObjectID: 300, Offset: 0}, data))

	fe := r.model.Inodes[300]
	require.Len(t, fe.Extents, 1)
	assert.Equal(t, uint64(0x5000), fe.Extents[0].DiskBytenr)
	assert.False(t, fe.Extents[0].IsHole())
}

func TestHandleExtentDataSharedExtentCounted(t *testing.T) {
	r := newTestReader()
	data := encodeFileExtentReg(t, 0x5000, 4096, 4096)

	require.NoError(t, r.handleExtentData(DiskKey{ObjectID: 300}, data))
	require.NoError(t, r.handleExtentData(DiskKey{ObjectID: 301}, data))

	assert.Equal(t, uint64(1), r.model.SharedExtentCount)
	assert.Equal(t, uint64(1), r.model.DedupBlocksNeeded)
}

func TestHandleExtentDataHole(t *testing.T) {
	r := newTestReader()
	data := encodeFileExtentReg(t, 0, 0, 4096)

	require.NoError(t, r.handleExtentData(DiskKey{ObjectID: 300}, data))
	assert.True(t, r.model.Inodes[300].Extents[0].IsHole())
}

func TestHandleExtentDataInline(t *testing.T) {
	r := newTestReader()
	hdr := FileExtentItem{RamBytes: 5, Type: FileExtentInline}
	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, hdr.Generation))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, hdr.RamBytes))
	buf.WriteByte(hdr.Compression)
	buf.WriteByte(hdr.Encryption)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, hdr.OtherEncoding))
	buf.WriteByte(FileExtentInline)
	buf.WriteString("howdy")

	require.NoError(t, r.handleExtentData(DiskKey{ObjectID: 400}, buf.Bytes()))

	ext := r.model.Inodes[400].Extents[0]
	assert.Equal(t, ExtentInline, ext.Type)
	assert.Equal(t, []byte("howdy"), ext.InlineData)
}

func TestReconstructUsedBlocksFromFiles(t *testing.T) {
	r := newTestReader()
	fe := r.model.inode(500)
	fe.Extents = append(fe.Extents,
		&Extent{Type: ExtentReg, DiskBytenr: 0x1000, DiskNumBytes: 4096},
		&Extent{Type: ExtentInline},
		&Extent{Type: ExtentReg, DiskBytenr: 0},
	)

	r.reconstructUsedBlocksFromFiles()

	require.Len(t, r.model.UsedBlocks.Ranges, 1)
	assert.Equal(t, uint64(0x1000), r.model.UsedBlocks.Ranges[0].Start)
}

func TestPostPassSymlinkAndRootCheck(t *testing.T) {
	r := newTestReader()
	r.model.RootDirObjectID = 256
	root := r.model.inode(256)
	root.Mode = 040755

	link := r.model.inode(300)
	link.Mode = 0120777
	link.Extents = append(link.Extents, &Extent{Type: ExtentInline, InlineData: []byte("/target/path")})

	require.NoError(t, r.postPass())
	assert.Equal(t, "/target/path", link.SymlinkTarget)
}

func TestPostPassMissingRootDir(t *testing.T) {
	r := newTestReader()
	r.model.RootDirObjectID = 256
	err := r.postPass()
	assert.Error(t, err)
}
