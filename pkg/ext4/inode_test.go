package ext4

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
)

func TestEncodeInodeSymlinkInline(t *testing.T) {
	fe := &btrfs.FileEntry{Mode: InodeTypeSymlink | 0777, SymlinkTarget: "short/target"}
	ctx := &InodeBuildContext{BlockSize: 4096}

	inode, extras, err := EncodeInode(fe, ctx)
	require.NoError(t, err)
	assert.Empty(t, extras)
	assert.Equal(t, uint32(len(fe.SymlinkTarget)), inode.SizeLo)
	assert.Equal(t, "short/target", string(inode.Block[:len(fe.SymlinkTarget)]))
	assert.Equal(t, uint32(0), inode.Flags, "inline symlinks carry no extents flag")
}

func TestEncodeInodeSymlinkOutOfLine(t *testing.T) {
	fe := &btrfs.FileEntry{Mode: InodeTypeSymlink | 0777, SymlinkTarget: string(make([]byte, InodeMaxInlineSymlink+1))}
	var nextBlock int64 = 50
	ctx := &InodeBuildContext{
		BlockSize:      4096,
		AllocDataBlock: func() (int64, error) { b := nextBlock; nextBlock++; return b, nil },
		WriteBlock:     func(block int64, data []byte) error { return nil },
	}

	inode, _, err := EncodeInode(fe, ctx)
	require.NoError(t, err)
	assert.Equal(t, Ext4ExtentsFL, inode.Flags)
	assert.NotZero(t, inode.BlocksLo)
}

func TestEncodeInodeCharDevice(t *testing.T) {
	fe := &btrfs.FileEntry{Mode: InodeTypeChar | 0600, Rdev: (5 << 8) | 1}
	ctx := &InodeBuildContext{BlockSize: 4096}

	inode, _, err := EncodeInode(fe, ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), inode.Flags)
	b0, b1 := encodeRdev(fe.Rdev)
	assert.Equal(t, byte(b0), inode.Block[0])
	assert.Equal(t, byte(b1), inode.Block[4])
}

func TestPackXattrsRoundTripsNameAndValue(t *testing.T) {
	inode := &Inode{}
	packXattrs(inode, []btrfs.Xattr{
		{Name: "user.comment", Value: []byte("hello")},
	})

	magic := binary.LittleEndian.Uint32(inode.IBody[0:4])
	assert.Equal(t, uint32(xattrIbodyMagic), magic)

	nameLen := int(inode.IBody[4])
	nameIndex := inode.IBody[5]
	assert.Equal(t, len("comment"), nameLen)
	assert.Equal(t, uint8(1), nameIndex) // "user." namespace
	name := string(inode.IBody[4+16 : 4+16+nameLen])
	assert.Equal(t, "comment", name)
}

func TestPackXattrsEmptyLeavesAreaZeroed(t *testing.T) {
	inode := &Inode{}
	packXattrs(inode, nil)
	for _, b := range inode.IBody {
		assert.Equal(t, byte(0), b)
	}
}

func TestXattrNamePrefixMapsWellKnownNamespaces(t *testing.T) {
	idx, rest := xattrNamePrefix("trusted.foo")
	assert.Equal(t, uint8(4), idx)
	assert.Equal(t, "foo", rest)

	idx, rest = xattrNamePrefix("security.selinux")
	assert.Equal(t, uint8(6), idx)
	assert.Equal(t, "selinux", rest)

	idx, rest = xattrNamePrefix("system.posix_acl_access")
	assert.Equal(t, uint8(2), idx)
	assert.Equal(t, "", rest)

	idx, rest = xattrNamePrefix("custom.whatever")
	assert.Equal(t, uint8(0), idx)
	assert.Equal(t, "custom.whatever", rest)
}
