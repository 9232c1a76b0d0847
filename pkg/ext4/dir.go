package ext4

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
	"github.com/sisatech/btrfs2ext4/pkg/inodemap"
)

const (
	DirentHashVersion = 0x2
)

// FTYPE constants identify a directory entry's file type without an
// inode lookup (requires FEATURE_INCOMPAT_FILETYPE, always set here).
const (
	FTypeRegularFile = 0x1
	FTypeDir         = 0x2
	FTypeSymlink     = 0x7
)

func sliceStringForHashing(s string) (string, *[4]uint32) {
	var pad, val uint32
	in := &[4]uint32{}

	l := len(s)
	pad = uint32(l) | (uint32(l) << 8)
	pad |= pad << 16
	val = pad

	l = 16
	if len(s) < l {
		l = len(s)
	}

	var i, c int
	for i = 0; i < l; i++ {
		val = uint32(s[i]) + (val << 8)
		if (i % 4) == 3 {
			in[c] = val
			c++
			val = pad
		}
	}
	if c < 4 {
		in[c] = val
		c++
	}
	for c < 4 {
		in[c] = pad
		c++
	}
	return s[l:], in
}

func teaTransform(buf, p *[4]uint32) {
	var sum, b0, b1, a, b, c, d uint32
	b0 = buf[0]
	b1 = buf[1]
	a = p[0]
	b = p[1]
	c = p[2]
	d = p[3]

	for i := 0; i < 16; i++ {
		sum += 0x9E3779B9
		b0 += ((b1 << 4) + a) ^ (b1 + sum) ^ ((b1 >> 5) + b)
		b1 += ((b0 << 4) + c) ^ (b0 + sum) ^ ((b0 >> 5) + d)
	}

	buf[0] += b0
	buf[1] += b1
}

// teaHash hashes a directory entry name with ext4's TEA hash (hash version
// 2, DirentHashVersion), the basis for HTree (dx_root) lookups.
func teaHash(s string) uint32 {
	var buf [4]uint32
	var p *[4]uint32

	buf[0] = 0x67452301
	buf[1] = 0xefcdab89
	buf[2] = 0x98badcfe
	buf[3] = 0x10325476

	for len(s) > 0 {
		s, p = sliceStringForHashing(s)
		teaTransform(&buf, p)
	}

	hash := buf[0] &^ 0x1
	if cap := uint32(0xFFFFFFFC); hash > cap {
		hash = cap
	}
	return hash
}

func dentryHash(s string) uint32 {
	return teaHash(s)
}

func dentryMinLength(s string) int64 {
	return 8 + align(int64(len(s)+1), 4)
}

type dentry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

func writeDentry(w io.Writer, name string, d *dentry) error {
	if err := binary.Write(w, binary.LittleEndian, d); err != nil {
		return err
	}
	if _, err := io.Copy(w, strings.NewReader(name)); err != nil {
		return err
	}
	l := int64(d.RecLen) - 8 - int64(len(name))
	_, err := io.CopyN(w, Zeroes, l)
	return err
}

type dirTuple struct {
	name  string
	inode uint32
	ftype uint8
}

func ftypeForMode(mode uint32) uint8 {
	switch mode & 0170000 {
	case 0040000:
		return FTypeDir
	case 0120000:
		return FTypeSymlink
	default:
		return FTypeRegularFile
	}
}

// dirTuples resolves fe's "." / ".." and every child into dirTuples,
// skipping children whose Ext4 inode was never assigned (orphaned, or
// dropped for being out-of-scope — §4.2).
func dirTuples(fe *btrfs.FileEntry, model *btrfs.Model, inodes *inodemap.Map) []*dirTuple {
	selfIno, _ := inodes.Get(fe.Ino)
	parentIno, ok := inodes.Get(fe.Parent)
	if !ok {
		parentIno = selfIno
	}

	tuples := []*dirTuple{
		{name: ".", inode: selfIno, ftype: FTypeDir},
		{name: "..", inode: parentIno, ftype: FTypeDir},
	}

	for _, edge := range fe.Children {
		childIno, ok := inodes.Get(edge.Child)
		if !ok {
			continue
		}
		child := model.Inodes[edge.Child]
		var ftype uint8 = FTypeRegularFile
		if child != nil {
			ftype = ftypeForMode(child.Mode)
		}
		tuples = append(tuples, &dirTuple{name: edge.Name, inode: childIno, ftype: ftype})
	}
	return tuples
}

func addLinearDirectoryBlock(w io.Writer, tuples []*dirTuple, blockSize int64) error {
	buf := new(bytes.Buffer)
	leftover := blockSize

	for i, child := range tuples {
		l := dentryMinLength(child.name)
		leftover -= l
		if leftover < 8 || i == len(tuples)-1 {
			l += leftover
			leftover = blockSize
		}
		if err := writeDentry(buf, child.name, &dentry{
			Inode:    child.inode,
			RecLen:   uint16(l),
			NameLen:  uint8(len(child.name)),
			FileType: child.ftype,
		}); err != nil {
			return err
		}
	}

	growToBlock(buf, blockSize)
	_, err := io.Copy(w, bytes.NewReader(buf.Bytes()))
	return err
}

func generateLinearDirectoryData(tuples []*dirTuple, blockSize int64) []byte {
	buf := new(bytes.Buffer)
	begin := 0
	size := int64(0)
	for i, t := range tuples {
		l := dentryMinLength(t.name)
		size += l
		if size > blockSize {
			if err := addLinearDirectoryBlock(buf, tuples[begin:i], blockSize); err != nil {
				panic(err)
			}
			begin = i
			size = l
		}
	}
	if err := addLinearDirectoryBlock(buf, tuples[begin:], blockSize); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type hashDirEntry struct {
	hash   uint32
	length uint32
	tuple  *dirTuple
}

type hashDirEntries []hashDirEntry

func (x hashDirEntries) Len() int           { return len(x) }
func (x hashDirEntries) Less(i, j int) bool { return x[i].hash < x[j].hash }
func (x hashDirEntries) Swap(i, j int)      { x[i], x[j] = x[j], x[i] }

func groupIntoBlocks(entries hashDirEntries, blockSize int64) []hashDirEntries {
	sort.Sort(entries)
	var blocks []hashDirEntries
	first := 0
	l := int64(0)
	for i := range entries {
		if l+int64(entries[i].length) > blockSize {
			blocks = append(blocks, entries[first:i])
			first = i
			l = int64(entries[i].length)
			continue
		}
		l += int64(entries[i].length)
	}
	blocks = append(blocks, entries[first:])
	return blocks
}

// calculateDirectoryBlocks estimates the number of blocks a directory's
// entries occupy, switching from a single linear block to an HTree
// (dx_root + leaf blocks) once the linear form would exceed one block
// (§4.10).
func calculateDirectoryBlocks(fe *btrfs.FileEntry, blockSize int64) int64 {
	length := int64(24) // "." + ".."
	leftover := blockSize - length
	for _, edge := range fe.Children {
		l := dentryMinLength(edge.Name)
		if leftover >= l && (leftover-l == 0 || leftover-l > 8) {
			length += l
			leftover -= l
		} else {
			length += leftover + l
			leftover = blockSize - l
		}
	}
	length = align(length, blockSize)
	blocks := divide(length, blockSize)
	if blocks < 2 {
		return blocks
	}

	entries := make(hashDirEntries, len(fe.Children))
	for i, edge := range fe.Children {
		entries[i] = hashDirEntry{length: uint32(dentryMinLength(edge.Name)), hash: dentryHash(edge.Name)}
	}
	dataBlocks := int64(len(groupIntoBlocks(entries, blockSize)))
	return dataBlocks + 1 // + dx_root block
}

// HashDirectoryEntry is one entry in a dx_root's hash table.
type HashDirectoryEntry struct {
	Hash  uint32
	Block uint32
}

// HashDirectoryRoot is the full layout of block 0 of an HTree-indexed
// directory.
type HashDirectoryRoot struct {
	DotInode       uint32
	DotRecLen      uint16
	DotNameLen     uint8
	DotFType       uint8
	DotName        [4]byte
	DotDotInode    uint32
	DotDotRecLen   uint16
	DotDotNameLen  uint8
	DotDotFType    uint8
	DotDotName     [4]byte
	_              uint32
	HashVersion    uint8
	InfoLength     uint8
	IndirectLevels uint8
	_              uint8
	Limit          uint16
	Count          uint16
	Block          uint32
	Entries        [507]HashDirectoryEntry
}

func addBlockToBuffer(w io.Writer, block hashDirEntries, blockSize int64) error {
	tuples := make([]*dirTuple, len(block))
	for i, e := range block {
		tuples[i] = e.tuple
	}
	return addLinearDirectoryBlock(w, tuples, blockSize)
}

func generateHashDirectoryData(fe *btrfs.FileEntry, tuples []*dirTuple, blockSize int64) []byte {
	// tuples[0], tuples[1] are "." and ".."; only real children are hashed.
	children := tuples[2:]
	entries := make(hashDirEntries, len(children))
	for i, t := range children {
		entries[i] = hashDirEntry{length: uint32(dentryMinLength(t.name)), hash: dentryHash(t.name), tuple: t}
	}
	blocks := groupIntoBlocks(entries, blockSize)

	buf := new(bytes.Buffer)
	root := &HashDirectoryRoot{
		DotInode:      tuples[0].inode,
		DotRecLen:     12,
		DotNameLen:    1,
		DotFType:      FTypeDir,
		DotName:       [4]byte{'.', 0, 0, 0},
		DotDotInode:   tuples[1].inode,
		DotDotRecLen:  uint16(blockSize) - 12,
		DotDotNameLen: 2,
		DotDotFType:   FTypeDir,
		DotDotName:    [4]byte{'.', '.', 0, 0},
		HashVersion:   DirentHashVersion,
		InfoLength:    8,
		Limit:         507 + 1,
		Count:         uint16(len(blocks)),
		Block:         1,
	}
	for i := 1; i < len(blocks); i++ {
		root.Entries[i-1].Block = uint32(i + 1)
		root.Entries[i-1].Hash = blocks[i][0].hash
	}

	if err := binary.Write(buf, binary.LittleEndian, root); err != nil {
		panic(err)
	}
	for _, block := range blocks {
		if err := addBlockToBuffer(buf, block, blockSize); err != nil {
			panic(err)
		}
	}
	return buf.Bytes()
}

// GenerateDirectoryData renders fe's directory body: a single linear
// block for small directories, or an HTree (dx_root + leaves) once the
// linear form would exceed one block.
func GenerateDirectoryData(fe *btrfs.FileEntry, model *btrfs.Model, inodes *inodemap.Map, blockSize int64) []byte {
	tuples := dirTuples(fe, model, inodes)
	blocks := calculateDirectoryBlocks(fe, blockSize)
	if blocks < 2 {
		return generateLinearDirectoryData(tuples, blockSize)
	}
	return generateHashDirectoryData(fe, tuples, blockSize)
}
