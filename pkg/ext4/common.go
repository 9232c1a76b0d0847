// Package ext4 writes a complete Ext4 image from an in-memory Btrfs model
// and a post-relocation chunk map: superblock(s), GDT, bitmaps, inode
// table, directory blocks, extent trees, and a JBD2 journal (§4.10).
package ext4

import (
	"bytes"
	"io"
)

// SectorSize is the fixed 512-byte unit i_blocks/i_blocks_hi are counted
// in, independent of the filesystem's block size.
const SectorSize = 512

func divide(a, b int64) int64 {
	return (a + b - 1) / b
}

func align(a, b int64) int64 {
	return divide(a, b) * b
}

// growToBlock pads buf up to the next BlockSize boundary (at least one
// full block).
func growToBlock(buf *bytes.Buffer, blockSize int64) {
	size := align(int64(buf.Len()), blockSize)
	if size < blockSize {
		size = blockSize
	}
	if n := size - int64(buf.Len()); n > 0 {
		buf.Write(make([]byte, n))
	}
}

func calculateBlocksFromSize(size, blockSize int64) int64 {
	return divide(size, blockSize)
}

// zeroReader is an infinite source of zero bytes, used to pad buffers and
// to size zero-fill writes without holding a large buffer resident (the
// teacher's io.CopyN(w, vio.Zeroes, n) idiom, reimplemented locally since
// this package no longer depends on vio).
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// Zeroes is an io.Reader of infinite zero bytes.
var Zeroes io.Reader = zeroReader{}
