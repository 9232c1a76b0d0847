package btrfs

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"io/ioutil"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Anti-bomb bounds applied before any decompression is attempted.
const (
	maxDiskNumBytes = 512 * 1024 * 1024
	maxRAMBytes     = 4 * 1024 * 1024 * 1024
	maxRAMToNum     = 2 // ram_bytes must not exceed 2 * num_bytes
)

// Decompressor decompresses compressed Btrfs extents. It keeps a
// per-instance scratch buffer, grown to the block-rounded ram_bytes of the
// largest extent seen; the decoders do not write into it, and every
// returned slice is a fresh allocation. A Decompressor is not safe for
// concurrent use; the worker pool in pkg/convert gives each goroutine its
// own instance.
type Decompressor struct {
	scratch []byte
}

// NewDecompressor returns a Decompressor with an empty scratch buffer.
func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

// Decompress decompresses compressed (disk_num_bytes bytes) into a buffer
// sized up to ramBytes rounded up to blockSize, per algorithm compression.
func (d *Decompressor) Decompress(compression uint8, compressed []byte, ramBytes uint64, numBytes uint64, blockSize uint32) ([]byte, error) {
	diskNumBytes := uint64(len(compressed))

	if diskNumBytes > maxDiskNumBytes {
		return nil, errors.Errorf("btrfs: decompress bomb: disk_num_bytes %d exceeds %d", diskNumBytes, maxDiskNumBytes)
	}
	if ramBytes > maxRAMBytes {
		return nil, errors.Errorf("btrfs: decompress bomb: ram_bytes %d exceeds %d", ramBytes, maxRAMBytes)
	}
	if diskNumBytes > ramBytes {
		return nil, errors.Errorf("btrfs: decompress bomb: disk_num_bytes %d exceeds ram_bytes %d", diskNumBytes, ramBytes)
	}
	if numBytes > 0 && ramBytes > maxRAMToNum*numBytes {
		return nil, errors.Errorf("btrfs: decompress bomb: ram_bytes %d exceeds %d*num_bytes(%d)", ramBytes, maxRAMToNum, numBytes)
	}

	outCap := roundUp(ramBytes, uint64(blockSize))
	if uint64(cap(d.scratch)) < outCap {
		d.scratch = make([]byte, outCap)
	}

	switch compression {
	case CompressZlib:
		return d.decompressZlib(compressed, ramBytes)
	case CompressLZO:
		return d.decompressLZO(compressed, ramBytes)
	case CompressZstd:
		return d.decompressZstd(compressed, ramBytes)
	default:
		return nil, errors.Errorf("btrfs: unsupported compression algorithm %d", compression)
	}
}

func roundUp(v, mult uint64) uint64 {
	if mult == 0 {
		return v
	}
	return (v + mult - 1) / mult * mult
}

func (d *Decompressor) decompressZlib(compressed []byte, ramBytes uint64) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	limited := io.LimitReader(fr, int64(ramBytes)+1)
	out, err := ioutil.ReadAll(limited)
	if err != nil {
		return nil, errors.Wrap(err, "btrfs: zlib decompress")
	}
	if uint64(len(out)) > ramBytes {
		return nil, errors.Errorf("btrfs: zlib output exceeds ram_bytes bound")
	}
	return out, nil
}

func (d *Decompressor) decompressZstd(compressed []byte, ramBytes uint64) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(err, "btrfs: zstd reader")
	}
	defer dec.Close()
	limited := io.LimitReader(dec, int64(ramBytes)+1)
	out, err := ioutil.ReadAll(limited)
	if err != nil {
		return nil, errors.Wrap(err, "btrfs: zstd decompress")
	}
	if uint64(len(out)) > ramBytes {
		return nil, errors.Errorf("btrfs: zstd output exceeds ram_bytes bound")
	}
	return out, nil
}

// decompressLZO decompresses Btrfs's LZO framing: a 4-byte little-endian
// total output length, followed by repeated (4-byte LE segment length,
// LZO1X-compressed segment) pairs, one segment per 4 KiB of output.
func (d *Decompressor) decompressLZO(compressed []byte, ramBytes uint64) ([]byte, error) {
	if len(compressed) < 4 {
		return nil, errors.Errorf("btrfs: lzo stream too short for length header")
	}
	totalLen := binary.LittleEndian.Uint32(compressed[0:4])
	if uint64(totalLen) > ramBytes {
		return nil, errors.Errorf("btrfs: lzo declared total length %d exceeds ram_bytes %d", totalLen, ramBytes)
	}

	const segmentSize = 4096
	out := make([]byte, 0, totalLen)
	pos := 4
	for uint64(len(out)) < uint64(totalLen) {
		if pos+4 > len(compressed) {
			return nil, errors.Errorf("btrfs: lzo stream truncated reading segment length")
		}
		segLen := binary.LittleEndian.Uint32(compressed[pos : pos+4])
		pos += 4
		if segLen == 0 {
			break
		}
		if pos+int(segLen) > len(compressed) {
			return nil, errors.Errorf("btrfs: lzo stream truncated reading segment body")
		}
		segment := compressed[pos : pos+int(segLen)]
		pos += int(segLen)

		remaining := uint64(totalLen) - uint64(len(out))
		want := segmentSize
		if remaining < segmentSize {
			want = int(remaining)
		}

		decoded, err := lzo1xDecompress(segment, want)
		if err != nil {
			return nil, errors.Wrap(err, "btrfs: lzo1x segment decompress")
		}
		out = append(out, decoded...)
	}
	return out, nil
}
