package btrfs

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompressZlibRoundTrip(t *testing.T) {
	want := []byte("repeated repeated repeated data for compression")

	buf := new(bytes.Buffer)
	fw, err := flate.NewWriter(buf, flate.BestSpeed)
	require.NoError(t, err)
	_, err = fw.Write(want)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	d := NewDecompressor()
	got, err := d.Decompress(CompressZlib, buf.Bytes(), uint64(len(want)), uint64(len(want)), 4096)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecompressZstdRoundTrip(t *testing.T) {
	want := bytes.Repeat([]byte("zstd payload "), 50)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(want, nil)
	require.NoError(t, enc.Close())

	d := NewDecompressor()
	got, err := d.Decompress(CompressZstd, compressed, uint64(len(want)), uint64(len(want)), 4096)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecompressLZORoundTrip(t *testing.T) {
	payload := []byte("a small lzo segment")
	segment := buildLZO1xLiteralOnly(payload)

	stream := new(bytes.Buffer)
	var total [4]byte
	binary.LittleEndian.PutUint32(total[:], uint32(len(payload)))
	stream.Write(total[:])

	var segLen [4]byte
	binary.LittleEndian.PutUint32(segLen[:], uint32(len(segment)))
	stream.Write(segLen[:])
	stream.Write(segment)

	d := NewDecompressor()
	got, err := d.Decompress(CompressLZO, stream.Bytes(), uint64(len(payload)), uint64(len(payload)), 4096)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecompressBombRejected(t *testing.T) {
	d := NewDecompressor()
	_, err := d.Decompress(CompressZlib, []byte{1, 2, 3}, maxRAMBytes+1, maxRAMBytes+1, 4096)
	assert.Error(t, err)

	_, err = d.Decompress(CompressZlib, []byte{1, 2, 3}, 1, 1, 4096)
	assert.Error(t, err) // disk_num_bytes(3) > ram_bytes(1)
}

func TestDecompressUnsupportedAlgorithm(t *testing.T) {
	d := NewDecompressor()
	_, err := d.Decompress(0xFF, []byte{1}, 1, 1, 4096)
	assert.Error(t, err)
}
