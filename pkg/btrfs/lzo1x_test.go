package btrfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLZO1xLiteralOnly builds a minimal LZO1X stream consisting of one
// literal run (via the ">17" first-byte form) followed by the t>=16 EOF
// marker (zero distance), the shortest legal stream shape.
func buildLZO1xLiteralOnly(data []byte) []byte {
	if len(data) > 238 {
		panic("test helper only supports short literal runs")
	}
	out := make([]byte, 0, len(data)+4)
	out = append(out, byte(len(data)+17))
	out = append(out, data...)
	out = append(out, 0x11, 0x00, 0x00) // t=17 -> match branch t>=16, d=0 -> EOF
	return out
}

func TestLZO1xLiteralOnlyRoundTrip(t *testing.T) {
	want := []byte("the quick brown fox jumps over")
	stream := buildLZO1xLiteralOnly(want)

	got, err := lzo1xDecompress(stream, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLZO1xTruncatedInput(t *testing.T) {
	stream := buildLZO1xLiteralOnly([]byte("short"))
	_, err := lzo1xDecompress(stream[:len(stream)-2], len("short"))
	assert.Error(t, err)
}

func TestLZO1xEOFLengthMismatch(t *testing.T) {
	want := []byte("abc")
	stream := buildLZO1xLiteralOnly(want)
	_, err := lzo1xDecompress(stream, len(want)+1)
	assert.Error(t, err)
}
