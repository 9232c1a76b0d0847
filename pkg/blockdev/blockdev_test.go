package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDevice(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := tempDevice(t, 4096*4)
	dev, err := Open(path, false)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, int64(4096*4), dev.Size())

	payload := []byte("hello ext4 world")
	require.NoError(t, dev.WriteAt(4096, payload))

	buf := make([]byte, len(payload))
	require.NoError(t, dev.ReadAt(4096, buf))
	assert.Equal(t, payload, buf)
}

func TestOutOfBoundsRejected(t *testing.T) {
	path := tempDevice(t, 4096)
	dev, err := Open(path, false)
	require.NoError(t, err)
	defer dev.Close()

	err = dev.WriteAt(4000, make([]byte, 1000))
	assert.Error(t, err)

	err = dev.ReadAt(-1, make([]byte, 10))
	assert.Error(t, err)
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	path := tempDevice(t, 4096)
	dev, err := Open(path, true)
	require.NoError(t, err)
	defer dev.Close()

	err = dev.WriteAt(0, make([]byte, 10))
	assert.Error(t, err)

	assert.NoError(t, dev.Sync())
}

func TestBatchSubmitMatchesSequential(t *testing.T) {
	path := tempDevice(t, 4096*8)
	dev, err := Open(path, false)
	require.NoError(t, err)
	defer dev.Close()

	batch := dev.NewBatch()
	batch.QueueWrite(0, []byte("aaaa"))
	batch.QueueWrite(4096, []byte("bbbb"))
	batch.QueueWrite(8192, []byte("cccc"))
	require.Equal(t, 3, batch.Len())
	require.NoError(t, batch.Submit())
	require.Equal(t, 0, batch.Len())

	for off, want := range map[int64]string{0: "aaaa", 4096: "bbbb", 8192: "cccc"} {
		buf := make([]byte, 4)
		require.NoError(t, dev.ReadAt(off, buf))
		assert.Equal(t, want, string(buf))
	}
}
