package ext4

import (
	"sync"

	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
)

// DecompressedCache holds the decoded bytes of compressed Btrfs extents,
// populated ahead of time by the conversion driver's errgroup-backed
// worker pool (one Decompressor instance per worker goroutine, each
// taking independent extents from a shared queue) so the single-threaded
// inode-encoding loop in Write never has to
// pay for decompression itself. A cache miss still decompresses inline,
// so a nil or partially-populated cache is always safe to pass in.
type DecompressedCache struct {
	mu   sync.Mutex
	data map[*btrfs.Extent][]byte
}

// NewDecompressedCache returns an empty cache ready for concurrent Put
// calls from a worker pool.
func NewDecompressedCache() *DecompressedCache {
	return &DecompressedCache{data: make(map[*btrfs.Extent][]byte)}
}

// Get returns the decoded bytes previously stored for e, if any.
func (c *DecompressedCache) Get(e *btrfs.Extent) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[e]
	return b, ok
}

// Put records the decoded bytes for e, overwriting any prior entry.
func (c *DecompressedCache) Put(e *btrfs.Extent, decoded []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[e] = decoded
}
