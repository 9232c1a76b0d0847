package convert

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sisatech/btrfs2ext4/pkg/blockdev"
	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
	"github.com/sisatech/btrfs2ext4/pkg/errs"
	"github.com/sisatech/btrfs2ext4/pkg/ext4"
)

// prewarmDecompression decodes every compressed Btrfs extent ahead of
// Pass 3's single-threaded inode-encoding loop (§4.20), spreading the work
// across d.workerCount() goroutines via errgroup. Each goroutine owns its
// own Decompressor instance, since a Decompressor's scratch buffer is not
// safe for concurrent use. Decoded bytes land in cache, keyed by the
// extent's own pointer identity; materializeCompressedExtent in pkg/ext4
// checks this cache before falling back to inline decompression, so a
// partially filled cache (or an error here) never blocks the conversion.
func (d *Driver) prewarmDecompression(dev *blockdev.Device, model *btrfs.Model, chunkMap *btrfs.ChunkMap, blockSize int64, cache *ext4.DecompressedCache) error {
	var targets []*btrfs.Extent
	for _, fe := range model.Inodes {
		for _, e := range fe.Extents {
			if e.Compression != btrfs.CompressNone && !e.IsHole() {
				targets = append(targets, e)
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	workers := d.workerCount()
	if workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan *btrfs.Extent)
	g, ctx := errgroup.WithContext(context.Background())

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			decompressor := btrfs.NewDecompressor()
			for e := range jobs {
				physByte := e.DiskBytenr
				if !e.Relocated {
					resolved, ok := chunkMap.Resolve(e.DiskBytenr)
					if !ok {
						return errs.New(errs.Corrupt, "convert", "prewarm: unresolved chunk address 0x%x", e.DiskBytenr)
					}
					physByte = resolved
				}

				compressed := make([]byte, e.DiskNumBytes)
				if err := dev.ReadAt(int64(physByte), compressed); err != nil {
					return errs.Wrap(errs.Io, "convert", err)
				}

				decoded, err := decompressor.Decompress(e.Compression, compressed, e.RamBytes, e.NumBytes, uint32(blockSize))
				if err != nil {
					return err
				}
				cache.Put(e, decoded)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for _, e := range targets {
			select {
			case jobs <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}
