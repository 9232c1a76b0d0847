// Package blockdev implements positioned read/write access to a file or
// block device, with a batched submission mode for scattered writes.
package blockdev

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Device is a positioned-I/O handle over a single file or block device.
// All operations are safe to call concurrently; device access is
// serialized through a single mutex, matching the "one mutex when multiple
// workers might read concurrently" model.
type Device struct {
	f        *os.File
	size     int64
	readOnly bool
	mu       sync.Mutex
}

// Open opens path for read/write positioned I/O. If readOnly, Write and
// Sync are rejected.
func Open(path string, readOnly bool) (*Device, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrap(err, "blockdev: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "blockdev: stat")
	}
	size := info.Size()
	if size == 0 {
		// Block devices report 0 from Stat(); fall back to seeking to
		// the end, which works for both regular files and device nodes.
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "blockdev: seek to end")
		}
		size = end
	}
	return &Device{f: f, size: size, readOnly: readOnly}, nil
}

// Size returns the device's byte length.
func (d *Device) Size() int64 {
	return d.size
}

// ReadOnly reports whether Write is rejected.
func (d *Device) ReadOnly() bool {
	return d.readOnly
}

func (d *Device) checkBounds(off int64, n int) error {
	if off < 0 || n < 0 || off+int64(n) > d.size {
		return errors.Errorf("blockdev: out of bounds access at offset %d length %d (device size %d)", off, n, d.size)
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at off, looping on partial reads and
// retrying EINTR; an unexpected EOF before buf is full is fatal.
func (d *Device) ReadAt(off int64, buf []byte) error {
	if err := d.checkBounds(off, len(buf)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return readFullAt(d.f, buf, off)
}

func readFullAt(f *os.File, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := f.ReadAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			if err == io.EOF && total == len(buf) {
				break
			}
			if isEINTR(err) {
				continue
			}
			return errors.Wrapf(err, "blockdev: read at offset %d", off+int64(total))
		}
	}
	return nil
}

// WriteAt writes buf at off, looping on partial writes and retrying EINTR.
func (d *Device) WriteAt(off int64, buf []byte) error {
	if d.readOnly {
		return errors.Errorf("blockdev: write rejected, device opened read-only")
	}
	if err := d.checkBounds(off, len(buf)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return writeFullAt(d.f, buf, off)
}

func writeFullAt(f *os.File, buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := f.WriteAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			if isEINTR(err) {
				continue
			}
			return errors.Wrapf(err, "blockdev: write at offset %d", off+int64(total))
		}
		if n == 0 {
			return errors.Errorf("blockdev: short write at offset %d", off+int64(total))
		}
	}
	return nil
}

// Sync flushes the device to stable storage.
func (d *Device) Sync() error {
	if d.readOnly {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return errors.Wrap(err, "blockdev: sync")
	}
	return nil
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return d.f.Close()
}

// Op is one queued operation in a Batch.
type Op struct {
	Offset int64
	Data   []byte
}

// Batch queues writes and submits them as one unit. The
// synchronous fallback implemented here produces byte-identical results to
// any async-completion backend, per the block device contract; it is not
// concurrency-safe — each goroutine that needs batching owns its own
// Batch.
type Batch struct {
	dev *Device
	ops []Op
}

// NewBatch returns a Batch bound to dev.
func (d *Device) NewBatch() *Batch {
	return &Batch{dev: d}
}

// QueueWrite appends a write to the batch. data is not copied; callers must
// not mutate it before Submit.
func (b *Batch) QueueWrite(off int64, data []byte) {
	b.ops = append(b.ops, Op{Offset: off, Data: data})
}

// Submit performs every queued write. On the first failure it returns
// immediately, leaving subsequent ops unsubmitted.
func (b *Batch) Submit() error {
	for _, op := range b.ops {
		if err := b.dev.WriteAt(op.Offset, op.Data); err != nil {
			return err
		}
	}
	b.ops = b.ops[:0]
	return nil
}

// Len reports the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}
