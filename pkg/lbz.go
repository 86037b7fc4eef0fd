// Package lbz exposes a zoned device as a random-access block device. Writes
// are appended to zones and remapped; space is recovered by a background
// garbage collector.
package lbz

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/device"
	"github.com/ictstorage/lbz/internal/mapping"
	"github.com/ictstorage/lbz/internal/zoned"
)

var (
	ErrUnaligned  = errors.New("lbz: offset or length is not a multiple of the block size")
	ErrOutOfRange = mapping.ErrOutOfRange
	ErrClosed     = base.ErrDeviceClosed
	ErrFaulty     = base.ErrDeviceFaulty
)

// Geometry is the zone layout of a device.
type Geometry = zoned.Geometry

// Stats is a point-in-time view of an attached device.
type Stats = device.Stats

var _ ReadWriterCloser = (*Device)(nil)

type Device struct {
	dev *device.Device
}

// Format creates a file-backed zoned device in dir and returns its id.
func Format(dir string, geo Geometry) (uuid.UUID, error) {
	return zoned.Format(dir, geo)
}

// Open attaches to the file-backed zoned device formatted in dir.
func Open(dir string, options ...Option) (*Device, error) {
	f, err := zoned.OpenFile(dir)
	if err != nil {
		return nil, err
	}
	d, err := device.Open(context.Background(), f, resolve(options))
	if err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	return &Device{dev: d}, nil
}

// OpenMemory attaches to a new in-memory zoned device. Its content is lost
// on Close.
func OpenMemory(geo Geometry, options ...Option) (*Device, error) {
	m, err := zoned.NewMemory(geo)
	if err != nil {
		return nil, err
	}
	d, err := device.Open(context.Background(), m, resolve(options))
	if err != nil {
		return nil, multierr.Append(err, m.Close())
	}
	return &Device{dev: d}, nil
}

// Size is the exposed capacity in bytes.
func (d *Device) Size() int64 {
	return int64(d.dev.Capacity()) << base.BlockShift
}

// span converts a byte range into its first block and block count.
func (d *Device) span(off int64, length int64) (base.BlockID, int64, error) {
	if off < 0 || length < 0 || off%BlockSize != 0 || length%BlockSize != 0 {
		return 0, 0, errors.Wrapf(ErrUnaligned, "offset %d length %d", off, length)
	}
	first, count := off>>base.BlockShift, length>>base.BlockShift
	if uint64(first)+uint64(count) > d.dev.Capacity() {
		return 0, 0, errors.Wrapf(ErrOutOfRange, "blocks [%d, %d) beyond %d", first, first+count, d.dev.Capacity())
	}
	return base.BlockID(first), count, nil
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.ReadAtContext(context.Background(), p, off)
}

func (d *Device) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	first, count, err := d.span(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	for i := int64(0); i < count; i++ {
		if err := d.dev.Read(ctx, first+base.BlockID(i), p[n:n+BlockSize]); err != nil {
			return n, err
		}
		n += BlockSize
	}
	return n, nil
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return d.WriteAtContext(context.Background(), p, off)
}

func (d *Device) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	return d.write(ctx, p, off, d.dev.Write)
}

// FlushAt writes p at off as flushing writes. A flushing write to the
// checkpoint range commits a transaction.
func (d *Device) FlushAt(ctx context.Context, p []byte, off int64) (int, error) {
	return d.write(ctx, p, off, d.dev.WriteFlush)
}

func (d *Device) write(ctx context.Context, p []byte, off int64,
	fn func(context.Context, base.BlockID, []byte) error) (n int, err error) {
	first, count, err := d.span(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	for i := int64(0); i < count; i++ {
		if err := fn(ctx, first+base.BlockID(i), p[n:n+BlockSize]); err != nil {
			return n, err
		}
		n += BlockSize
	}
	return n, nil
}

func (d *Device) Discard(off, length int64) error {
	return d.DiscardContext(context.Background(), off, length)
}

func (d *Device) DiscardContext(ctx context.Context, off, length int64) error {
	first, count, err := d.span(off, length)
	if err != nil {
		return err
	}
	for i := int64(0); i < count; i++ {
		if err := d.dev.Discard(ctx, first+base.BlockID(i)); err != nil {
			return err
		}
	}
	return nil
}

// Reclaim runs one garbage collection pass and returns the number of zones
// it reclaimed.
func (d *Device) Reclaim(ctx context.Context) (int, error) {
	return d.dev.Reclaim(ctx)
}

func (d *Device) Stats() Stats {
	return d.dev.Stats()
}

// Close waits for in-flight I/O and detaches from the zoned device.
func (d *Device) Close() error {
	return d.dev.Close()
}
