package zoned

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/mmap"
	"github.com/ictstorage/lbz/internal/wal"
)

// Op names a device operation for fault injection and hooks.
type Op uint8

const (
	OpAppend Op = iota
	OpRead
	OpClose
	OpReset
	numOps
)

// ErrInjected is returned by operations failed through FailNext.
var ErrInjected = errors.New("zoned: injected fault")

// Memory implements Device on anonymous memory. Besides serving as the
// device for tests it can inject failures and run hooks before an operation
// executes, which lets tests hold an I/O in flight.
type Memory struct {
	*table

	data *mmap.Region
	meta []byte

	faults [numOps]atomic.Int32
	hookMu sync.RWMutex
	hooks  [numOps]func(base.PhysID)
}

var _ Device = (*Memory)(nil)

// NewMemory returns an empty device with the given geometry.
func NewMemory(geo Geometry) (*Memory, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	return &Memory{
		table: newTable(geo),
		data:  mmap.Alloc(int(geo.Bytes())),
		meta:  make([]byte, geo.Blocks()*wal.RecordSize),
	}, nil
}

// FailNext makes the next n operations of kind op fail with ErrInjected.
func (d *Memory) FailNext(op Op, n int) {
	d.faults[op].Store(int32(n))
}

// SetHook installs fn to run before every operation of kind op. Close and
// reset hooks receive the first physical block of the zone. A nil fn removes
// the hook.
func (d *Memory) SetHook(op Op, fn func(base.PhysID)) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.hooks[op] = fn
}

// SetOffline takes zone offline, as a device does after a media failure.
func (d *Memory) SetOffline(zone uint32) {
	d.setCond(zone, CondOffline)
}

func (d *Memory) enter(op Op, pbid base.PhysID) error {
	d.hookMu.RLock()
	hook := d.hooks[op]
	d.hookMu.RUnlock()
	if hook != nil {
		hook(pbid)
	}
	for {
		n := d.faults[op].Load()
		if n <= 0 {
			return nil
		}
		if d.faults[op].CompareAndSwap(n, n-1) {
			return ErrInjected
		}
	}
}

func (d *Memory) Geometry() Geometry {
	return d.geo
}

func (d *Memory) ReportZones(context.Context) ([]ZoneInfo, error) {
	return d.report()
}

func (d *Memory) Append(_ context.Context, pbid base.PhysID, data, meta []byte) error {
	if err := d.enter(OpAppend, pbid); err != nil {
		return errors.Wrapf(err, "append %v", pbid)
	}
	if err := d.markAppend(pbid, data, meta); err != nil {
		return err
	}
	off := int(pbid) << base.BlockShift
	copy(d.data.Bytes()[off:off+base.BlockSize], data)
	moff := int(pbid) * wal.RecordSize
	copy(d.meta[moff:moff+wal.RecordSize], meta)
	return nil
}

func (d *Memory) ReadBlock(_ context.Context, pbid base.PhysID, data []byte) error {
	if err := d.enter(OpRead, pbid); err != nil {
		return errors.Wrapf(err, "read %v", pbid)
	}
	if err := d.checkRead(pbid, data, base.BlockSize); err != nil {
		return err
	}
	off := int(pbid) << base.BlockShift
	copy(data, d.data.Bytes()[off:off+base.BlockSize])
	return nil
}

func (d *Memory) ReadMeta(_ context.Context, pbid base.PhysID, meta []byte) error {
	if err := d.checkRead(pbid, meta, wal.RecordSize); err != nil {
		return err
	}
	off := int(pbid) * wal.RecordSize
	copy(meta, d.meta[off:off+wal.RecordSize])
	return nil
}

func (d *Memory) CloseZone(_ context.Context, zone uint32) error {
	if err := d.enter(OpClose, d.geo.ZoneStart(zone)); err != nil {
		return errors.Wrapf(err, "close zone %d", zone)
	}
	return d.closeZone(zone)
}

func (d *Memory) ResetZone(_ context.Context, zone uint32) error {
	if err := d.enter(OpReset, d.geo.ZoneStart(zone)); err != nil {
		return errors.Wrapf(err, "reset zone %d", zone)
	}
	if err := d.resetZone(zone); err != nil {
		return err
	}
	start := int(d.geo.ZoneStart(zone))
	end := start + int(d.geo.ZoneBlocks)
	clear(d.data.Bytes()[start<<base.BlockShift : end<<base.BlockShift])
	clear(d.meta[start*wal.RecordSize : end*wal.RecordSize])
	return nil
}

func (d *Memory) Close() error {
	if !d.shut() {
		return nil
	}
	return d.data.Free()
}
