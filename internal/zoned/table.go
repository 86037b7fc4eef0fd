package zoned

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/wal"
)

// table tracks the device-side zone state shared by the emulated devices:
// write pointers, conditions and which slots have been written since the
// last reset.
type table struct {
	geo Geometry

	mu     sync.Mutex
	zones  []zoneSlot
	closed bool
}

type zoneSlot struct {
	wp      uint32
	cond    Cond
	written []uint64
}

func newTable(geo Geometry) *table {
	t := &table{
		geo:   geo,
		zones: make([]zoneSlot, geo.Zones),
	}
	words := (geo.ZoneCapacity + 63) / 64
	for i := range t.zones {
		t.zones[i].written = make([]uint64, words)
	}
	return t
}

func (t *table) check(pbid base.PhysID, data []byte, size int) (uint32, uint32, error) {
	if len(data) != size {
		return 0, 0, errors.Wrapf(ErrBlockSize, "len %d", len(data))
	}
	if uint64(pbid) >= t.geo.Blocks() {
		return 0, 0, errors.Wrapf(ErrOutOfBounds, "%v beyond %d blocks", pbid, t.geo.Blocks())
	}
	zone, off := t.geo.Locate(pbid)
	if off >= t.geo.ZoneCapacity {
		return 0, 0, errors.Wrapf(ErrOutOfBounds, "%v beyond capacity of zone %d", pbid, zone)
	}
	return zone, off, nil
}

// markAppend validates an append and consumes the slot. The slot stays
// consumed even when the subsequent data transfer fails.
func (t *table) markAppend(pbid base.PhysID, data, meta []byte) error {
	zone, off, err := t.check(pbid, data, base.BlockSize)
	if err != nil {
		return err
	}
	if len(meta) != wal.RecordSize {
		return errors.Wrapf(ErrBlockSize, "metadata len %d", len(meta))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z := &t.zones[zone]
	switch z.cond {
	case CondFull, CondOffline, CondReadOnly:
		return errors.Wrapf(ErrZoneState, "append to %v zone %d", z.cond, zone)
	}
	word, bit := off/64, uint64(1)<<(off%64)
	if z.written[word]&bit != 0 {
		return errors.Wrapf(ErrOverwrite, "%v", pbid)
	}
	z.written[word] |= bit
	if off+1 > z.wp {
		z.wp = off + 1
	}
	switch {
	case z.wp == t.geo.ZoneCapacity:
		z.cond = CondFull
	case z.cond == CondEmpty || z.cond == CondClosed:
		z.cond = CondImplicitOpen
	}
	return nil
}

func (t *table) checkRead(pbid base.PhysID, data []byte, size int) error {
	if _, _, err := t.check(pbid, data, size); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *table) closeZone(zone uint32) error {
	if zone >= t.geo.Zones {
		return errors.Wrapf(ErrOutOfBounds, "zone %d", zone)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z := &t.zones[zone]
	switch z.cond {
	case CondImplicitOpen, CondExplicitOpen:
		z.cond = CondClosed
	case CondEmpty, CondClosed, CondFull:
	default:
		return errors.Wrapf(ErrZoneState, "close %v zone %d", z.cond, zone)
	}
	return nil
}

func (t *table) resetZone(zone uint32) error {
	if zone >= t.geo.Zones {
		return errors.Wrapf(ErrOutOfBounds, "zone %d", zone)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	z := &t.zones[zone]
	switch z.cond {
	case CondOffline, CondReadOnly:
		return errors.Wrapf(ErrZoneState, "reset %v zone %d", z.cond, zone)
	}
	z.wp = 0
	z.cond = CondEmpty
	clear(z.written)
	return nil
}

// restore installs a zone state recovered from persistent metadata.
func (t *table) restore(zone uint32, off uint32) {
	z := &t.zones[zone]
	z.written[off/64] |= uint64(1) << (off % 64)
	if off+1 > z.wp {
		z.wp = off + 1
	}
	if z.wp == t.geo.ZoneCapacity {
		z.cond = CondFull
	} else {
		z.cond = CondClosed
	}
}

func (t *table) setCond(zone uint32, cond Cond) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.zones[zone].cond = cond
}

func (t *table) report() ([]ZoneInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	infos := make([]ZoneInfo, len(t.zones))
	for i := range t.zones {
		infos[i] = ZoneInfo{
			ID:       uint32(i),
			Start:    t.geo.ZoneStart(uint32(i)),
			Len:      t.geo.ZoneBlocks,
			Capacity: t.geo.ZoneCapacity,
			WP:       t.zones[i].wp,
			Cond:     t.zones[i].cond,
		}
	}
	return infos, nil
}

// shut marks the table closed and reports whether it was open.
func (t *table) shut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}
