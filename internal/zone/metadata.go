package zone

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/zoned"
)

var (
	// ErrOutOfBudget denies a user allocation that would eat into the blocks
	// reserved for GC.
	ErrOutOfBudget = errors.New("lbz: allocation budget below gc reserve")
	// ErrExhausted reports that the stream needs a new zone and the empty
	// pool is drained.
	ErrExhausted = errors.New("lbz: no empty zone")
	// ErrStream reports a stream outside [0, MaxStreams).
	ErrStream = errors.New("lbz: invalid stream")
)

// Retryable reports whether an allocation failure clears once GC has
// reclaimed space.
func Retryable(err error) bool {
	return errors.Is(err, ErrOutOfBudget) || errors.Is(err, ErrExhausted)
}

// Purpose selects the budget rule of an allocation.
type Purpose uint8

const (
	// PurposeUser allocations stop at the GC reserve.
	PurposeUser Purpose = iota
	// PurposeGC allocations may consume the reserve.
	PurposeGC
)

// Mode selects how picky victim selection is.
type Mode uint8

const (
	ModeNone Mode = iota
	// ModeRegular only accepts victims whose weight is under the zone
	// reclaim watermark.
	ModeRegular
	// ModeEmergency accepts any full zone that frees at least one block.
	ModeEmergency
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRegular:
		return "regular"
	case ModeEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Config holds the allocation policy. Watermarks are percentages.
type Config struct {
	// ReserveBlocks is withheld from user writes so that GC can always
	// migrate. Zero reserves one zone.
	ReserveBlocks int64
	// LowWatermark is the budget, as a percentage of total blocks, under
	// which GC runs in emergency mode.
	LowWatermark int
	// HighWatermark is the budget under which writers ask for a regular
	// reclaim.
	HighWatermark int
	// ZoneReclaimWatermark is the weight, as a percentage of zone capacity,
	// a victim must stay under in regular mode.
	ZoneReclaimWatermark int
}

func DefaultConfig() Config {
	return Config{
		LowWatermark:         2,
		HighWatermark:        4,
		ZoneReclaimWatermark: 1,
	}
}

// Metadata owns the zones of one device and the global block budget.
//
// The budget obeys allocable + sum(wp) == total at all times, where total is
// the capacity of all usable zones. Allocation moves a block from allocable
// to a write pointer, reset moves a zone's worth back.
type Metadata struct {
	dev   zoned.Device
	state *base.DeviceState
	cfg   Config

	// mu guards list membership, write pointers and stream assignment. It is
	// never held across device I/O.
	mu           sync.Mutex
	zones        []*Zone
	empty        []*Zone
	full         []*Zone
	active       [base.MaxStreams]*Zone
	activeWrites [base.MaxStreams]int64
	activeCount  int
	zoneBlocks   uint32

	total     int64
	reserved  int64
	low       int64
	high      int64
	reclaimWM int32
	allocable atomic.Int64
	valid     atomic.Int64

	closeTimes atomic.Int64
	resetTimes atomic.Int64

	// sweepMu serializes sweeps.
	sweepMu sync.Mutex
	onReset func(*Zone)
}

// New builds the zone set from the device's zone report. Empty zones join the
// empty pool, partially written zones become the active zone of a free
// stream, full zones join the full list. Reverse maps start unmapped; callers
// replaying the device log restore them with Adopt before serving I/O.
func New(ctx context.Context, dev zoned.Device, state *base.DeviceState, cfg Config) (*Metadata, error) {
	infos, err := dev.ReportZones(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "report zones")
	}

	md := &Metadata{
		dev:   dev,
		state: state,
		cfg:   cfg,
		zones: make([]*Zone, len(infos)),
	}
	md.zoneBlocks = dev.Geometry().ZoneBlocks

	stream := 0
	var allocable int64
	for i, info := range infos {
		z := newZone(info)
		md.zones[i] = z

		switch info.Cond {
		case zoned.CondOffline:
			z.setState(StateOffline)
			continue
		case zoned.CondReadOnly:
			z.setState(StateReadOnly)
			continue
		}
		md.total += int64(z.Capacity)

		switch {
		case info.WP == 0:
			z.setState(StateEmpty)
			md.empty = append(md.empty, z)
			allocable += int64(z.Capacity)
		case info.WP < z.Capacity && stream < base.MaxStreams:
			z.wp.Store(info.WP)
			z.setState(StateActive)
			z.stream.Store(int32(stream))
			md.active[stream] = z.Get()
			md.activeCount++
			stream++
			allocable += int64(z.Capacity - info.WP)
		default:
			// A partial zone beyond the stream count gives up its tail.
			z.wp.Store(z.Capacity)
			z.setState(StateFull)
			md.full = append(md.full, z)
		}
	}
	md.allocable.Store(allocable)

	md.reserved = cfg.ReserveBlocks
	if md.reserved <= 0 {
		md.reserved = int64(dev.Geometry().ZoneCapacity)
	}
	md.low = md.total * int64(cfg.LowWatermark) / 100
	md.high = md.total * int64(cfg.HighWatermark) / 100
	md.reclaimWM = int32(int64(dev.Geometry().ZoneCapacity) * int64(cfg.ZoneReclaimWatermark) / 100)

	glog.Infof("zone: %d zones, %d blocks total, %d allocable, reserve %d, watermarks %d/%d",
		len(md.zones), md.total, allocable, md.reserved, md.low, md.high)
	return md, nil
}

// OnReset registers fn to run after the sweep returned a reclaimed zone to
// the empty pool.
func (md *Metadata) OnReset(fn func(*Zone)) {
	md.onReset = fn
}

// Zones returns every zone ordered by id.
func (md *Metadata) Zones() []*Zone {
	return md.zones
}

// Zone returns the zone holding pbid.
func (md *Metadata) Zone(pbid base.PhysID) *Zone {
	return md.zones[uint32(pbid)/md.zoneBlocks]
}

// Allocate reserves the next slot of the stream's active zone. The returned
// zone is pinned; the caller drops the pin when the write completed.
func (md *Metadata) Allocate(stream int, purpose Purpose) (*Zone, base.PhysID, error) {
	if md.state.Faulty() {
		return nil, base.InvalidPhys, base.ErrDeviceFaulty
	}
	if stream < 0 || stream >= base.MaxStreams {
		return nil, base.InvalidPhys, errors.Wrapf(ErrStream, "stream %d", stream)
	}

	md.mu.Lock()
	defer md.mu.Unlock()

	if purpose == PurposeUser && md.allocable.Load() < md.reserved {
		return nil, base.InvalidPhys, ErrOutOfBudget
	}

	z := md.active[stream]
	if z == nil || z.WP() == z.Capacity {
		if len(md.empty) == 0 {
			return nil, base.InvalidPhys, ErrExhausted
		}
		z = md.empty[0]
		md.empty[0] = nil
		md.empty = md.empty[1:]

		z.setState(StateActive)
		z.stream.Store(int32(stream))
		z.setCond(zoned.CondImplicitOpen)
		md.active[stream] = z.Get()
		md.activeCount++
	}

	z.Get()
	off := z.wp.Add(1) - 1
	z.weight.Add(1)
	z.pending.Add(1)
	md.allocable.Add(-1)
	md.valid.Add(1)
	md.activeWrites[stream]++

	if off+1 == z.Capacity {
		z.setState(StateClosing)
		md.active[stream] = nil
		z.Put()
	}
	return z, z.Start + base.PhysID(off), nil
}

// Release drops one valid block from z after the mapping moved away from it.
// Releasing more blocks than were allocated corrupts the budget and panics.
func (md *Metadata) Release(z *Zone) {
	if w := z.weight.Add(-1); w < 0 {
		panic(fmt.Sprintf("zone %d: weight below zero", z.ID))
	}
	md.valid.Add(-1)
}

// CompleteWrite acknowledges one write issued into z.
func (md *Metadata) CompleteWrite(z *Zone) {
	if p := z.pending.Add(-1); p < 0 {
		panic(fmt.Sprintf("zone %d: pending writes below zero", z.ID))
	}
}

// SetReverse records that pbid holds id, or clears the slot when id is
// InvalidBlock.
func (md *Metadata) SetReverse(z *Zone, pbid base.PhysID, id base.BlockID) {
	z.setReverse(pbid, id)
}

// Adopt restores a block found while replaying the device log. It is only
// valid before the device serves I/O.
func (md *Metadata) Adopt(pbid base.PhysID, id base.BlockID) *Zone {
	z := md.Zone(pbid)
	z.setReverse(pbid, id)
	z.weight.Add(1)
	md.valid.Add(1)
	return z
}

// Budget is the number of blocks user writes may still allocate. It goes
// negative when GC dips into the reserve.
func (md *Metadata) Budget() int64 {
	return md.allocable.Load() - md.reserved
}

// NeedReclaimLow reports a budget under the low watermark.
func (md *Metadata) NeedReclaimLow() bool {
	return md.Budget() < md.low
}

// NeedReclaimHigh reports a budget under the high watermark.
func (md *Metadata) NeedReclaimHigh() bool {
	return md.Budget() < md.high
}

// FindVictim picks the full zone with the fewest valid blocks, detaches it
// from the full list and pins it. It returns nil when no zone qualifies.
func (md *Metadata) FindVictim(mode Mode) *Zone {
	md.mu.Lock()
	defer md.mu.Unlock()

	idx := -1
	var min int32
	for i, z := range md.full {
		if w := z.Weight(); idx < 0 || w < min {
			idx, min = i, w
		}
	}
	if idx < 0 {
		return nil
	}
	victim := md.full[idx]
	if min >= int32(victim.Capacity) {
		return nil
	}
	if mode == ModeRegular && min > md.reclaimWM {
		return nil
	}

	md.full = append(md.full[:idx], md.full[idx+1:]...)
	md.activeCount++
	victim.setState(StateReclaiming)
	return victim.Get()
}

// MarkReclaimed records that a migration was submitted for every valid block
// of a victim. The zone is reset by the sweep once the last pin is dropped.
func (md *Metadata) MarkReclaimed(z *Zone) {
	md.mu.Lock()
	z.setState(StateReclaimed)
	md.mu.Unlock()
}

// Run sweeps every interval until ctx is canceled.
func (md *Metadata) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if md.state.Faulty() {
				continue
			}
			if err := md.Sweep(ctx); err != nil {
				glog.Errorf("zone: sweep: %v", err)
			}
		}
	}
}

// Sweep moves drained closing zones to the full list and resets reclaimed
// zones that lost their last pin. Device commands are issued outside the
// metadata lock.
func (md *Metadata) Sweep(ctx context.Context) error {
	md.sweepMu.Lock()
	defer md.sweepMu.Unlock()

	var closing, reclaimed []*Zone
	md.mu.Lock()
	for _, z := range md.zones {
		switch z.State() {
		case StateClosing:
			if z.Cond() == zoned.CondFull {
				closing = append(closing, z)
			}
		case StateReclaimed:
			if z.Refs() == 0 && z.Cond() == zoned.CondEmpty {
				reclaimed = append(reclaimed, z)
			}
		}
	}
	md.mu.Unlock()

	for _, z := range closing {
		if err := md.dev.CloseZone(ctx, z.ID); err != nil {
			return md.fail(errors.Wrapf(err, "close zone %d", z.ID))
		}
		z.setCond(zoned.CondClosed)
		md.mu.Lock()
		z.setState(StateFull)
		z.stream.Store(NoStream)
		md.full = append(md.full, z)
		md.activeCount--
		md.mu.Unlock()
		md.closeTimes.Add(1)
		glog.V(2).Infof("zone: zone %d full, weight %d", z.ID, z.Weight())
	}

	for _, z := range reclaimed {
		if w := z.Weight(); w != 0 {
			panic(fmt.Sprintf("zone %d: reset with %d valid blocks", z.ID, w))
		}
		if err := md.dev.ResetZone(ctx, z.ID); err != nil {
			return md.fail(errors.Wrapf(err, "reset zone %d", z.ID))
		}
		z.clearReverseMap()
		md.mu.Lock()
		z.stream.Store(NoStream)
		z.wp.Store(0)
		z.setState(StateEmpty)
		md.empty = append(md.empty, z)
		md.activeCount--
		md.allocable.Add(int64(z.Capacity))
		md.mu.Unlock()
		md.resetTimes.Add(1)
		glog.V(1).Infof("zone: reset zone %d, budget %d", z.ID, md.Budget())
		if md.onReset != nil {
			md.onReset(z)
		}
	}
	return nil
}

func (md *Metadata) fail(err error) error {
	if md.state.SetFaulty() {
		glog.Errorf("zone: device faulty: %v", err)
	}
	return err
}

// Snapshot is a point-in-time view of the allocator.
type Snapshot struct {
	Total         int64
	Allocable     int64
	Reserved      int64
	Budget        int64
	Valid         int64
	LowWatermark  int64
	HighWatermark int64
	ReclaimWeight int32
	EmptyCount    int
	FullCount     int
	ActiveCount   int
	ActiveWrites  [base.MaxStreams]int64
	CloseTimes    int64
	ResetTimes    int64
	Zones         []Info
}

func (md *Metadata) Snapshot() Snapshot {
	md.mu.Lock()
	s := Snapshot{
		Total:         md.total,
		Allocable:     md.allocable.Load(),
		Reserved:      md.reserved,
		Valid:         md.valid.Load(),
		LowWatermark:  md.low,
		HighWatermark: md.high,
		ReclaimWeight: md.reclaimWM,
		EmptyCount:    len(md.empty),
		FullCount:     len(md.full),
		ActiveCount:   md.activeCount,
		ActiveWrites:  md.activeWrites,
		CloseTimes:    md.closeTimes.Load(),
		ResetTimes:    md.resetTimes.Load(),
	}
	md.mu.Unlock()

	s.Budget = s.Allocable - s.Reserved
	s.Zones = make([]Info, len(md.zones))
	for i, z := range md.zones {
		s.Zones[i] = z.info()
	}
	return s
}
