// Package zone manages the zones of a device: their lifecycle, the append
// targets handed to writers, the global block budget and the maintenance
// sweep that closes filled zones and resets reclaimed ones.
package zone

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/zoned"
)

// State is the lifecycle position of a zone. Transitions happen under the
// Metadata lock; the current value can be read without it.
type State uint32

const (
	// StateEmpty zones sit in the empty FIFO.
	StateEmpty State = iota
	// StateActive zones are the append target of one stream.
	StateActive
	// StateClosing zones have every slot allocated but still wait for
	// outstanding writes. They are in no list.
	StateClosing
	// StateFull zones sit in the full list and are GC candidates.
	StateFull
	// StateReclaiming zones were chosen as GC victims and are being scanned.
	StateReclaiming
	// StateReclaimed zones had a migration submitted for every valid block
	// and wait for the sweep to reset them.
	StateReclaimed
	// StateOffline and StateReadOnly zones are reported unusable by the
	// device and never take part in allocation.
	StateOffline
	StateReadOnly
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFull:
		return "full"
	case StateReclaiming:
		return "reclaiming"
	case StateReclaimed:
		return "reclaimed"
	case StateOffline:
		return "offline"
	case StateReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// NoStream is the stream of a zone that is not an append target.
const NoStream = -1

// Zone is one append-only region. Counters are atomics because writers,
// completions and the maintenance sweep touch them concurrently; list
// membership and the write pointer change only under the Metadata lock.
type Zone struct {
	ID       uint32
	Start    base.PhysID
	Len      uint32
	Capacity uint32

	state  atomic.Uint32
	stream atomic.Int32

	wp      atomic.Uint32
	weight  atomic.Int32
	pending atomic.Int32
	refs    atomic.Int32

	// mu guards cond, which tells the sweep whether a closing zone drained
	// its writes (CondFull) or a reclaimed zone lost its last pin
	// (CondEmpty).
	mu   sync.Mutex
	cond zoned.Cond

	// rmap maps a slot to the logical block stored there.
	rmap []atomic.Uint32
}

func newZone(info zoned.ZoneInfo) *Zone {
	z := &Zone{
		ID:       info.ID,
		Start:    info.Start,
		Len:      info.Len,
		Capacity: info.Capacity,
		cond:     info.Cond,
		rmap:     make([]atomic.Uint32, info.Capacity),
	}
	z.stream.Store(NoStream)
	z.clearReverseMap()
	return z
}

func (z *Zone) State() State {
	return State(z.state.Load())
}

func (z *Zone) setState(s State) {
	z.state.Store(uint32(s))
}

// Stream returns the stream the zone was last an append target for.
func (z *Zone) Stream() int {
	return int(z.stream.Load())
}

// WP returns the write pointer as an offset from Start.
func (z *Zone) WP() uint32 {
	return z.wp.Load()
}

// Weight returns the number of valid blocks resident in the zone.
func (z *Zone) Weight() int32 {
	return z.weight.Load()
}

func (z *Zone) Pending() int32 {
	return z.pending.Load()
}

func (z *Zone) Refs() int32 {
	return z.refs.Load()
}

func (z *Zone) Cond() zoned.Cond {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.cond
}

func (z *Zone) setCond(c zoned.Cond) {
	z.mu.Lock()
	z.cond = c
	z.mu.Unlock()
}

// Contains reports whether pbid lies inside the zone.
func (z *Zone) Contains(pbid base.PhysID) bool {
	return pbid >= z.Start && uint32(pbid-z.Start) < z.Len
}

// Get pins the zone. A pinned zone is never reset.
func (z *Zone) Get() *Zone {
	z.refs.Add(1)
	return z
}

// Put drops a pin. The last pin of a reclaimed zone marks it ready for
// reset; a closing zone whose writes all completed is marked ready to join
// the full list.
func (z *Zone) Put() {
	n := z.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("zone %d: reference count below zero", z.ID))
	}

	switch z.State() {
	case StateReclaiming, StateReclaimed:
		if n == 0 {
			z.setCond(zoned.CondEmpty)
		}
	case StateClosing:
		if z.pending.Load() == 0 {
			z.setCond(zoned.CondFull)
		}
	}
}

// Lookup returns the logical block stored at pbid.
func (z *Zone) Lookup(pbid base.PhysID) base.BlockID {
	return base.BlockID(z.rmap[pbid-z.Start].Load())
}

// Scan returns the logical block ids of every slot below the write pointer.
func (z *Zone) Scan() []base.BlockID {
	wp := z.WP()
	ids := make([]base.BlockID, wp)
	for i := uint32(0); i < wp; i++ {
		ids[i] = base.BlockID(z.rmap[i].Load())
	}
	return ids
}

func (z *Zone) setReverse(pbid base.PhysID, id base.BlockID) {
	z.rmap[pbid-z.Start].Store(uint32(id))
}

func (z *Zone) clearReverseMap() {
	for i := range z.rmap {
		z.rmap[i].Store(uint32(base.InvalidBlock))
	}
}

// Info is a point-in-time view of one zone.
type Info struct {
	ID       uint32
	Start    base.PhysID
	Capacity uint32
	State    State
	Cond     zoned.Cond
	Stream   int
	WP       uint32
	Weight   int32
	Pending  int32
	Refs     int32
}

func (z *Zone) info() Info {
	return Info{
		ID:       z.ID,
		Start:    z.Start,
		Capacity: z.Capacity,
		State:    z.State(),
		Cond:     z.Cond(),
		Stream:   z.Stream(),
		WP:       z.WP(),
		Weight:   z.Weight(),
		Pending:  z.Pending(),
		Refs:     z.Refs(),
	}
}
