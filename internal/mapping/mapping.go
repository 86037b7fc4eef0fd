// Package mapping implements the forward map from logical block ids to
// physical block ids.
//
// The map is a fixed three-level radix tree sized for the largest supported
// device. Leaves carry their own reader/writer lock, so updates to different
// leaves never contend. Leaves are allocated on first write.
package mapping

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/zone"
)

const (
	nodeSize   = 4096
	headerSize = 16

	// LeafEntries is the number of physical ids one leaf holds.
	LeafEntries = (nodeSize - headerSize) / 4
	// InternalEntries is the number of leaves one internal node points to.
	InternalEntries = (nodeSize - headerSize) / 8
	// InternalIndexed is the number of logical blocks covered by one
	// internal node.
	InternalIndexed = LeafEntries * InternalEntries
	// RootEntries covers base.MaxBlocks.
	RootEntries = (base.MaxBlocks + InternalIndexed - 1) / InternalIndexed
)

// ErrOutOfRange reports a logical id beyond the table capacity.
var ErrOutOfRange = errors.New("lbz: logical block out of range")

// Zones resolves the zone owning a physical block.
type Zones interface {
	Zone(pbid base.PhysID) *zone.Zone
}

type leaf struct {
	mu      sync.RWMutex
	entries [LeafEntries]base.PhysID
}

func newLeaf() *leaf {
	l := new(leaf)
	for i := range l.entries {
		l.entries[i] = base.InvalidPhys
	}
	return l
}

type node struct {
	leaves [InternalEntries]atomic.Pointer[leaf]
}

// Table is the forward map of one device.
type Table struct {
	zones    Zones
	capacity uint64
	root     [RootEntries]atomic.Pointer[node]

	mapped atomic.Int64
	leaves atomic.Int64
}

// New returns an empty table addressing capacity logical blocks.
func New(zones Zones, capacity uint64) (*Table, error) {
	if capacity == 0 || capacity > base.MaxBlocks {
		return nil, errors.Wrapf(ErrOutOfRange, "capacity %d blocks, limit %d", capacity, uint64(base.MaxBlocks))
	}
	return &Table{zones: zones, capacity: capacity}, nil
}

func index(id base.BlockID) (r, n, l int) {
	return int(id) / InternalIndexed, int(id) / LeafEntries % InternalEntries, int(id) % LeafEntries
}

// Capacity returns the number of addressable logical blocks.
func (t *Table) Capacity() uint64 {
	return t.capacity
}

// Check returns ErrOutOfRange for ids the table cannot address.
func (t *Table) Check(id base.BlockID) error {
	if uint64(id) >= t.capacity {
		return errors.Wrapf(ErrOutOfRange, "%v beyond %d blocks", id, t.capacity)
	}
	return nil
}

func (t *Table) leaf(id base.BlockID, create bool) (*leaf, int) {
	r, n, l := index(id)
	nd := t.root[r].Load()
	if nd == nil {
		if !create {
			return nil, l
		}
		t.root[r].CompareAndSwap(nil, new(node))
		nd = t.root[r].Load()
	}
	lf := nd.leaves[n].Load()
	if lf == nil {
		if !create {
			return nil, l
		}
		if nd.leaves[n].CompareAndSwap(nil, newLeaf()) {
			t.leaves.Add(1)
		}
		lf = nd.leaves[n].Load()
	}
	return lf, l
}

// Lookup returns the physical id mapped to id. When found, the owning zone
// is pinned before the leaf lock is dropped, so the zone cannot be reset
// until the caller puts it.
func (t *Table) Lookup(id base.BlockID) (base.PhysID, *zone.Zone, bool) {
	lf, i := t.leaf(id, false)
	if lf == nil {
		return base.InvalidPhys, nil, false
	}
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	pbid := lf.entries[i]
	if !pbid.Valid() {
		return base.InvalidPhys, nil, false
	}
	return pbid, t.zones.Zone(pbid).Get(), true
}

// Peek returns the physical id mapped to id without pinning its zone.
func (t *Table) Peek(id base.BlockID) base.PhysID {
	lf, i := t.leaf(id, false)
	if lf == nil {
		return base.InvalidPhys
	}
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	return lf.entries[i]
}

// Update maps id to pbid and returns the previous physical id, or
// InvalidPhys when id was unmapped.
func (t *Table) Update(id base.BlockID, pbid base.PhysID) base.PhysID {
	lf, i := t.leaf(id, true)
	lf.mu.Lock()
	old := lf.entries[i]
	lf.entries[i] = pbid
	lf.mu.Unlock()

	switch {
	case !old.Valid() && pbid.Valid():
		t.mapped.Add(1)
	case old.Valid() && !pbid.Valid():
		t.mapped.Add(-1)
	}
	return old
}

// Remove unmaps id and returns the previous physical id.
func (t *Table) Remove(id base.BlockID) base.PhysID {
	if lf, _ := t.leaf(id, false); lf == nil {
		return base.InvalidPhys
	}
	return t.Update(id, base.InvalidPhys)
}

// Walk calls fn for every mapped id in ascending order until fn returns
// false. Leaves are locked one at a time, so concurrent updates to other
// leaves may or may not be observed.
func (t *Table) Walk(fn func(id base.BlockID, pbid base.PhysID) bool) {
	for r := range t.root {
		nd := t.root[r].Load()
		if nd == nil {
			continue
		}
		for n := range nd.leaves {
			lf := nd.leaves[n].Load()
			if lf == nil {
				continue
			}
			lf.mu.RLock()
			entries := lf.entries
			lf.mu.RUnlock()
			for l, pbid := range entries {
				if !pbid.Valid() {
					continue
				}
				id := base.BlockID(r*InternalIndexed + n*LeafEntries + l)
				if !fn(id, pbid) {
					return
				}
			}
		}
	}
}

// Stats describes table occupancy.
type Stats struct {
	Capacity uint64
	Mapped   int64
	Leaves   int64
	// Bytes is the memory held by allocated leaves.
	Bytes int64
}

func (t *Table) Stats() Stats {
	leaves := t.leaves.Load()
	return Stats{
		Capacity: t.capacity,
		Mapped:   t.mapped.Load(),
		Leaves:   leaves,
		Bytes:    leaves * nodeSize,
	}
}
