package mapping

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/zone"
	"github.com/ictstorage/lbz/internal/zoned"
)

func newTestTable(t *testing.T, capacity uint64) (*Table, *zone.Metadata) {
	t.Helper()
	dev, err := zoned.NewMemory(zoned.Geometry{Zones: 4, ZoneBlocks: 64, ZoneCapacity: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	md, err := zone.New(context.Background(), dev, new(base.DeviceState), zone.DefaultConfig())
	require.NoError(t, err)
	tbl, err := New(md, capacity)
	require.NoError(t, err)
	return tbl, md
}

func TestGeometry(t *testing.T) {
	assert.Equal(t, 1020, LeafEntries)
	assert.Equal(t, 510, InternalEntries)
	assert.GreaterOrEqual(t, RootEntries*InternalIndexed, base.MaxBlocks)

	_, err := New(nil, 0)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = New(nil, base.MaxBlocks+1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestLookupUpdateRemove(t *testing.T) {
	tbl, md := newTestTable(t, base.MaxBlocks)

	_, z, ok := tbl.Lookup(7)
	require.False(t, ok)
	require.Nil(t, z)
	require.Equal(t, int64(0), tbl.Stats().Leaves)

	require.Equal(t, base.InvalidPhys, tbl.Update(7, 65))
	pbid, z, ok := tbl.Lookup(7)
	require.True(t, ok)
	require.Equal(t, base.PhysID(65), pbid)
	require.Same(t, md.Zones()[1], z)
	require.Equal(t, int32(1), z.Refs())
	z.Put()

	require.Equal(t, base.PhysID(65), tbl.Update(7, 3))
	require.Equal(t, base.PhysID(3), tbl.Peek(7))
	require.Equal(t, int64(1), tbl.Stats().Mapped)

	require.Equal(t, base.PhysID(3), tbl.Remove(7))
	require.Equal(t, base.InvalidPhys, tbl.Remove(7))
	require.Equal(t, base.InvalidPhys, tbl.Remove(base.MaxBlocks-1))
	require.Equal(t, int64(0), tbl.Stats().Mapped)
	require.Equal(t, int64(1), tbl.Stats().Leaves)
}

func TestBoundaries(t *testing.T) {
	tbl, _ := newTestTable(t, base.MaxBlocks)

	ids := []base.BlockID{
		0,
		LeafEntries - 1,
		LeafEntries,
		InternalIndexed - 1,
		InternalIndexed,
		base.MaxBlocks - 1,
	}
	for i, id := range ids {
		require.NoError(t, tbl.Check(id))
		tbl.Update(id, base.PhysID(i))
	}
	require.ErrorIs(t, tbl.Check(base.MaxBlocks), ErrOutOfRange)

	var walked []base.BlockID
	tbl.Walk(func(id base.BlockID, pbid base.PhysID) bool {
		walked = append(walked, id)
		assert.Equal(t, base.PhysID(len(walked)-1), pbid)
		return true
	})
	require.Equal(t, ids, walked)

	walked = walked[:0]
	tbl.Walk(func(id base.BlockID, _ base.PhysID) bool {
		walked = append(walked, id)
		return len(walked) < 2
	})
	require.Len(t, walked, 2)
}

func TestConcurrentUpdates(t *testing.T) {
	const (
		writers = 8
		rounds  = 2000
		ids     = 3000
	)
	tbl, _ := newTestTable(t, ids)

	// Every writer tags the physical ids it stores with its own residue, so
	// a torn entry would show up as a foreign value.
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < rounds; i++ {
				id := base.BlockID(rng.Intn(ids))
				pbid := base.PhysID((i*writers + w) % 256)
				old := tbl.Update(id, pbid)
				if old.Valid() {
					assert.Less(t, uint32(old), uint32(256))
				}
				if p, z, ok := tbl.Lookup(id); ok {
					assert.Less(t, uint32(p), uint32(256))
					z.Put()
				}
			}
		}(w)
	}
	wg.Wait()

	var mapped int64
	tbl.Walk(func(base.BlockID, base.PhysID) bool {
		mapped++
		return true
	})
	require.Equal(t, mapped, tbl.Stats().Mapped)
}
