package zone

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/zoned"
)

func newTestMetadata(t *testing.T, geo zoned.Geometry, cfg Config) (*Metadata, *zoned.Memory, *base.DeviceState) {
	t.Helper()
	dev, err := zoned.NewMemory(geo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	state := new(base.DeviceState)
	md, err := New(context.Background(), dev, state, cfg)
	require.NoError(t, err)
	return md, dev, state
}

// write allocates one slot and completes it immediately, as a write whose
// physical I/O succeeded would.
func write(t *testing.T, md *Metadata, id base.BlockID, purpose Purpose) (*Zone, base.PhysID) {
	t.Helper()
	z, pbid, err := md.Allocate(0, purpose)
	require.NoError(t, err)
	md.SetReverse(z, pbid, id)
	md.CompleteWrite(z)
	z.Put()
	return z, pbid
}

func conserved(t *testing.T, md *Metadata) {
	t.Helper()
	s := md.Snapshot()
	var wp, weight int64
	for _, z := range s.Zones {
		require.LessOrEqual(t, z.WP, z.Capacity)
		require.LessOrEqual(t, z.Weight, int32(z.Capacity))
		require.GreaterOrEqual(t, z.Weight, int32(0))
		wp += int64(z.WP)
		weight += int64(z.Weight)
	}
	assert.Equal(t, s.Total-s.Reserved, s.Budget+weight+(wp-weight))
	assert.Equal(t, weight, s.Valid)
}

func TestAllocateUntilReserve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReserveBlocks = 50
	md, _, _ := newTestMetadata(t, zoned.Geometry{Zones: 4, ZoneBlocks: 100, ZoneCapacity: 100}, cfg)

	for i := 0; i < 350; i++ {
		write(t, md, base.BlockID(i), PurposeUser)
	}
	require.NoError(t, md.Sweep(context.Background()))

	s := md.Snapshot()
	assert.Equal(t, 3, s.FullCount)
	assert.Equal(t, 0, s.EmptyCount)
	assert.Equal(t, StateActive, s.Zones[3].State)
	assert.Equal(t, uint32(50), s.Zones[3].WP)
	assert.Equal(t, int64(0), s.Budget)
	conserved(t, md)

	// Allocable equals the reserve, which is not below it.
	write(t, md, 350, PurposeUser)
	assert.Equal(t, int64(-1), md.Budget())

	_, _, err := md.Allocate(0, PurposeUser)
	assert.ErrorIs(t, err, ErrOutOfBudget)
	assert.True(t, Retryable(err))
	assert.Equal(t, int64(-1), md.Budget())

	// GC may dip into the reserve.
	write(t, md, 1000, PurposeGC)
	assert.Equal(t, int64(-2), md.Budget())
	conserved(t, md)
}

func TestAllocateReserveOneZone(t *testing.T) {
	md, _, _ := newTestMetadata(t, zoned.Geometry{Zones: 4, ZoneBlocks: 100, ZoneCapacity: 100}, DefaultConfig())

	for i := 0; i < 301; i++ {
		write(t, md, base.BlockID(i), PurposeUser)
	}
	_, _, err := md.Allocate(0, PurposeUser)
	assert.ErrorIs(t, err, ErrOutOfBudget)
	assert.Equal(t, int64(-1), md.Budget())
	assert.True(t, md.NeedReclaimLow())
}

func TestAllocateExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReserveBlocks = 1
	md, _, _ := newTestMetadata(t, zoned.Geometry{Zones: 2, ZoneBlocks: 8, ZoneCapacity: 8}, cfg)

	for i := 0; i < 16; i++ {
		write(t, md, base.BlockID(i), PurposeGC)
	}
	_, _, err := md.Allocate(0, PurposeGC)
	assert.ErrorIs(t, err, ErrExhausted)

	_, _, err = md.Allocate(base.MaxStreams, PurposeGC)
	assert.ErrorIs(t, err, ErrStream)
}

func TestAllocateFaulty(t *testing.T) {
	md, _, state := newTestMetadata(t, zoned.Geometry{Zones: 2, ZoneBlocks: 8, ZoneCapacity: 8}, DefaultConfig())
	state.SetFaulty()
	_, _, err := md.Allocate(0, PurposeUser)
	assert.ErrorIs(t, err, base.ErrDeviceFaulty)
}

func TestStreamsUseSeparateZones(t *testing.T) {
	md, _, _ := newTestMetadata(t, zoned.Geometry{Zones: 4, ZoneBlocks: 8, ZoneCapacity: 8}, DefaultConfig())

	z0, _, err := md.Allocate(0, PurposeUser)
	require.NoError(t, err)
	z1, _, err := md.Allocate(1, PurposeUser)
	require.NoError(t, err)
	assert.NotEqual(t, z0.ID, z1.ID)
	assert.Equal(t, 0, z0.Stream())
	assert.Equal(t, 1, z1.Stream())

	s := md.Snapshot()
	assert.Equal(t, [base.MaxStreams]int64{1, 1}, s.ActiveWrites)
}

func TestClosingWaitsForPendingWrites(t *testing.T) {
	md, dev, _ := newTestMetadata(t, zoned.Geometry{Zones: 2, ZoneBlocks: 4, ZoneCapacity: 4}, DefaultConfig())
	ctx := context.Background()

	var zones []*Zone
	for i := 0; i < 4; i++ {
		z, pbid, err := md.Allocate(0, PurposeGC)
		require.NoError(t, err)
		md.SetReverse(z, pbid, base.BlockID(i))
		zones = append(zones, z)
	}
	z := zones[0]
	assert.Equal(t, StateClosing, z.State())

	// Three of four writes acknowledged: the zone stays out of the full list.
	for _, zz := range zones[:3] {
		md.CompleteWrite(zz)
		zz.Put()
	}
	require.NoError(t, md.Sweep(ctx))
	assert.Equal(t, StateClosing, z.State())
	assert.Nil(t, md.FindVictim(ModeEmergency))

	md.CompleteWrite(zones[3])
	zones[3].Put()
	require.NoError(t, md.Sweep(ctx))
	assert.Equal(t, StateFull, z.State())
	assert.Equal(t, int64(1), md.Snapshot().CloseTimes)

	infos, err := dev.ReportZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, zoned.CondEmpty, infos[0].Cond, "no data was appended through the device in this test")
}

func TestReleaseWeight(t *testing.T) {
	md, _, _ := newTestMetadata(t, zoned.Geometry{Zones: 4, ZoneBlocks: 8, ZoneCapacity: 8}, DefaultConfig())

	z, pbid := write(t, md, 7, PurposeUser)
	for i := 0; i < 10; i++ {
		before := z.Weight()
		nz, npbid := write(t, md, 7, PurposeUser)
		md.SetReverse(z, pbid, base.InvalidBlock)
		md.Release(z)
		if nz == z {
			assert.Equal(t, before, z.Weight())
		} else {
			assert.Equal(t, before-1, z.Weight())
		}
		z, pbid = nz, npbid
	}
	assert.Equal(t, int64(1), md.Snapshot().Valid)
	conserved(t, md)

	z.weight.Store(0)
	assert.Panics(t, func() { md.Release(z) })
}

func TestVictimSelectionAndReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReserveBlocks = 4
	md, _, _ := newTestMetadata(t, zoned.Geometry{Zones: 4, ZoneBlocks: 4, ZoneCapacity: 4}, cfg)
	ctx := context.Background()

	type slot struct {
		z    *Zone
		pbid base.PhysID
	}
	var slots []slot
	for i := 0; i < 12; i++ {
		z, pbid := write(t, md, base.BlockID(i), PurposeUser)
		slots = append(slots, slot{z, pbid})
	}
	require.NoError(t, md.Sweep(ctx))
	require.Equal(t, 3, md.Snapshot().FullCount)

	// Invalidate one block in zone 0, three in zone 1, two in zone 2.
	for _, i := range []int{0, 4, 5, 6, 8, 9} {
		md.SetReverse(slots[i].z, slots[i].pbid, base.InvalidBlock)
		md.Release(slots[i].z)
	}

	// Regular mode wants weight <= 1% of four blocks, i.e. zero.
	assert.Nil(t, md.FindVictim(ModeRegular))

	victim := md.FindVictim(ModeEmergency)
	require.NotNil(t, victim)
	assert.Equal(t, uint32(1), victim.ID)
	assert.Equal(t, StateReclaiming, victim.State())
	assert.Equal(t, 2, md.Snapshot().FullCount)

	// Migrate the remaining valid block away.
	remaining := victim.Scan()
	assert.Equal(t, []base.BlockID{base.InvalidBlock, base.InvalidBlock, base.InvalidBlock, 7}, remaining)
	md.SetReverse(victim, slots[7].pbid, base.InvalidBlock)
	md.Release(victim)

	md.MarkReclaimed(victim)
	require.NoError(t, md.Sweep(ctx))
	assert.Equal(t, StateReclaimed, victim.State(), "pinned zones are not reset")

	var reset []uint32
	md.OnReset(func(z *Zone) { reset = append(reset, z.ID) })
	victim.Put()
	require.NoError(t, md.Sweep(ctx))
	assert.Equal(t, StateEmpty, victim.State())
	assert.Equal(t, uint32(0), victim.WP())
	assert.Equal(t, int32(0), victim.Weight())
	assert.Equal(t, []uint32{1}, reset)
	// Zone 3 was never opened, so it joins the reset victim in the empty pool.
	assert.Equal(t, 2, md.Snapshot().EmptyCount)
	assert.Equal(t, StateEmpty, md.Zones()[3].State())
	conserved(t, md)
}

func TestResetWithValidBlocksPanics(t *testing.T) {
	md, _, _ := newTestMetadata(t, zoned.Geometry{Zones: 2, ZoneBlocks: 2, ZoneCapacity: 2}, DefaultConfig())
	write(t, md, 1, PurposeGC)
	write(t, md, 2, PurposeGC)
	require.NoError(t, md.Sweep(context.Background()))

	victim := md.FindVictim(ModeEmergency)
	assert.Nil(t, victim, "a zone without invalid blocks frees nothing")

	z := md.Zones()[0]
	z.weight.Store(1)
	md.valid.Store(1)
	victim = md.FindVictim(ModeEmergency)
	require.NotNil(t, victim)
	md.MarkReclaimed(victim)
	victim.Put()
	assert.Panics(t, func() { _ = md.Sweep(context.Background()) })
}

func TestResetFailureMarksFaulty(t *testing.T) {
	md, dev, state := newTestMetadata(t, zoned.Geometry{Zones: 2, ZoneBlocks: 2, ZoneCapacity: 2}, DefaultConfig())
	z, pbid := write(t, md, 1, PurposeGC)
	write(t, md, 2, PurposeGC)
	require.NoError(t, md.Sweep(context.Background()))
	md.SetReverse(z, pbid, base.InvalidBlock)
	md.Release(z)

	victim := md.FindVictim(ModeEmergency)
	require.NotNil(t, victim)
	md.SetReverse(victim, pbid+1, base.InvalidBlock)
	md.Release(victim)
	md.MarkReclaimed(victim)
	victim.Put()

	dev.FailNext(zoned.OpReset, 1)
	assert.ErrorIs(t, md.Sweep(context.Background()), zoned.ErrInjected)
	assert.True(t, state.Faulty())
}

func TestNewFromReport(t *testing.T) {
	ctx := context.Background()
	geo := zoned.Geometry{Zones: 5, ZoneBlocks: 4, ZoneCapacity: 4}
	dev, err := zoned.NewMemory(geo)
	require.NoError(t, err)
	defer dev.Close()

	meta := make([]byte, 64)
	meta[0] = 1
	blk := make([]byte, base.BlockSize)
	// zone 0 full, zones 1..3 partially written, zone 4 offline.
	for i := 0; i < 4; i++ {
		require.NoError(t, dev.Append(ctx, base.PhysID(i), blk, meta))
	}
	for zone := uint32(1); zone <= 3; zone++ {
		require.NoError(t, dev.Append(ctx, geo.ZoneStart(zone), blk, meta))
	}
	dev.SetOffline(4)

	md, err := New(ctx, dev, new(base.DeviceState), DefaultConfig())
	require.NoError(t, err)

	s := md.Snapshot()
	assert.Equal(t, int64(16), s.Total)
	assert.Equal(t, StateFull, s.Zones[0].State)
	assert.Equal(t, StateActive, s.Zones[1].State)
	assert.Equal(t, StateActive, s.Zones[2].State)
	assert.Equal(t, StateFull, s.Zones[3].State, "no stream left for a third partial zone")
	assert.Equal(t, uint32(4), s.Zones[3].WP)
	assert.Equal(t, StateOffline, s.Zones[4].State)
	assert.Equal(t, int64(6), s.Allocable)
	conserved(t, md)
}
