package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/stats"
	"github.com/ictstorage/lbz/internal/zone"
	"github.com/ictstorage/lbz/internal/zoned"
)

type migration struct {
	victim *zone.Zone
	pbid   base.PhysID
	id     base.BlockID
}

// fakeMigrator records submissions and completes them on demand.
type fakeMigrator struct {
	md  *zone.Metadata
	err error
	// hook runs at the start of every submission.
	hook func()

	mu      sync.Mutex
	pending []migration
	done    []base.BlockID
}

func (m *fakeMigrator) SubmitMigration(_ context.Context, victim *zone.Zone, pbid base.PhysID, id base.BlockID) error {
	if m.hook != nil {
		m.hook()
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, migration{victim: victim.Get(), pbid: pbid, id: id})
	return nil
}

// complete finishes every pending migration by dropping the source block, as
// a migration that found the block rewritten would.
func (m *fakeMigrator) complete() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, mg := range pending {
		m.md.SetReverse(mg.victim, mg.pbid, base.InvalidBlock)
		m.md.Release(mg.victim)
		mg.victim.Put()
		m.mu.Lock()
		m.done = append(m.done, mg.id)
		m.mu.Unlock()
	}
}

type fixture struct {
	md       *zone.Metadata
	state    *base.DeviceState
	counters *stats.Counters
	mig      *fakeMigrator
	engine   *Engine
	pbids    map[base.BlockID]base.PhysID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev, err := zoned.NewMemory(zoned.Geometry{Zones: 4, ZoneBlocks: 4, ZoneCapacity: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	f := &fixture{
		state:    new(base.DeviceState),
		counters: new(stats.Counters),
		pbids:    make(map[base.BlockID]base.PhysID),
	}
	cfg := zone.DefaultConfig()
	cfg.ReserveBlocks = 4
	f.md, err = zone.New(context.Background(), dev, f.state, cfg)
	require.NoError(t, err)
	f.mig = &fakeMigrator{md: f.md}
	f.engine = New(f.md, f.mig, f.state, f.counters, DefaultConfig())
	f.md.OnReset(f.engine.ZoneReset)
	return f
}

// fill writes ids [0, n) one block each and sweeps filled zones into the
// full list.
func (f *fixture) fill(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		z, pbid, err := f.md.Allocate(0, zone.PurposeUser)
		require.NoError(t, err)
		f.md.SetReverse(z, pbid, base.BlockID(i))
		f.md.CompleteWrite(z)
		z.Put()
		f.pbids[base.BlockID(i)] = pbid
	}
	require.NoError(t, f.md.Sweep(context.Background()))
}

func (f *fixture) invalidate(ids ...base.BlockID) {
	for _, id := range ids {
		pbid := f.pbids[id]
		z := f.md.Zone(pbid)
		f.md.SetReverse(z, pbid, base.InvalidBlock)
		f.md.Release(z)
	}
}

func TestMode(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	assert.Equal(t, zone.ModeNone, e.Mode())

	e.TriggerReclaim()
	assert.Equal(t, zone.ModeRegular, e.Mode())
	e.ZoneReset(nil)
	assert.Equal(t, zone.ModeNone, e.Mode())

	start := time.Now()
	e.now = func() time.Time { return start.Add(2 * DefaultConfig().RegularInterval) }
	assert.Equal(t, zone.ModeRegular, e.Mode())

	e.TriggerEmergency()
	assert.Equal(t, zone.ModeEmergency, e.Mode())
	assert.Contains(t, e.Snapshot().State.String(), "emergency")
}

func TestModeFollowsLowWatermark(t *testing.T) {
	f := newFixture(t)
	// 12 of 16 blocks used leaves a budget of 0 against a low watermark of 0;
	// one more GC block drives the budget negative.
	f.fill(t, 12)
	assert.Equal(t, zone.ModeNone, f.engine.Mode())
	_, _, err := f.md.Allocate(1, zone.PurposeGC)
	require.NoError(t, err)
	assert.Equal(t, zone.ModeEmergency, f.engine.Mode())
}

func TestEmergencyReclaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fill(t, 12)
	f.invalidate(4, 5, 6, 8)

	n, err := f.engine.Reclaim(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "nothing requested a pass")

	f.engine.TriggerEmergency()
	n, err = f.engine.Reclaim(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	victim := f.md.Zones()[1]
	require.Len(t, f.mig.pending, 1)
	assert.Equal(t, base.BlockID(7), f.mig.pending[0].id)
	assert.Equal(t, base.PhysID(7), f.mig.pending[0].pbid)
	assert.Equal(t, zone.StateReclaimed, victim.State())
	assert.Equal(t, int64(4), f.counters.GCResetBlocks.Load())
	assert.False(t, f.engine.has(BitEmergency))
	assert.Equal(t, int64(1), f.engine.Snapshot().Current)

	// The victim is not reset yet, so no second victim is chosen.
	f.engine.TriggerEmergency()
	n, err = f.engine.Reclaim(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	f.mig.complete()
	require.Equal(t, int32(0), victim.Refs())
	require.NoError(t, f.md.Sweep(ctx))
	assert.Equal(t, zone.StateEmpty, victim.State())
	assert.Equal(t, int64(-1), f.engine.Snapshot().Current)

	n, err = f.engine.Reclaim(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(2), f.engine.Snapshot().Current, "zone 2 holds the fewest valid blocks")
	assert.Equal(t, int64(2), f.engine.Snapshot().Cycles)
}

func TestRegularReclaimHonorsWatermark(t *testing.T) {
	f := newFixture(t)
	f.fill(t, 12)
	f.invalidate(0, 1, 2)

	// One valid block is above the regular threshold of a 4-block zone.
	f.engine.TriggerReclaim()
	n, err := f.engine.Reclaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)

	f.invalidate(3)
	n, err = f.engine.Reclaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, f.mig.pending)

	// A victim without valid blocks is reset as soon as the engine unpins it.
	require.NoError(t, f.md.Sweep(context.Background()))
	assert.Equal(t, zone.StateEmpty, f.md.Zones()[0].State())
	assert.False(t, f.engine.has(BitReclaiming))
}

func TestMigrationFailureMarksFaulty(t *testing.T) {
	f := newFixture(t)
	f.fill(t, 12)
	f.invalidate(4)
	f.mig.err = errors.New("read failed")

	f.engine.TriggerEmergency()
	_, err := f.engine.Reclaim(context.Background())
	require.Error(t, err)
	assert.True(t, f.state.Faulty())
	assert.True(t, f.engine.has(BitFaulty))

	n, err := f.engine.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentReclaimTakesOneVictim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fill(t, 12)
	f.invalidate(4, 5, 6, 8)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.mig.hook = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	type result struct {
		n   int
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	f.engine.TriggerEmergency()
	go func() {
		n, err := f.engine.Reclaim(ctx)
		first <- result{n, err}
	}()
	<-entered

	go func() {
		n, err := f.engine.Reclaim(ctx)
		second <- result{n, err}
	}()
	select {
	case r := <-second:
		t.Fatalf("second pass ran beside the first: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.n)
	r = <-second
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.n, "the first victim is still pinned")

	reclaiming := 0
	for _, z := range f.md.Zones() {
		switch z.State() {
		case zone.StateReclaiming, zone.StateReclaimed:
			reclaiming++
		}
	}
	assert.Equal(t, 1, reclaiming)
	assert.Equal(t, int64(1), f.engine.Snapshot().Current)
	assert.Equal(t, int64(1), f.engine.Snapshot().Cycles)
}

func TestRunReactsToTrigger(t *testing.T) {
	f := newFixture(t)
	f.fill(t, 12)
	f.invalidate(8, 9, 10, 11)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return f.engine.has(BitReady) }, time.Second, time.Millisecond)
	f.engine.TriggerEmergency()
	require.Eventually(t, func() bool { return f.engine.Snapshot().Cycles == 1 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, f.engine.has(BitExited))
	assert.False(t, f.engine.has(BitReady))
}
