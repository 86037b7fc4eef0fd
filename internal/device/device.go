// Package device assembles the translation layer of one zoned device: the
// zone allocator, the mapping table, the I/O scheduler and the GC engine,
// together with their background workers.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/config"
	"github.com/ictstorage/lbz/internal/gc"
	"github.com/ictstorage/lbz/internal/iosched"
	"github.com/ictstorage/lbz/internal/mapping"
	"github.com/ictstorage/lbz/internal/stats"
	"github.com/ictstorage/lbz/internal/zone"
	"github.com/ictstorage/lbz/internal/zoned"
)

var (
	ErrCapacity     = errors.New("lbz: logical capacity exceeds the usable zoned space")
	ErrDrainTimeout = errors.New("lbz: in-flight I/O did not drain")
)

// Device is a block device with random-write semantics on top of a zoned
// device. It is safe for concurrent use.
type Device struct {
	session  uuid.UUID
	openedAt time.Time
	cfg      *config.Config

	dev      zoned.Device
	state    base.DeviceState
	counters stats.Counters

	md    *zone.Metadata
	table *mapping.Table
	sched *iosched.Scheduler
	gc    *gc.Engine

	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Open attaches to dev, rebuilds the mapping from the records on the device
// and starts the background workers. Ownership of dev passes to the returned
// Device; on error dev is left open.
func Open(ctx context.Context, dev zoned.Device, cfg *config.Config) (*Device, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	geo := dev.Geometry()
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		session:  uuid.New(),
		openedAt: time.Now(),
		cfg:      cfg,
		dev:      dev,
	}

	md, err := zone.New(ctx, dev, &d.state, cfg.ZoneConfig())
	if err != nil {
		return nil, err
	}
	d.md = md

	zs := md.Snapshot()
	usable := zs.Total - zs.Reserved
	if usable <= 0 {
		return nil, errors.Wrapf(ErrCapacity, "%d blocks with a reserve of %d", zs.Total, zs.Reserved)
	}
	capacity := cfg.Device.LogicalBlocks
	if capacity == 0 {
		capacity = uint64(usable)
	}
	if capacity > uint64(usable) {
		return nil, errors.Wrapf(ErrCapacity, "%d logical blocks, %d usable", capacity, usable)
	}
	if d.table, err = mapping.New(md, capacity); err != nil {
		return nil, err
	}

	d.sched = iosched.New(dev, md, d.table, &d.state, &d.counters, cfg.TxRules(), cfg.SchedulerConfig())
	d.gc = gc.New(md, d.sched, &d.state, &d.counters, cfg.GCConfig())
	d.sched.SetReclaimer(d.gc)
	md.OnReset(func(z *zone.Zone) {
		d.gc.ZoneReset(z)
		d.sched.Kick()
	})

	if err := d.replay(ctx); err != nil {
		return nil, errors.Wrap(err, "replay device log")
	}

	wctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group, wctx = errgroup.WithContext(wctx)
	d.group.Go(func() error { return md.Run(wctx, cfg.Zone.SweepInterval) })
	d.group.Go(func() error { return d.gc.Run(wctx) })
	d.group.Go(func() error { return d.sched.Run(wctx) })

	d.state.SetReady()
	glog.Infof("device: session %s: %s exposed over %d zones of %s, %d blocks mapped",
		d.session, humanize.IBytes(capacity<<base.BlockShift), geo.Zones,
		humanize.IBytes(uint64(geo.ZoneBlocks)<<base.BlockShift), d.table.Stats().Mapped)
	return d, nil
}

// Session identifies this attachment in logs and snapshots.
func (d *Device) Session() uuid.UUID {
	return d.session
}

// Capacity is the number of logical blocks exposed.
func (d *Device) Capacity() uint64 {
	return d.table.Capacity()
}

func (d *Device) Geometry() zoned.Geometry {
	return d.dev.Geometry()
}

// Write stores one block at id.
func (d *Device) Write(ctx context.Context, id base.BlockID, block []byte) error {
	return d.sched.Write(ctx, id, block, false)
}

// WriteFlush stores one block at id as a flushing write. Inside the
// checkpoint range it commits a new transaction.
func (d *Device) WriteFlush(ctx context.Context, id base.BlockID, block []byte) error {
	return d.sched.Write(ctx, id, block, true)
}

// Read fills block with the content of id. Unmapped blocks read as zeros.
func (d *Device) Read(ctx context.Context, id base.BlockID, block []byte) error {
	return d.sched.Read(ctx, id, block)
}

// Discard unmaps id. Later reads return zeros until id is written again.
func (d *Device) Discard(ctx context.Context, id base.BlockID) error {
	return d.sched.Discard(ctx, id)
}

// Reclaim runs one GC pass in the caller's goroutine and returns the number
// of zones it reclaimed.
func (d *Device) Reclaim(ctx context.Context) (int, error) {
	if d.state.Faulty() {
		return 0, base.ErrDeviceFaulty
	}
	return d.gc.Reclaim(ctx)
}

// Sweep closes drained zones and resets reclaimed ones without waiting for
// the sweep worker.
func (d *Device) Sweep(ctx context.Context) error {
	if d.state.Faulty() {
		return base.ErrDeviceFaulty
	}
	return d.md.Sweep(ctx)
}

// Faulty reports whether a physical I/O failure was observed.
func (d *Device) Faulty() bool {
	return d.state.Faulty()
}

// Close refuses new I/O, waits for in-flight operations, stops the workers
// and closes the zoned device. Calling Close more than once returns the
// result of the first call.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.close()
	})
	return d.closeErr
}

func (d *Device) close() error {
	d.state.SetRemove()
	err := d.drain()

	d.cancel()
	err = multierr.Append(err, d.group.Wait())
	d.state.SetUnready()
	err = multierr.Append(err, errors.Wrap(d.dev.Close(), "close zoned device"))

	s := d.counters.Snapshot()
	glog.Infof("device: session %s closed after %v: %d blocks written, %d read, %d migrated, %d reclaimed",
		d.session, time.Since(d.openedAt).Round(time.Millisecond),
		s.UserWriteBlocks, s.UserReadBlocks, s.GCWriteBlocks, s.GCResetBlocks)
	return err
}

// drain polls the in-flight gauges with exponential backoff until user reads,
// user writes and migrations have all completed.
func (d *Device) drain() error {
	lc := d.cfg.Lifecycle
	poll := lc.DrainPoll
	var deadline time.Time
	if lc.DrainTimeout > 0 {
		deadline = time.Now().Add(lc.DrainTimeout)
	}
	for {
		s := d.counters.Snapshot()
		if s.Quiescent() {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errors.Wrapf(ErrDrainTimeout, "%d writes, %d reads, %d migrations after %v",
				s.UserWriteInflight, s.UserReadInflight, s.GCInflight, lc.DrainTimeout)
		}
		glog.V(1).Infof("device: waiting for %d writes, %d reads, %d migrations",
			s.UserWriteInflight, s.UserReadInflight, s.GCInflight)
		time.Sleep(poll)
		if poll *= 2; lc.DrainPollMax > 0 && poll > lc.DrainPollMax {
			poll = lc.DrainPollMax
		}
	}
}

// Stats is a point-in-time view of every component.
type Stats struct {
	Session   uuid.UUID
	OpenedAt  time.Time
	Flags     uint32
	Faulty    bool
	Capacity  uint64
	Counters  stats.Snapshot
	Zones     zone.Snapshot
	Mapping   mapping.Stats
	GC        gc.Snapshot
	Scheduler iosched.Snapshot
}

func (d *Device) Stats() Stats {
	return Stats{
		Session:   d.session,
		OpenedAt:  d.openedAt,
		Flags:     d.state.Flags(),
		Faulty:    d.state.Faulty(),
		Capacity:  d.table.Capacity(),
		Counters:  d.counters.Snapshot(),
		Zones:     d.md.Snapshot(),
		Mapping:   d.table.Stats(),
		GC:        d.gc.Snapshot(),
		Scheduler: d.sched.Snapshot(),
	}
}
