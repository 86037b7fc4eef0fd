// Package gc reclaims zones whose blocks were mostly overwritten.
//
// The engine runs as a single goroutine. It wakes on a timer or on an
// explicit trigger, picks the full zone with the fewest valid blocks and
// hands every still-valid block to a Migrator. Once every migration has
// released its pin on the victim, the zone maintenance sweep resets it and
// calls ZoneReset, which lets the engine choose the next victim.
package gc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/stats"
	"github.com/ictstorage/lbz/internal/zone"
)

// Migrator copies one valid block out of a victim zone. The migration pins
// the victim itself and drops the pin when the block has been rewritten or
// found stale.
type Migrator interface {
	SubmitMigration(ctx context.Context, victim *zone.Zone, pbid base.PhysID, id base.BlockID) error
}

// Bit is one flag of the engine state word.
type Bit uint32

const (
	BitNormal Bit = 1 << iota
	BitFaulty
	// BitReclaiming asks for a regular pass and stays set until a victim has
	// been reset.
	BitReclaiming
	// BitEmergency asks for an emergency pass. It clears after a victim was
	// fully submitted.
	BitEmergency
	BitReady
	BitExit
	BitExited
)

var bitNames = []struct {
	bit  Bit
	name string
}{
	{BitNormal, "normal"},
	{BitFaulty, "faulty"},
	{BitReclaiming, "reclaiming"},
	{BitEmergency, "emergency"},
	{BitReady, "ready"},
	{BitExit, "exit"},
	{BitExited, "exited"},
}

func (b Bit) String() string {
	var names []string
	for _, n := range bitNames {
		if b&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Config controls the reclaim cadence.
type Config struct {
	// Interval is how long the engine sleeps when there is nothing to do.
	Interval time.Duration
	// RegularInterval forces a regular pass when no zone was reclaimed for
	// this long.
	RegularInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		RegularInterval: 60 * time.Second,
	}
}

// Engine is the reclaim loop of one device.
type Engine struct {
	md       *zone.Metadata
	mig      Migrator
	state    *base.DeviceState
	counters *stats.Counters
	cfg      Config

	bits    atomic.Uint32
	trigger chan struct{}

	// reclaimMu serializes passes of the worker and of direct callers.
	reclaimMu sync.Mutex

	// mu guards current and last.
	mu      sync.Mutex
	current *zone.Zone
	last    time.Time

	cycles atomic.Int64
	now    func() time.Time
}

func New(md *zone.Metadata, mig Migrator, state *base.DeviceState, counters *stats.Counters, cfg Config) *Engine {
	e := &Engine{
		md:       md,
		mig:      mig,
		state:    state,
		counters: counters,
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
	}
	e.last = e.now()
	e.set(BitNormal)
	return e
}

func (e *Engine) set(b Bit) {
	for {
		old := e.bits.Load()
		if old&uint32(b) == uint32(b) || e.bits.CompareAndSwap(old, old|uint32(b)) {
			return
		}
	}
}

func (e *Engine) clear(b Bit) {
	for {
		old := e.bits.Load()
		if old&uint32(b) == 0 || e.bits.CompareAndSwap(old, old&^uint32(b)) {
			return
		}
	}
}

func (e *Engine) has(b Bit) bool {
	return e.bits.Load()&uint32(b) != 0
}

func (e *Engine) wake() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// TriggerEmergency requests an emergency pass. Writers call it when an
// allocation ran out of budget or zones.
func (e *Engine) TriggerEmergency() {
	e.set(BitEmergency)
	e.wake()
}

// TriggerReclaim requests a regular pass. Writers call it when the budget
// fell under the high watermark.
func (e *Engine) TriggerReclaim() {
	e.set(BitReclaiming)
	e.wake()
}

// ZoneReset is called by the zone sweep after a reclaimed zone returned to
// the empty pool.
func (e *Engine) ZoneReset(z *zone.Zone) {
	e.mu.Lock()
	if e.current == z {
		e.current = nil
	}
	e.mu.Unlock()
	e.clear(BitReclaiming)
	e.wake()
}

// Run reclaims until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.set(BitReady)
	defer func() {
		e.clear(BitReady | BitExit)
		e.set(BitExited)
		glog.Infof("gc: exited after %d cycles", e.cycles.Load())
	}()

	timer := time.NewTimer(e.cfg.Interval)
	defer timer.Stop()
	for {
		if _, err := e.Reclaim(ctx); err != nil {
			glog.Errorf("gc: %v", err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.cfg.Interval)

		select {
		case <-ctx.Done():
			e.set(BitExit)
			return nil
		case <-timer.C:
		case <-e.trigger:
		}
	}
}

// Mode returns the pass the current state asks for.
func (e *Engine) Mode() zone.Mode {
	if e.has(BitEmergency) || e.md.NeedReclaimLow() {
		return zone.ModeEmergency
	}
	e.mu.Lock()
	idle := e.now().Sub(e.last)
	e.mu.Unlock()
	if idle > e.cfg.RegularInterval || e.has(BitReclaiming) {
		return zone.ModeRegular
	}
	return zone.ModeNone
}

func (e *Engine) busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return false
	}
	switch e.current.State() {
	case zone.StateReclaiming, zone.StateReclaimed:
		return true
	}
	e.current = nil
	return false
}

// Reclaim runs passes until no victim qualifies and returns the number of
// zones handed to migration. A migration failure marks the device faulty.
// Concurrent calls run one after the other.
func (e *Engine) Reclaim(ctx context.Context) (int, error) {
	e.reclaimMu.Lock()
	defer e.reclaimMu.Unlock()

	n := 0
	for ctx.Err() == nil {
		if e.state.Faulty() || e.has(BitFaulty) || e.has(BitExit) {
			return n, nil
		}
		mode := e.Mode()
		if mode == zone.ModeNone || e.busy() {
			return n, nil
		}
		victim := e.md.FindVictim(mode)
		if victim == nil {
			glog.V(2).Infof("gc: no %v victim, budget %d", mode, e.md.Budget())
			return n, nil
		}

		glog.Infof("gc: %v reclaim of zone %d, weight %d, stream %d, budget %d",
			mode, victim.ID, victim.Weight(), victim.Stream(), e.md.Budget())
		e.mu.Lock()
		e.current = victim
		e.mu.Unlock()

		if err := e.migrate(ctx, victim); err != nil {
			e.set(BitFaulty)
			if e.state.SetFaulty() {
				glog.Errorf("gc: device faulty: %v", err)
			}
			return n, err
		}
		n++
		e.cycles.Add(1)
		e.mu.Lock()
		e.last = e.now()
		e.mu.Unlock()
		e.clear(BitEmergency)
	}
	return n, nil
}

func (e *Engine) migrate(ctx context.Context, victim *zone.Zone) error {
	defer victim.Put()

	for off, id := range victim.Scan() {
		if !id.Valid() {
			continue
		}
		pbid := victim.Start + base.PhysID(off)
		if err := e.mig.SubmitMigration(ctx, victim, pbid, id); err != nil {
			return errors.Wrapf(err, "migrate %v from zone %d", id, victim.ID)
		}
	}
	e.counters.GCResetBlocks.Add(int64(victim.WP()))
	e.md.MarkReclaimed(victim)
	return nil
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	State   Bit
	Cycles  int64
	Last    time.Time
	Current int64
	Mode    zone.Mode
}

func (s Snapshot) String() string {
	return fmt.Sprintf("state %v, cycles %d, current %d, mode %v", s.State, s.Cycles, s.Current, s.Mode)
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	s := Snapshot{
		Last:    e.last,
		Current: -1,
	}
	if e.current != nil {
		s.Current = int64(e.current.ID)
	}
	e.mu.Unlock()
	s.State = Bit(e.bits.Load())
	s.Cycles = e.cycles.Load()
	s.Mode = e.Mode()
	return s
}
