// Package iosched serializes I/O against logical blocks and drives the
// write, read, discard and migration protocols on top of the zone allocator
// and the forward map.
//
// A write is admitted into an index keyed by logical id. A second write to
// the same id waits in the retry queue until the first one retired; a
// migration that collides with a write becomes a dependent of that write and
// is dropped when the write retires, since the write moves the block away
// from the victim anyway. Allocation failures caused by a shortage of space
// are retried by a background worker after asking GC for an emergency pass.
package iosched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/mapping"
	"github.com/ictstorage/lbz/internal/stats"
	"github.com/ictstorage/lbz/internal/wal"
	"github.com/ictstorage/lbz/internal/zone"
	"github.com/ictstorage/lbz/internal/zoned"
)

var (
	// ErrBlockSize reports a buffer that is not exactly one block.
	ErrBlockSize = errors.New("lbz: buffer is not one block")
	// ErrSuperseded is the outcome of a migration retired by the write it
	// was handed to. The write moved the block off the victim.
	ErrSuperseded = errors.New("lbz: migration superseded by a write")
)

// Reclaimer is the GC surface writers use to ask for space.
type Reclaimer interface {
	TriggerEmergency()
	TriggerReclaim()
}

type nopReclaimer struct{}

func (nopReclaimer) TriggerEmergency() {}
func (nopReclaimer) TriggerReclaim()   {}

type Config struct {
	// RetryInterval is the period of the retry worker.
	RetryInterval time.Duration
	// WriteDelay and GCWriteDelay postpone the worker after a user write or a
	// migration was queued, so that bursts are handled in one pass.
	WriteDelay   time.Duration
	GCWriteDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryInterval: time.Second,
		GCWriteDelay:  10 * time.Millisecond,
	}
}

// Scheduler runs the I/O protocols of one device.
type Scheduler struct {
	dev      zoned.Device
	md       *zone.Metadata
	table    *mapping.Table
	state    *base.DeviceState
	counters *stats.Counters
	rules    TxRules
	cfg      Config

	reclaimer Reclaimer

	clock base.AtomicSeqNum
	txid  base.AtomicSeqNum

	idx *index

	// qmu guards the retry queues and closed.
	qmu      sync.Mutex
	retries  []*Task
	gcWrites []*Task
	closed   bool

	trigger chan struct{}
	passes  atomic.Int64
	zero    []byte
}

func New(dev zoned.Device, md *zone.Metadata, table *mapping.Table, state *base.DeviceState,
	counters *stats.Counters, rules TxRules, cfg Config) *Scheduler {
	return &Scheduler{
		dev:       dev,
		md:        md,
		table:     table,
		state:     state,
		counters:  counters,
		rules:     rules,
		cfg:       cfg,
		reclaimer: nopReclaimer{},
		idx:       newIndex(),
		trigger:   make(chan struct{}, 1),
		zero:      make([]byte, base.BlockSize),
	}
}

// SetReclaimer connects the scheduler to the GC engine.
func (s *Scheduler) SetReclaimer(r Reclaimer) {
	s.reclaimer = r
}

// Restore resumes the log clock after the newest record found on the device.
func (s *Scheduler) Restore(timestamp, txid base.SeqNum) {
	s.clock.Advance(timestamp)
	s.txid.Advance(txid)
}

func (s *Scheduler) check() error {
	switch {
	case s.state.Faulty():
		return base.ErrDeviceFaulty
	case s.state.Remove(), !s.state.Ready():
		return base.ErrDeviceClosed
	}
	return nil
}

// Write stores one block at id. flush marks a write that commits a
// transaction when id falls into the checkpoint range.
func (s *Scheduler) Write(ctx context.Context, id base.BlockID, block []byte, flush bool) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(block) != base.BlockSize {
		return errors.Wrapf(ErrBlockSize, "write %v: %d bytes", id, len(block))
	}
	if err := s.table.Check(id); err != nil {
		return err
	}

	t := newTask(s.rules.Classify(id, flush), id)
	t.data = make([]byte, base.BlockSize)
	copy(t.data, block)

	s.counters.UserWriteBlocks.Add(1)
	s.counters.UserWriteInflight.Add(1)
	s.submit(ctx, t)
	return s.wait(ctx, t)
}

// Discard unmaps id and releases its block. Discarding an unmapped id is a
// no-op.
func (s *Scheduler) Discard(ctx context.Context, id base.BlockID) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.table.Check(id); err != nil {
		return err
	}

	t := newTask(KindDiscard, id)
	t.data = s.zero

	s.counters.UserWriteInflight.Add(1)
	s.submit(ctx, t)
	return s.wait(ctx, t)
}

// Read fills block with the content of id, or zeros when id is unmapped.
func (s *Scheduler) Read(ctx context.Context, id base.BlockID, block []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(block) != base.BlockSize {
		return errors.Wrapf(ErrBlockSize, "read %v: %d bytes", id, len(block))
	}
	if err := s.table.Check(id); err != nil {
		return err
	}

	s.counters.UserReadBlocks.Add(1)
	s.counters.UserReadInflight.Add(1)
	defer s.counters.UserReadInflight.Add(-1)

	pbid, z, ok := s.table.Lookup(id)
	if !ok {
		clear(block)
		s.counters.UserReadZero.Add(1)
		return nil
	}
	defer z.Put()

	if err := s.dev.ReadBlock(ctx, pbid, block); err != nil {
		s.counters.UserReadErrs.Add(1)
		return s.fail(errors.Wrapf(err, "read %v at %v", id, pbid))
	}
	return nil
}

// wait blocks until t retired. A canceled ctx abandons the wait; the task
// still runs to completion in the background.
func (s *Scheduler) wait(ctx context.Context, t *Task) error {
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit runs the first attempt of a write-like task in the caller's
// goroutine.
func (s *Scheduler) submit(ctx context.Context, t *Task) {
	if _, ok := s.idx.insert(t); !ok {
		glog.V(2).Infof("iosched: %v collides with an admitted task", t)
		s.counters.UserWriteCollisions.Add(1)
		s.park(t)
		return
	}
	t.setStatus(StatusAllocRes)
	s.execute(ctx, t)
}

// resume continues a task taken from the retry queue.
func (s *Scheduler) resume(ctx context.Context, t *Task) {
	if !s.idx.owns(t) {
		if _, ok := s.idx.insert(t); !ok {
			s.queueRetry(t)
			return
		}
		t.setStatus(StatusAllocRes)
	}
	s.execute(ctx, t)
}

// park queues t for the retry worker. Only a first attempt wakes the worker;
// a task that failed again inside a pass waits for the next tick or reset.
func (s *Scheduler) park(t *Task) {
	kick := t.first
	t.first = false
	s.queueRetry(t)
	if kick {
		s.kickAfter(s.cfg.WriteDelay)
	}
}

// execute runs a write-like task from allocation to completion.
func (s *Scheduler) execute(ctx context.Context, t *Task) {
	if t.Kind == KindDiscard && !s.table.Peek(t.ID).Valid() {
		s.retire(t, nil)
		return
	}

	purpose := zone.PurposeUser
	if t.Kind == KindDiscard || s.idx.hasDependents(t) {
		// Discards free space, and a write with a pending migration
		// supersedes it. Both may use the GC reserve.
		purpose = zone.PurposeGC
	}
	z, pbid, err := s.allocate(t, purpose, &s.counters.WriteAllocAgain)
	if err != nil {
		if zone.Retryable(err) {
			glog.V(2).Infof("iosched: %v: %v", t, err)
			if !t.deferred {
				t.deferred = true
				s.counters.UserEncounterEmergency.Add(1)
			}
			s.reclaimer.TriggerEmergency()
			s.park(t)
			return
		}
		s.retire(t, err)
		return
	}
	if s.md.NeedReclaimHigh() {
		s.reclaimer.TriggerReclaim()
	}
	t.dstZone, t.dst = z, pbid

	t.setStatus(StatusIOWriting)
	if err := s.dispatch(ctx, t); err != nil {
		s.retire(t, err)
		return
	}

	if t.Kind == KindDiscard {
		s.unmap(t)
	} else {
		s.remap(t)
	}
	s.md.CompleteWrite(z)
	z.Put()
	s.retire(t, nil)
}

// allocate reserves a slot on the task's stream and falls back to the other
// streams when that stream has no zone left.
func (s *Scheduler) allocate(t *Task, purpose zone.Purpose, again *atomic.Int64) (*zone.Zone, base.PhysID, error) {
	stream := s.rules.Stream(t)
	z, pbid, err := s.md.Allocate(stream, purpose)
	if !errors.Is(err, zone.ErrExhausted) {
		return z, pbid, err
	}
	for i := 0; i < base.MaxStreams; i++ {
		if i == stream {
			continue
		}
		if z, pbid, e := s.md.Allocate(i, purpose); e == nil {
			again.Add(1)
			return z, pbid, nil
		}
	}
	return nil, base.InvalidPhys, err
}

// dispatch seals the log record and appends the block. A failed append
// marks the device faulty and gives the slot back.
func (s *Scheduler) dispatch(ctx context.Context, t *Task) error {
	r := wal.Record{
		Timestamp: s.clock.Next(),
		Block:     t.ID,
		Type:      t.Kind.record(),
	}
	switch t.Kind {
	case KindTxFather:
		r.TxID = s.txid.Next()
	case KindTxChild:
		r.TxID = s.txid.Load()
	}
	if err := r.Encode(t.meta[:], t.data); err != nil {
		return s.abort(t, err)
	}

	t.setStatus(StatusDispatch)
	if err := s.dev.Append(ctx, t.dst, t.data, t.meta[:]); err != nil {
		if t.Kind == KindGC {
			s.counters.GCWriteErrs.Add(1)
		}
		return s.abort(t, errors.Wrapf(err, "append %v at %v", t.ID, t.dst))
	}
	return nil
}

func (s *Scheduler) abort(t *Task, err error) error {
	s.md.Release(t.dstZone)
	s.md.CompleteWrite(t.dstZone)
	t.dstZone.Put()
	t.dstZone, t.dst = nil, base.InvalidPhys
	return s.fail(err)
}

// remap points the forward map at the freshly written slot and releases the
// slot it replaced.
func (s *Scheduler) remap(t *Task) {
	old := s.table.Update(t.ID, t.dst)
	if old.Valid() {
		oz := s.md.Zone(old)
		s.md.SetReverse(oz, old, base.InvalidBlock)
		s.md.Release(oz)
	}
	s.md.SetReverse(t.dstZone, t.dst, t.ID)
}

// unmap completes a discard. The slot holding the discard record carries no
// data and is released at once.
func (s *Scheduler) unmap(t *Task) {
	if old := s.table.Remove(t.ID); old.Valid() {
		oz := s.md.Zone(old)
		s.md.SetReverse(oz, old, base.InvalidBlock)
		s.md.Release(oz)
		s.counters.DiscardBlocks.Add(1)
	}
	s.md.Release(t.dstZone)
}

// retire removes t from the index, drops the migrations that waited on it
// and reports err to the submitter.
func (s *Scheduler) retire(t *Task, err error) {
	s.supersede(s.idx.remove(t), err)
	t.setStatus(StatusDone)
	if err != nil {
		s.counters.UserWriteErrs.Add(1)
		glog.V(1).Infof("iosched: %v failed: %v", t, err)
	}
	s.counters.UserWriteInflight.Add(-1)
	t.done <- err

	if s.pending() > 0 {
		s.kickAfter(s.cfg.WriteDelay)
	}
}

func (s *Scheduler) fail(err error) error {
	if s.state.SetFaulty() {
		glog.Errorf("iosched: device faulty: %v", err)
	}
	return err
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Inflight  int
	Retries   int
	GCWrites  int
	Timestamp base.SeqNum
	TxID      base.SeqNum
	Passes    int64
}

func (s *Scheduler) Snapshot() Snapshot {
	s.qmu.Lock()
	retries, gcWrites := len(s.retries), len(s.gcWrites)
	s.qmu.Unlock()
	return Snapshot{
		Inflight:  s.idx.len(),
		Retries:   retries,
		GCWrites:  gcWrites,
		Timestamp: s.clock.Load(),
		TxID:      s.txid.Load(),
		Passes:    s.passes.Load(),
	}
}
