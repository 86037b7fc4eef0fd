package iosched

import (
	"context"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/zone"
)

// SubmitMigration reads the block at pbid out of victim and queues its
// rewrite. The migration holds a pin on victim until it retires. Only a
// failed read is reported; the rewrite runs on the retry worker.
func (s *Scheduler) SubmitMigration(ctx context.Context, victim *zone.Zone, pbid base.PhysID, id base.BlockID) error {
	if s.state.Faulty() {
		return base.ErrDeviceFaulty
	}

	t := newTask(KindGC, id)
	t.src, t.srcZone = pbid, victim.Get()
	t.data = make([]byte, base.BlockSize)
	s.counters.GCInflight.Add(1)

	t.setStatus(StatusGCReading)
	if err := s.dev.ReadBlock(ctx, pbid, t.data); err != nil {
		s.counters.GCReadErrs.Add(1)
		err = s.fail(errors.Wrapf(err, "gc read %v at %v", id, pbid))
		s.finishMigration(t, err)
		return err
	}
	s.counters.GCReadBlocks.Add(1)

	s.queueGCWrite(t)
	s.kickAfter(s.cfg.GCWriteDelay)
	return nil
}

// migrate runs the write half of a migration on the retry worker.
func (s *Scheduler) migrate(ctx context.Context, t *Task) {
	if t.Status() == StatusGCReading {
		if owner, ok := s.idx.insertOrAttach(t); !ok {
			// The owner rewrites or discards the block, which leaves
			// nothing to migrate.
			glog.V(2).Infof("iosched: migration of %v handed to %v", t.ID, owner)
			s.counters.GCAgencyBlocks.Add(1)
			return
		}

		cur := s.table.Peek(t.ID)
		switch {
		case !cur.Valid():
			s.counters.GCDiscardedBlocks.Add(1)
			s.retireMigration(t, nil)
			return
		case cur != t.src:
			s.counters.GCCompleteBlocks.Add(1)
			s.retireMigration(t, nil)
			return
		}
		t.setStatus(StatusAllocRes)
	}

	z, pbid, err := s.allocate(t, zone.PurposeGC, &s.counters.GCAllocAgain)
	if err != nil {
		if zone.Retryable(err) {
			glog.Warningf("iosched: migration of %v: %v", t.ID, err)
			s.reclaimer.TriggerEmergency()
			s.queueGCWrite(t)
			return
		}
		s.retireMigration(t, err)
		return
	}
	t.dstZone, t.dst = z, pbid

	t.setStatus(StatusGCWriting)
	if err := s.dispatch(ctx, t); err != nil {
		s.retireMigration(t, err)
		return
	}
	s.counters.GCWriteBlocks.Add(1)

	// Admission keeps writers away from t.ID, so the map still points at
	// the source unless the device was torn down underneath.
	if s.table.Peek(t.ID) == t.src {
		s.table.Update(t.ID, t.dst)
		s.md.SetReverse(z, t.dst, t.ID)
		s.md.SetReverse(t.srcZone, t.src, base.InvalidBlock)
		s.md.Release(t.srcZone)
	} else {
		s.md.Release(z)
	}
	s.md.CompleteWrite(z)
	z.Put()
	s.retireMigration(t, nil)
}

func (s *Scheduler) retireMigration(t *Task, err error) {
	s.supersede(s.idx.remove(t), err)
	s.finishMigration(t, err)
	if s.pending() > 0 {
		s.kickAfter(s.cfg.WriteDelay)
	}
}

// supersede finishes the migrations that waited on a retired owner. They
// share a failure of the owner and are superseded otherwise.
func (s *Scheduler) supersede(deps []*Task, err error) {
	if err == nil {
		err = ErrSuperseded
	}
	for _, dep := range deps {
		s.finishMigration(dep, err)
	}
}

// finishMigration drops the victim pin of a migration that will not run any
// further. The last pin of a reclaimed victim lets the sweep reset it.
func (s *Scheduler) finishMigration(t *Task, err error) {
	switch {
	case errors.Is(err, ErrSuperseded):
		s.counters.GCSupersededBlocks.Add(1)
		glog.V(2).Infof("iosched: migration of %v: %v", t.ID, err)
	case err != nil:
		glog.V(1).Infof("iosched: migration of %v: %v", t.ID, err)
	}
	t.setStatus(StatusDone)
	t.srcZone.Put()
	t.srcZone = nil
	s.counters.GCInflight.Add(-1)
	t.done <- err
}
