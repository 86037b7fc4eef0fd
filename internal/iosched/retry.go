package iosched

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/ictstorage/lbz/internal/base"
)

func (s *Scheduler) queueRetry(t *Task) {
	t.setStatus(StatusRetry)
	if !s.push(&s.retries, t) {
		s.drop(t, base.ErrDeviceClosed)
	}
}

func (s *Scheduler) queueGCWrite(t *Task) {
	if !s.push(&s.gcWrites, t) {
		s.drop(t, base.ErrDeviceClosed)
	}
}

func (s *Scheduler) push(q *[]*Task, t *Task) bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		return false
	}
	*q = append(*q, t)
	return true
}

func (s *Scheduler) pending() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.retries) + len(s.gcWrites)
}

func (s *Scheduler) take() (retries, gcWrites []*Task) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	retries, gcWrites = s.retries, s.gcWrites
	s.retries, s.gcWrites = nil, nil
	return retries, gcWrites
}

// Kick wakes the retry worker.
func (s *Scheduler) Kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) kickAfter(d time.Duration) {
	if d <= 0 {
		s.Kick()
		return
	}
	time.AfterFunc(d, s.Kick)
}

// Run drives the retry queues until ctx is canceled. Tasks still queued on
// exit fail with ErrDeviceClosed.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown(base.ErrDeviceClosed)
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		s.Pass(ctx)
	}
}

// Pass retries every queued task once, user writes first.
func (s *Scheduler) Pass(ctx context.Context) {
	s.passes.Add(1)
	if s.state.Faulty() {
		retries, gcWrites := s.take()
		s.dropAll(retries, gcWrites, base.ErrDeviceFaulty)
		return
	}

	retries, gcWrites := s.take()
	for _, t := range retries {
		s.resume(ctx, t)
	}
	for _, t := range gcWrites {
		s.migrate(ctx, t)
	}
}

func (s *Scheduler) shutdown(err error) {
	s.qmu.Lock()
	s.closed = true
	s.qmu.Unlock()

	retries, gcWrites := s.take()
	if n := len(retries) + len(gcWrites); n > 0 {
		glog.Warningf("iosched: dropping %d queued tasks", n)
	}
	s.dropAll(retries, gcWrites, err)
}

func (s *Scheduler) dropAll(retries, gcWrites []*Task, err error) {
	for _, t := range retries {
		s.drop(t, err)
	}
	for _, t := range gcWrites {
		s.drop(t, err)
	}
}

// drop retires a queued task without running it.
func (s *Scheduler) drop(t *Task, err error) {
	if t.Kind == KindGC {
		s.retireMigration(t, err)
		return
	}
	s.retire(t, err)
}
