package iosched

import (
	"fmt"
	"sync/atomic"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/wal"
	"github.com/ictstorage/lbz/internal/zone"
)

// Kind is the operation a task performs.
type Kind uint8

const (
	KindUserWrite Kind = iota
	KindTxFather
	KindTxChild
	KindGC
	KindDiscard
)

func (k Kind) String() string {
	switch k {
	case KindUserWrite:
		return "user-write"
	case KindTxFather:
		return "tx-father"
	case KindTxChild:
		return "tx-child"
	case KindGC:
		return "gc"
	case KindDiscard:
		return "discard"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// record returns the log record type written for the kind.
func (k Kind) record() wal.Type {
	switch k {
	case KindTxFather:
		return wal.TypeTxFather
	case KindTxChild:
		return wal.TypeTxChild
	case KindGC:
		return wal.TypeGCWrite
	case KindDiscard:
		return wal.TypeDiscard
	default:
		return wal.TypeUserWrite
	}
}

// Status is the protocol step a task reached.
type Status uint32

const (
	StatusInit Status = iota
	StatusAllocRes
	StatusGCReading
	StatusGCWriting
	StatusIOWriting
	StatusDispatch
	StatusRetry
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusAllocRes:
		return "alloc-res"
	case StatusGCReading:
		return "gc-reading"
	case StatusGCWriting:
		return "gc-writing"
	case StatusIOWriting:
		return "io-writing"
	case StatusDispatch:
		return "dispatch"
	case StatusRetry:
		return "retry"
	case StatusDone:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Task is one in-flight operation against a logical block. At most one task
// per logical id is admitted to the index at a time.
type Task struct {
	Kind Kind
	ID   base.BlockID

	status atomic.Uint32
	// admitted is set while the task owns the index entry of ID.
	admitted bool
	// first is cleared once the task has been queued for retry.
	first bool
	// deferred is set once an allocation of the task ran out of space.
	deferred bool

	// src is the slot a migration copies from. srcZone carries the pin the
	// migration holds on its victim.
	src     base.PhysID
	srcZone *zone.Zone

	dst     base.PhysID
	dstZone *zone.Zone

	data []byte
	meta [wal.RecordSize]byte

	// dependents are migrations of the same id that arrived while this
	// task was admitted. Guarded by the index lock.
	dependents []*Task

	done chan error
}

func newTask(kind Kind, id base.BlockID) *Task {
	t := &Task{
		Kind:  kind,
		ID:    id,
		src:   base.InvalidPhys,
		dst:   base.InvalidPhys,
		first: true,
		done:  make(chan error, 1),
	}
	t.status.Store(uint32(StatusInit))
	return t
}

func (t *Task) Status() Status {
	return Status(t.status.Load())
}

func (t *Task) setStatus(s Status) {
	t.status.Store(uint32(s))
}

func (t *Task) String() string {
	return fmt.Sprintf("%v %v %v", t.Kind, t.ID, t.Status())
}
