package iosched

import "github.com/ictstorage/lbz/internal/base"

// Streams separate short-lived user data from blocks expected to live long:
// migrated blocks already survived one reclaim, and transaction blocks are
// rewritten in place by their owner on every checkpoint.
const (
	StreamHot  = 0
	StreamCold = base.MaxStreams - 1
)

// Range is a half-open interval of logical ids.
type Range struct {
	Start base.BlockID
	End   base.BlockID
}

func (r Range) Contains(id base.BlockID) bool {
	return id >= r.Start && id < r.End
}

func (r Range) Empty() bool {
	return r.End <= r.Start
}

// TxRules classify writes issued by a transactional consumer. Flushing
// writes into the checkpoint range open a new transaction; writes into the
// duplicate range belong to the current one.
type TxRules struct {
	Checkpoint Range
	Duplicate  Range
}

// Classify returns the task kind of a write to id.
func (r TxRules) Classify(id base.BlockID, flush bool) Kind {
	switch {
	case r.Checkpoint.Contains(id):
		if flush {
			return KindTxFather
		}
		return KindUserWrite
	case r.Duplicate.Contains(id):
		return KindTxChild
	default:
		return KindUserWrite
	}
}

// Stream returns the preferred append stream of a task.
func (r TxRules) Stream(t *Task) int {
	switch {
	case t.Kind == KindGC:
		return StreamCold
	case r.Checkpoint.Contains(t.ID), r.Duplicate.Contains(t.ID):
		return StreamCold
	default:
		return StreamHot
	}
}
