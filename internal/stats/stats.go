// Package stats holds the I/O and GC counters of one translated device.
package stats

import "sync/atomic"

// Counters is shared by the scheduler, the GC engine and the device. All
// fields are updated atomically; in-flight counters are gauges and return to
// zero when the device is quiescent.
type Counters struct {
	UserWriteInflight atomic.Int64
	UserReadInflight  atomic.Int64
	GCInflight        atomic.Int64

	UserWriteBlocks atomic.Int64
	UserReadBlocks  atomic.Int64
	// UserReadZero counts reads of unmapped blocks answered with zeros.
	UserReadZero  atomic.Int64
	UserWriteErrs atomic.Int64
	UserReadErrs  atomic.Int64
	DiscardBlocks atomic.Int64

	// UserWriteCollisions counts user writes queued because another task
	// owned their logical id.
	UserWriteCollisions atomic.Int64
	// UserEncounterEmergency counts user writes deferred at least once for
	// lack of space.
	UserEncounterEmergency atomic.Int64
	WriteAllocAgain        atomic.Int64
	GCAllocAgain           atomic.Int64

	GCReadErrs  atomic.Int64
	GCWriteErrs atomic.Int64

	GCReadBlocks  atomic.Int64
	GCWriteBlocks atomic.Int64
	// GCAgencyBlocks counts migrations handed to a colliding write.
	GCAgencyBlocks atomic.Int64
	// GCSupersededBlocks counts migrations retired by the write they were
	// handed to.
	GCSupersededBlocks atomic.Int64
	// GCCompleteBlocks counts migrations skipped because the block was
	// rewritten after the victim scan.
	GCCompleteBlocks atomic.Int64
	// GCDiscardedBlocks counts migrations skipped because the block was
	// unmapped after the victim scan.
	GCDiscardedBlocks atomic.Int64
	// GCResetBlocks is the number of zone blocks handed back by GC.
	GCResetBlocks atomic.Int64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	UserWriteInflight int64
	UserReadInflight  int64
	GCInflight        int64

	UserWriteBlocks int64
	UserReadBlocks  int64
	UserReadZero    int64
	UserWriteErrs   int64
	UserReadErrs    int64
	DiscardBlocks   int64

	UserWriteCollisions    int64
	UserEncounterEmergency int64
	WriteAllocAgain        int64
	GCAllocAgain           int64

	GCReadErrs  int64
	GCWriteErrs int64

	GCReadBlocks      int64
	GCWriteBlocks     int64
	GCAgencyBlocks     int64
	GCSupersededBlocks int64
	GCCompleteBlocks   int64
	GCDiscardedBlocks  int64
	GCResetBlocks      int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		UserWriteInflight:      c.UserWriteInflight.Load(),
		UserReadInflight:       c.UserReadInflight.Load(),
		GCInflight:             c.GCInflight.Load(),
		UserWriteBlocks:        c.UserWriteBlocks.Load(),
		UserReadBlocks:         c.UserReadBlocks.Load(),
		UserReadZero:           c.UserReadZero.Load(),
		UserWriteErrs:          c.UserWriteErrs.Load(),
		UserReadErrs:           c.UserReadErrs.Load(),
		DiscardBlocks:          c.DiscardBlocks.Load(),
		UserWriteCollisions:    c.UserWriteCollisions.Load(),
		UserEncounterEmergency: c.UserEncounterEmergency.Load(),
		WriteAllocAgain:        c.WriteAllocAgain.Load(),
		GCAllocAgain:           c.GCAllocAgain.Load(),
		GCReadErrs:             c.GCReadErrs.Load(),
		GCWriteErrs:            c.GCWriteErrs.Load(),
		GCReadBlocks:           c.GCReadBlocks.Load(),
		GCWriteBlocks:          c.GCWriteBlocks.Load(),
		GCAgencyBlocks:         c.GCAgencyBlocks.Load(),
		GCSupersededBlocks:     c.GCSupersededBlocks.Load(),
		GCCompleteBlocks:       c.GCCompleteBlocks.Load(),
		GCDiscardedBlocks:      c.GCDiscardedBlocks.Load(),
		GCResetBlocks:          c.GCResetBlocks.Load(),
	}
}

// Quiescent reports whether no user or GC I/O was in flight.
func (s Snapshot) Quiescent() bool {
	return s.UserWriteInflight == 0 && s.UserReadInflight == 0 && s.GCInflight == 0
}

// GCReadPercent is the share of reclaimed zone blocks that had to be read
// for migration.
func (s Snapshot) GCReadPercent() int64 {
	if s.GCResetBlocks == 0 {
		return 0
	}
	return s.GCReadBlocks * 100 / s.GCResetBlocks
}

// GCWritePercent is the share of reclaimed zone blocks that were rewritten,
// i.e. the write amplification added by GC.
func (s Snapshot) GCWritePercent() int64 {
	if s.GCResetBlocks == 0 {
		return 0
	}
	return s.GCWriteBlocks * 100 / s.GCResetBlocks
}
