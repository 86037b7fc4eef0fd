package base

import "sync/atomic"

// SeqNum is a monotonically increasing stamp carried by every log record
// written to the zoned device. Each physical write receives a fresh
// timestamp, so among several records claiming the same logical block the
// record with the highest timestamp holds the current content. Timestamps
// survive a restart because attach resumes the clock after the newest record
// found on the device.
//
// Transaction ids share the type. A transaction father record draws a new id
// and its child records reuse the current one, which ties a batch of writes
// to the flush that committed them.
type SeqNum uint64

type AtomicSeqNum struct {
	value atomic.Uint64
}

// Load atomically loads and returns the stored SeqNum.
func (asn *AtomicSeqNum) Load() SeqNum {
	return SeqNum(asn.value.Load())
}

// Store atomically stores s.
func (asn *AtomicSeqNum) Store(s SeqNum) {
	asn.value.Store(uint64(s))
}

// Next atomically increments asn and returns the new value.
func (asn *AtomicSeqNum) Next() SeqNum {
	return SeqNum(asn.value.Add(1))
}

// Advance raises asn to at least s. It is used when replaying records whose
// stamps were issued by an earlier session.
func (asn *AtomicSeqNum) Advance(s SeqNum) {
	for {
		cur := asn.value.Load()
		if cur >= uint64(s) || asn.value.CompareAndSwap(cur, uint64(s)) {
			return
		}
	}
}
