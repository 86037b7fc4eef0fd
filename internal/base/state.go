package base

import "sync/atomic"

// DeviceFlag is a bit in the device state word.
type DeviceFlag uint32

const (
	DeviceReady DeviceFlag = 1 << iota
	DeviceRemove
	DeviceFaulty
)

// DeviceState is shared by every component of one translated device. Once
// faulty, a device never becomes healthy again; new admissions fail and
// in-flight operations are allowed to drain.
type DeviceState struct {
	flags atomic.Uint32
}

func (s *DeviceState) set(f DeviceFlag) {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (s *DeviceState) clear(f DeviceFlag) {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (s *DeviceState) has(f DeviceFlag) bool {
	return s.flags.Load()&uint32(f) != 0
}

func (s *DeviceState) SetReady()   { s.set(DeviceReady) }
func (s *DeviceState) SetUnready() { s.clear(DeviceReady) }
func (s *DeviceState) SetRemove()  { s.set(DeviceRemove) }

// SetFaulty marks the device faulty and reports whether this call flipped the
// flag, so that the transition is logged once.
func (s *DeviceState) SetFaulty() bool {
	for {
		old := s.flags.Load()
		if old&uint32(DeviceFaulty) != 0 {
			return false
		}
		if s.flags.CompareAndSwap(old, old|uint32(DeviceFaulty)) {
			return true
		}
	}
}

func (s *DeviceState) Ready() bool  { return s.has(DeviceReady) }
func (s *DeviceState) Remove() bool { return s.has(DeviceRemove) }
func (s *DeviceState) Faulty() bool { return s.has(DeviceFaulty) }

// Flags returns the raw state word for diagnostics.
func (s *DeviceState) Flags() uint32 {
	return s.flags.Load()
}
