// Package zoned describes the physical transport underneath the translation
// layer: a device split into fixed-size zones that can only be appended to and
// reset as a whole. Two emulated devices are provided, an in-memory device
// for tests and a file-backed device that uses direct I/O.
package zoned

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
)

var (
	// ErrBlockSize indicates that a buffer is not exactly one block (or one
	// metadata record) long.
	ErrBlockSize = errors.New("zoned: buffer is not one block")

	// ErrOutOfBounds indicates that a physical id lies outside the device or
	// beyond the usable capacity of its zone.
	ErrOutOfBounds = errors.New("zoned: block is out of bounds")

	// ErrOverwrite indicates an append to a slot that was already written
	// since the last zone reset.
	ErrOverwrite = errors.New("zoned: slot already written")

	// ErrZoneState indicates an operation the zone condition does not allow,
	// such as appending to a full, offline or read-only zone.
	ErrZoneState = errors.New("zoned: invalid zone condition")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("zoned: device closed")

	// ErrGeometry indicates an unusable zone layout.
	ErrGeometry = errors.New("zoned: invalid geometry")
)

// Cond is the condition a zoned device reports for a zone.
type Cond uint8

const (
	CondEmpty Cond = iota
	CondImplicitOpen
	CondExplicitOpen
	CondClosed
	CondFull
	CondOffline
	CondReadOnly
)

func (c Cond) String() string {
	switch c {
	case CondEmpty:
		return "empty"
	case CondImplicitOpen:
		return "implicit-open"
	case CondExplicitOpen:
		return "explicit-open"
	case CondClosed:
		return "closed"
	case CondFull:
		return "full"
	case CondOffline:
		return "offline"
	case CondReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("cond(%d)", uint8(c))
	}
}

// Geometry is the static zone layout of a device.
type Geometry struct {
	// Zones is the number of zones on the device.
	Zones uint32
	// ZoneBlocks is the length of every zone in blocks. Zone i starts at
	// physical block i*ZoneBlocks.
	ZoneBlocks uint32
	// ZoneCapacity is the number of writable blocks per zone. It may be less
	// than ZoneBlocks.
	ZoneCapacity uint32
}

// Blocks returns the addressable length of the device in blocks.
func (g Geometry) Blocks() uint64 {
	return uint64(g.Zones) * uint64(g.ZoneBlocks)
}

// Bytes returns the addressable length of the device in bytes.
func (g Geometry) Bytes() uint64 {
	return g.Blocks() << base.BlockShift
}

func (g Geometry) Validate() error {
	switch {
	case g.Zones == 0:
		return errors.Wrap(ErrGeometry, "no zones")
	case g.ZoneBlocks == 0:
		return errors.Wrap(ErrGeometry, "empty zones")
	case g.ZoneCapacity == 0 || g.ZoneCapacity > g.ZoneBlocks:
		return errors.Wrapf(ErrGeometry, "capacity %d with zone length %d", g.ZoneCapacity, g.ZoneBlocks)
	case g.Blocks() >= uint64(base.InvalidPhys):
		return errors.Wrapf(ErrGeometry, "%d blocks overflow physical ids", g.Blocks())
	}
	return nil
}

// ZoneStart returns the first physical block of zone.
func (g Geometry) ZoneStart(zone uint32) base.PhysID {
	return base.PhysID(uint64(zone) * uint64(g.ZoneBlocks))
}

// Locate splits a physical id into its zone and the offset inside the zone.
func (g Geometry) Locate(pbid base.PhysID) (zone uint32, offset uint32) {
	return uint32(pbid) / g.ZoneBlocks, uint32(pbid) % g.ZoneBlocks
}

// ZoneInfo is one entry of a zone report.
type ZoneInfo struct {
	ID       uint32
	Start    base.PhysID
	Len      uint32
	Capacity uint32
	// WP is the write pointer as an offset from Start.
	WP   uint32
	Cond Cond
}

// Device is the capability set the translation layer needs from a zoned
// device. Implementations must be safe for concurrent use.
//
// Append writes one block together with its metadata record into the slot
// the caller reserved. Slots of one zone may be appended out of order while
// the zone is open, as with zone append commands whose completion reports
// the location, but a slot can only be written once per zone reset.
type Device interface {
	Geometry() Geometry
	ReportZones(ctx context.Context) ([]ZoneInfo, error)
	Append(ctx context.Context, pbid base.PhysID, data, meta []byte) error
	ReadBlock(ctx context.Context, pbid base.PhysID, data []byte) error
	ReadMeta(ctx context.Context, pbid base.PhysID, meta []byte) error
	CloseZone(ctx context.Context, zone uint32) error
	ResetZone(ctx context.Context, zone uint32) error
	Close() error
}
