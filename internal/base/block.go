package base

import "fmt"

const (
	// BlockShift is log2 of the logical and physical block size. The device
	// exposes 4 KiB blocks regardless of the upstream request granularity.
	BlockShift = 12
	BlockSize  = 1 << BlockShift

	// SectorShift converts between 512-byte sectors and blocks.
	SectorShift = 9

	// MaxDeviceBytes is the largest logical capacity the mapping table can
	// address.
	MaxDeviceBytes = 64 << 30
	MaxBlocks      = MaxDeviceBytes >> BlockShift

	// MaxStreams is the number of independent append streams. Each stream
	// owns one active zone.
	MaxStreams = 2
)

// BlockID addresses a logical block in the space exposed to the consumer.
type BlockID uint32

// PhysID addresses a physical block on the zoned device. Physical ids are
// block offsets from the start of the device, so the owning zone of a PhysID
// is PhysID / zone blocks.
type PhysID uint32

const (
	// InvalidBlock marks a reverse map slot that holds no logical block.
	InvalidBlock BlockID = 0xFFFFFFFF
	// InvalidPhys marks a logical block that is not mapped.
	InvalidPhys PhysID = 0xFFFFFFFF
)

func (id BlockID) Valid() bool {
	return id != InvalidBlock
}

func (id PhysID) Valid() bool {
	return id != InvalidPhys
}

func (id BlockID) String() string {
	if !id.Valid() {
		return "blk(invalid)"
	}
	return fmt.Sprintf("blk(%d)", uint32(id))
}

func (id PhysID) String() string {
	if !id.Valid() {
		return "pbid(invalid)"
	}
	return fmt.Sprintf("pbid(%d)", uint32(id))
}

// SectorToBlock converts a 512-byte sector address into a block address.
func SectorToBlock(sector uint64) uint64 {
	return sector >> (BlockShift - SectorShift)
}

// BlockToSector converts a block address into a 512-byte sector address.
func BlockToSector(block uint64) uint64 {
	return block << (BlockShift - SectorShift)
}
