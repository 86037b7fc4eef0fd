// Package wal defines the log record attached to every physical block write.
// The record travels with the block in the device's per-block metadata area,
// which turns the zones themselves into the write-ahead log: replaying the
// records of all written slots rebuilds the forward map after a restart.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/ictstorage/lbz/internal/base"
)

// RecordSize is the metadata area reserved per physical block.
const RecordSize = 64

// Type tags the operation that produced a physical block.
type Type uint32

const (
	TypeNone Type = iota
	TypeTxChild
	TypeTxFather
	TypeSuperblock
	TypeUserWrite
	TypeGCWrite
	TypeDiscard
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeTxChild:
		return "tx-child"
	case TypeTxFather:
		return "tx-father"
	case TypeSuperblock:
		return "superblock"
	case TypeUserWrite:
		return "user-write"
	case TypeGCWrite:
		return "gc-write"
	case TypeDiscard:
		return "discard"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Carries reports whether a record of this type holds block content for its
// logical id.
func (t Type) Carries() bool {
	switch t {
	case TypeTxChild, TypeTxFather, TypeUserWrite, TypeGCWrite:
		return true
	}
	return false
}

var (
	ErrShortRecord = errors.New("wal: short record")
	ErrChecksum    = errors.New("wal: checksum mismatch")
	ErrEmpty       = errors.New("wal: empty record")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record layout, little endian:
//
//	[0:8]   timestamp
//	[8:16]  transaction id
//	[16:20] logical block id
//	[20:24] logical block id released by a transaction, 0 otherwise
//	[24:28] type
//	[28:32] crc32c over bytes [0:28] followed by the block payload
//	[32:64] reserved
type Record struct {
	Timestamp base.SeqNum
	TxID      base.SeqNum
	Block     base.BlockID
	FreeBlock base.BlockID
	Type      Type
	CRC       uint32
}

// Encode writes r into dst and seals it with a checksum over the header and
// payload. dst must hold at least RecordSize bytes.
func (r *Record) Encode(dst []byte, payload []byte) error {
	if len(dst) < RecordSize {
		return errors.Wrapf(ErrShortRecord, "encode into %d bytes", len(dst))
	}
	clear(dst[:RecordSize])
	binary.LittleEndian.PutUint64(dst[0:], uint64(r.Timestamp))
	binary.LittleEndian.PutUint64(dst[8:], uint64(r.TxID))
	binary.LittleEndian.PutUint32(dst[16:], uint32(r.Block))
	binary.LittleEndian.PutUint32(dst[20:], uint32(r.FreeBlock))
	binary.LittleEndian.PutUint32(dst[24:], uint32(r.Type))
	r.CRC = checksum(dst[:28], payload)
	binary.LittleEndian.PutUint32(dst[28:], r.CRC)
	return nil
}

// Decode parses src into a Record without verifying the payload checksum.
// A zeroed metadata area decodes to ErrEmpty.
func Decode(src []byte) (Record, error) {
	if len(src) < RecordSize {
		return Record{}, errors.Wrapf(ErrShortRecord, "decode %d bytes", len(src))
	}
	r := Record{
		Timestamp: base.SeqNum(binary.LittleEndian.Uint64(src[0:])),
		TxID:      base.SeqNum(binary.LittleEndian.Uint64(src[8:])),
		Block:     base.BlockID(binary.LittleEndian.Uint32(src[16:])),
		FreeBlock: base.BlockID(binary.LittleEndian.Uint32(src[20:])),
		Type:      Type(binary.LittleEndian.Uint32(src[24:])),
		CRC:       binary.LittleEndian.Uint32(src[28:]),
	}
	if r.Type == TypeNone && r.Timestamp == 0 {
		return Record{}, ErrEmpty
	}
	return r, nil
}

// Verify checks the record checksum against the header bytes in src and the
// block payload.
func Verify(src []byte, payload []byte) error {
	r, err := Decode(src)
	if err != nil {
		return err
	}
	if sum := checksum(src[:28], payload); sum != r.CRC {
		return errors.Wrapf(ErrChecksum, "%v: stored %08x computed %08x", r.Block, r.CRC, sum)
	}
	return nil
}

func checksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, castagnoli, header)
	return crc32.Update(crc, castagnoli, payload)
}
