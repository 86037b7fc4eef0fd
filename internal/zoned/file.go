package zoned

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/wal"
)

const (
	HeaderFileName = "zoned.hdr"
	DataFileName   = "zoned.dat"
	MetaFileName   = "zoned.meta"

	headerSize    = 48
	headerVersion = 1
)

var headerMagic = [8]byte{'L', 'B', 'Z', 'Z', 'O', 'N', 'E', 'D'}

var (
	ErrNotFormatted = errors.New("zoned: directory holds no zoned device")
	ErrBadHeader    = errors.New("zoned: corrupt device header")
)

// File implements Device on three files inside one directory: a header with
// the geometry and device id, a data file written with direct I/O, and a
// metadata file holding one log record per block. Zone state is not stored;
// it is derived from the metadata file when the device is opened.
type File struct {
	*table

	id     uuid.UUID
	dir    string
	data   *os.File
	meta   *os.File
	direct bool

	// blocks holds aligned buffers for direct I/O transfers.
	blocks sync.Pool
}

var _ Device = (*File)(nil)

// Format creates a new device in dir, which is created if it does not exist.
// An existing device in dir is overwritten.
func Format(dir string, geo Geometry) (uuid.UUID, error) {
	if err := geo.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return uuid.Nil, errors.Wrap(err, "create device directory")
	}

	id := uuid.New()
	if err := os.WriteFile(filepath.Join(dir, HeaderFileName), encodeHeader(geo, id), 0644); err != nil {
		return uuid.Nil, errors.Wrap(err, "write header")
	}

	sizes := map[string]int64{
		DataFileName: int64(geo.Bytes()),
		MetaFileName: int64(geo.Blocks()) * wal.RecordSize,
	}
	for name, size := range sizes {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
		if err != nil {
			return uuid.Nil, errors.Wrapf(err, "create %s", name)
		}
		err = multierr.Append(f.Truncate(size), f.Close())
		if err != nil {
			return uuid.Nil, errors.Wrapf(err, "size %s", name)
		}
	}
	glog.Infof("zoned: formatted %s: %d zones of %d blocks (capacity %d), id %s",
		dir, geo.Zones, geo.ZoneBlocks, geo.ZoneCapacity, id)
	return id, nil
}

// OpenFile opens the device formatted in dir and rebuilds the zone state
// from the metadata records.
func OpenFile(dir string) (_ *File, err error) {
	hdr, err := os.ReadFile(filepath.Join(dir, HeaderFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFormatted, dir)
		}
		return nil, errors.Wrap(err, "read header")
	}
	geo, id, err := decodeHeader(hdr)
	if err != nil {
		return nil, err
	}

	d := &File{
		table: newTable(geo),
		id:    id,
		dir:   dir,
		blocks: sync.Pool{New: func() any {
			return directio.AlignedBlock(base.BlockSize)
		}},
	}

	d.data, d.direct, err = openData(filepath.Join(dir, DataFileName))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = d.data.Close()
		}
	}()

	d.meta, err = os.OpenFile(filepath.Join(dir, MetaFileName), os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open metadata file")
	}
	defer func() {
		if err != nil {
			_ = d.meta.Close()
		}
	}()

	if err = d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

// openData opens the data file with O_DIRECT. File systems without direct
// I/O support (tmpfs, some overlays) fall back to buffered I/O.
func openData(name string) (*os.File, bool, error) {
	f, err := directio.OpenFile(name, os.O_RDWR, 0644)
	if err == nil {
		return f, true, nil
	}
	glog.Warningf("zoned: direct I/O unavailable for %s, using buffered I/O: %v", name, err)
	f, err = os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		return nil, false, errors.Wrap(err, "open data file")
	}
	return f, false, nil
}

// load derives write pointers and conditions from the metadata file. A slot
// counts as written when it holds a record.
func (d *File) load() error {
	buf := make([]byte, int(d.geo.ZoneCapacity)*wal.RecordSize)
	for zone := uint32(0); zone < d.geo.Zones; zone++ {
		off := int64(d.geo.ZoneStart(zone)) * wal.RecordSize
		if _, err := d.meta.ReadAt(buf, off); err != nil {
			return errors.Wrapf(err, "scan metadata of zone %d", zone)
		}
		for slot := uint32(0); slot < d.geo.ZoneCapacity; slot++ {
			rec := buf[int(slot)*wal.RecordSize : int(slot+1)*wal.RecordSize]
			if _, err := wal.Decode(rec); err == nil {
				d.restore(zone, slot)
			}
		}
	}
	return nil
}

// ID returns the device id assigned at format time.
func (d *File) ID() uuid.UUID {
	return d.id
}

// Direct reports whether the data file is accessed with direct I/O.
func (d *File) Direct() bool {
	return d.direct
}

func (d *File) Geometry() Geometry {
	return d.geo
}

func (d *File) ReportZones(context.Context) ([]ZoneInfo, error) {
	return d.report()
}

func (d *File) Append(_ context.Context, pbid base.PhysID, data, meta []byte) error {
	if err := d.markAppend(pbid, data, meta); err != nil {
		return err
	}
	block := d.blocks.Get().([]byte)
	defer d.blocks.Put(block)
	copy(block, data)
	if _, err := d.data.WriteAt(block, int64(pbid)<<base.BlockShift); err != nil {
		return errors.Wrapf(err, "write %v", pbid)
	}
	// The record goes last so that a record on disk implies its block.
	if _, err := d.meta.WriteAt(meta, int64(pbid)*wal.RecordSize); err != nil {
		return errors.Wrapf(err, "write record of %v", pbid)
	}
	return nil
}

func (d *File) ReadBlock(_ context.Context, pbid base.PhysID, data []byte) error {
	if err := d.checkRead(pbid, data, base.BlockSize); err != nil {
		return err
	}
	block := d.blocks.Get().([]byte)
	defer d.blocks.Put(block)
	if _, err := d.data.ReadAt(block, int64(pbid)<<base.BlockShift); err != nil {
		return errors.Wrapf(err, "read %v", pbid)
	}
	copy(data, block)
	return nil
}

func (d *File) ReadMeta(_ context.Context, pbid base.PhysID, meta []byte) error {
	if err := d.checkRead(pbid, meta, wal.RecordSize); err != nil {
		return err
	}
	if _, err := d.meta.ReadAt(meta, int64(pbid)*wal.RecordSize); err != nil {
		return errors.Wrapf(err, "read record of %v", pbid)
	}
	return nil
}

func (d *File) CloseZone(_ context.Context, zone uint32) error {
	return d.closeZone(zone)
}

// ResetZone rewinds the zone and erases its records. Block contents are left
// in place; without a record they are unreachable.
func (d *File) ResetZone(_ context.Context, zone uint32) error {
	if err := d.resetZone(zone); err != nil {
		return err
	}
	zero := make([]byte, int(d.geo.ZoneBlocks)*wal.RecordSize)
	if _, err := d.meta.WriteAt(zero, int64(d.geo.ZoneStart(zone))*wal.RecordSize); err != nil {
		return errors.Wrapf(err, "erase records of zone %d", zone)
	}
	return nil
}

func (d *File) Close() error {
	if !d.shut() {
		return nil
	}
	return multierr.Combine(
		d.meta.Sync(),
		d.data.Sync(),
		d.meta.Close(),
		d.data.Close(),
	)
}

func encodeHeader(geo Geometry, id uuid.UUID) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], headerMagic[:])
	binary.LittleEndian.PutUint32(buf[8:], headerVersion)
	binary.LittleEndian.PutUint32(buf[12:], geo.Zones)
	binary.LittleEndian.PutUint32(buf[16:], geo.ZoneBlocks)
	binary.LittleEndian.PutUint32(buf[20:], geo.ZoneCapacity)
	copy(buf[24:40], id[:])
	binary.LittleEndian.PutUint32(buf[40:], crc32.ChecksumIEEE(buf[:40]))
	return buf
}

func decodeHeader(buf []byte) (Geometry, uuid.UUID, error) {
	if len(buf) < headerSize || !bytes.Equal(buf[0:8], headerMagic[:]) {
		return Geometry{}, uuid.Nil, errors.Wrap(ErrBadHeader, "magic")
	}
	if sum := crc32.ChecksumIEEE(buf[:40]); sum != binary.LittleEndian.Uint32(buf[40:]) {
		return Geometry{}, uuid.Nil, errors.Wrap(ErrBadHeader, "checksum")
	}
	if v := binary.LittleEndian.Uint32(buf[8:]); v != headerVersion {
		return Geometry{}, uuid.Nil, errors.Wrapf(ErrBadHeader, "version %d", v)
	}
	geo := Geometry{
		Zones:        binary.LittleEndian.Uint32(buf[12:]),
		ZoneBlocks:   binary.LittleEndian.Uint32(buf[16:]),
		ZoneCapacity: binary.LittleEndian.Uint32(buf[20:]),
	}
	id, err := uuid.FromBytes(buf[24:40])
	if err != nil {
		return Geometry{}, uuid.Nil, errors.Wrap(ErrBadHeader, err.Error())
	}
	return geo, id, geo.Validate()
}
