package zoned

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/wal"
)

var testGeometry = Geometry{Zones: 4, ZoneBlocks: 16, ZoneCapacity: 12}

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, base.BlockSize)
}

func record(t *testing.T, id base.BlockID, payload []byte) []byte {
	meta := make([]byte, wal.RecordSize)
	r := wal.Record{Timestamp: 1, Block: id, Type: wal.TypeUserWrite}
	require.NoError(t, r.Encode(meta, payload))
	return meta
}

func exerciseDevice(t *testing.T, dev Device) {
	ctx := context.Background()
	geo := dev.Geometry()

	start := geo.ZoneStart(1)
	require.NoError(t, dev.Append(ctx, start+1, block(2), record(t, 9, block(2))))
	require.NoError(t, dev.Append(ctx, start, block(1), record(t, 8, block(1))))

	zones, err := dev.ReportZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), zones[1].WP)
	assert.Equal(t, CondImplicitOpen, zones[1].Cond)
	assert.Equal(t, CondEmpty, zones[0].Cond)

	buf := make([]byte, base.BlockSize)
	require.NoError(t, dev.ReadBlock(ctx, start+1, buf))
	assert.Equal(t, block(2), buf)

	meta := make([]byte, wal.RecordSize)
	require.NoError(t, dev.ReadMeta(ctx, start+1, meta))
	r, err := wal.Decode(meta)
	require.NoError(t, err)
	assert.Equal(t, base.BlockID(9), r.Block)

	err = dev.Append(ctx, start, block(3), record(t, 10, block(3)))
	assert.ErrorIs(t, err, ErrOverwrite)

	err = dev.Append(ctx, start+base.PhysID(geo.ZoneCapacity), block(3), record(t, 10, block(3)))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	require.NoError(t, dev.CloseZone(ctx, 1))
	zones, err = dev.ReportZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, CondClosed, zones[1].Cond)

	require.NoError(t, dev.ResetZone(ctx, 1))
	zones, err = dev.ReportZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), zones[1].WP)
	assert.Equal(t, CondEmpty, zones[1].Cond)
	require.NoError(t, dev.Append(ctx, start, block(4), record(t, 11, block(4))))
}

func TestMemoryDevice(t *testing.T) {
	dev, err := NewMemory(testGeometry)
	require.NoError(t, err)
	defer dev.Close()

	exerciseDevice(t, dev)
}

func TestMemoryFillsZone(t *testing.T) {
	ctx := context.Background()
	dev, err := NewMemory(testGeometry)
	require.NoError(t, err)
	defer dev.Close()

	for i := uint32(0); i < testGeometry.ZoneCapacity; i++ {
		require.NoError(t, dev.Append(ctx, base.PhysID(i), block(byte(i)), record(t, base.BlockID(i), block(byte(i)))))
	}
	zones, err := dev.ReportZones(ctx)
	require.NoError(t, err)
	assert.Equal(t, CondFull, zones[0].Cond)
	assert.Equal(t, testGeometry.ZoneCapacity, zones[0].WP)

	err = dev.Append(ctx, base.PhysID(testGeometry.ZoneBlocks-1), block(0), record(t, 0, block(0)))
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMemoryFaultInjection(t *testing.T) {
	ctx := context.Background()
	dev, err := NewMemory(testGeometry)
	require.NoError(t, err)
	defer dev.Close()

	dev.FailNext(OpRead, 1)
	buf := make([]byte, base.BlockSize)
	assert.ErrorIs(t, dev.ReadBlock(ctx, 0, buf), ErrInjected)
	assert.NoError(t, dev.ReadBlock(ctx, 0, buf))

	var seen []base.PhysID
	dev.SetHook(OpAppend, func(pbid base.PhysID) { seen = append(seen, pbid) })
	require.NoError(t, dev.Append(ctx, 3, block(1), record(t, 1, block(1))))
	assert.Equal(t, []base.PhysID{3}, seen)

	dev.SetOffline(2)
	err = dev.Append(ctx, testGeometry.ZoneStart(2), block(1), record(t, 1, block(1)))
	assert.ErrorIs(t, err, ErrZoneState)
}

func TestFileDevice(t *testing.T) {
	dir := t.TempDir()
	id, err := Format(dir, testGeometry)
	require.NoError(t, err)

	dev, err := OpenFile(dir)
	require.NoError(t, err)
	assert.Equal(t, id, dev.ID())
	assert.Equal(t, testGeometry, dev.Geometry())

	exerciseDevice(t, dev)
	require.NoError(t, dev.Close())

	// Zone state is rebuilt from the records left by the exercise.
	dev, err = OpenFile(dir)
	require.NoError(t, err)
	defer dev.Close()

	zones, err := dev.ReportZones(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), zones[1].WP)
	assert.Equal(t, CondClosed, zones[1].Cond)

	buf := make([]byte, base.BlockSize)
	require.NoError(t, dev.ReadBlock(context.Background(), testGeometry.ZoneStart(1), buf))
	assert.Equal(t, block(4), buf)
}

func TestOpenUnformatted(t *testing.T) {
	_, err := OpenFile(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFormatted)
}

func TestGeometryValidate(t *testing.T) {
	assert.NoError(t, testGeometry.Validate())
	assert.ErrorIs(t, Geometry{Zones: 1, ZoneBlocks: 4, ZoneCapacity: 5}.Validate(), ErrGeometry)
	assert.ErrorIs(t, Geometry{}.Validate(), ErrGeometry)

	zone, off := testGeometry.Locate(35)
	assert.Equal(t, uint32(2), zone)
	assert.Equal(t, uint32(3), off)
}
