package device

import (
	"context"
	"runtime"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/wal"
	"github.com/ictstorage/lbz/internal/zone"
)

// replayed is the newest record seen for one logical block.
type replayed struct {
	pbid      base.PhysID
	timestamp base.SeqNum
	discard   bool
}

type replayStats struct {
	records int
	torn    int
	foreign int
}

// replay rebuilds the mapping table, the reverse maps and the zone weights
// from the record of every written slot. Among records of the same logical
// block the newest timestamp wins; a winning discard record leaves the block
// unmapped. Slots whose record fails its checksum are skipped.
func (d *Device) replay(ctx context.Context) error {
	var (
		mu     sync.Mutex
		latest = make(map[base.BlockID]replayed)
		clock  base.SeqNum
		txid   base.SeqNum
		total  replayStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, z := range d.md.Zones() {
		z := z // per-iteration copy (go directive is 1.21)
		switch z.State() {
		case zone.StateActive, zone.StateFull:
		default:
			continue
		}
		if z.WP() == 0 {
			continue
		}
		g.Go(func() error {
			found := make(map[base.BlockID]replayed)
			var zclock, ztxid base.SeqNum
			st, err := d.scanZone(gctx, z, func(pbid base.PhysID, rec wal.Record) {
				zclock = max(zclock, rec.Timestamp)
				ztxid = max(ztxid, rec.TxID)
				if cur, ok := found[rec.Block]; ok && cur.timestamp >= rec.Timestamp {
					return
				}
				found[rec.Block] = replayed{
					pbid:      pbid,
					timestamp: rec.Timestamp,
					discard:   rec.Type == wal.TypeDiscard,
				}
			})
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for id, r := range found {
				if cur, ok := latest[id]; ok && cur.timestamp >= r.timestamp {
					continue
				}
				latest[id] = r
			}
			clock = max(clock, zclock)
			txid = max(txid, ztxid)
			total.records += st.records
			total.torn += st.torn
			total.foreign += st.foreign
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	mapped := 0
	for id, r := range latest {
		if r.discard {
			continue
		}
		d.md.Adopt(r.pbid, id)
		d.table.Update(id, r.pbid)
		mapped++
	}
	d.sched.Restore(clock, txid)

	if total.torn > 0 || total.foreign > 0 {
		glog.Warningf("device: replay skipped %d torn and %d out of range records", total.torn, total.foreign)
	}
	glog.Infof("device: replayed %d records, %d blocks mapped, timestamp %d, txid %d",
		total.records, mapped, clock, txid)
	return nil
}

// scanZone calls fn for every slot below the write pointer of z that holds
// a verified record addressing the exposed capacity.
func (d *Device) scanZone(ctx context.Context, z *zone.Zone, fn func(base.PhysID, wal.Record)) (replayStats, error) {
	var st replayStats
	meta := make([]byte, wal.RecordSize)
	block := make([]byte, base.BlockSize)
	for off := uint32(0); off < z.WP(); off++ {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		pbid := z.Start + base.PhysID(off)
		if err := d.dev.ReadMeta(ctx, pbid, meta); err != nil {
			return st, errors.Wrapf(err, "read record of %v", pbid)
		}
		rec, err := wal.Decode(meta)
		if errors.Is(err, wal.ErrEmpty) {
			continue
		}
		if err != nil {
			return st, errors.Wrapf(err, "decode record of %v", pbid)
		}
		if err := d.dev.ReadBlock(ctx, pbid, block); err != nil {
			return st, errors.Wrapf(err, "read %v", pbid)
		}
		if err := wal.Verify(meta, block); err != nil {
			glog.V(1).Infof("device: zone %d: skip %v: %v", z.ID, pbid, err)
			st.torn++
			continue
		}
		if rec.Type != wal.TypeDiscard && !rec.Type.Carries() {
			continue
		}
		if d.table.Check(rec.Block) != nil {
			st.foreign++
			continue
		}
		st.records++
		fn(pbid, rec)
	}
	return st, nil
}
