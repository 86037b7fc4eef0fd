package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	lbz "github.com/ictstorage/lbz/pkg"
)

var infoZones bool

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show geometry, allocator, mapping and GC state",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runInfo())
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().BoolVar(&infoZones, "zones", false, "list every zone")
}

func runInfo() (err error) {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer closeDevice(d, &err)

	printStats(os.Stdout, d.Stats(), infoZones)
	return nil
}

func blocks(n int64) string {
	return fmt.Sprintf("%d (%s)", n, humanize.IBytes(uint64(max(n, 0))*lbz.BlockSize))
}

func printStats(out io.Writer, s lbz.Stats, zones bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "session\t%s\n", s.Session)
	fmt.Fprintf(w, "capacity\t%s\n", blocks(int64(s.Capacity)))
	fmt.Fprintf(w, "state\t%#x faulty=%t\n", s.Flags, s.Faulty)

	z := s.Zones
	fmt.Fprintf(w, "zoned blocks\t%s\n", blocks(z.Total))
	fmt.Fprintf(w, "allocable\t%s\n", blocks(z.Allocable))
	fmt.Fprintf(w, "reserved\t%s\n", blocks(z.Reserved))
	fmt.Fprintf(w, "budget\t%d (watermarks %d/%d)\n", z.Budget, z.LowWatermark, z.HighWatermark)
	fmt.Fprintf(w, "valid\t%s\n", blocks(z.Valid))
	fmt.Fprintf(w, "zones\t%d empty, %d full, %d active\n", z.EmptyCount, z.FullCount, z.ActiveCount)
	fmt.Fprintf(w, "zone closes/resets\t%d/%d\n", z.CloseTimes, z.ResetTimes)

	m := s.Mapping
	fmt.Fprintf(w, "mapped\t%s\n", blocks(m.Mapped))
	fmt.Fprintf(w, "mapping memory\t%s in %d leaves\n", humanize.IBytes(uint64(m.Bytes)), m.Leaves)

	fmt.Fprintf(w, "gc\t%v\n", s.GC)
	sc := s.Scheduler
	fmt.Fprintf(w, "scheduler\t%d in flight, %d retries, %d gc writes, ts %d, txid %d\n",
		sc.Inflight, sc.Retries, sc.GCWrites, sc.Timestamp, sc.TxID)

	c := s.Counters
	fmt.Fprintf(w, "user writes\t%s, %d errors, %d collided, %d deferred for space\n",
		humanize.Comma(c.UserWriteBlocks), c.UserWriteErrs, c.UserWriteCollisions, c.UserEncounterEmergency)
	fmt.Fprintf(w, "user reads\t%s, %d zero, %d errors\n", humanize.Comma(c.UserReadBlocks), c.UserReadZero, c.UserReadErrs)
	fmt.Fprintf(w, "discards\t%s\n", humanize.Comma(c.DiscardBlocks))
	fmt.Fprintf(w, "alloc retries\t%d user, %d gc\n", c.WriteAllocAgain, c.GCAllocAgain)
	fmt.Fprintf(w, "gc blocks\tread %d, written %d, agency %d, superseded %d, complete %d, discarded %d, reset %d\n",
		c.GCReadBlocks, c.GCWriteBlocks, c.GCAgencyBlocks, c.GCSupersededBlocks, c.GCCompleteBlocks, c.GCDiscardedBlocks, c.GCResetBlocks)
	fmt.Fprintf(w, "gc amplification\tread %d%%, write %d%%\n", c.GCReadPercent(), c.GCWritePercent())
	_ = w.Flush()

	if !zones {
		return
	}
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "zone\tstate\tstream\twp\tweight\tpending\trefs\tcond\t")
	for _, zi := range z.Zones {
		fmt.Fprintf(w, "%d\t%v\t%d\t%d\t%d\t%d\t%d\t%v\t\n",
			zi.ID, zi.State, zi.Stream, zi.WP, zi.Weight, zi.Pending, zi.Refs, zi.Cond)
	}
	_ = w.Flush()
}
