package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	lbz "github.com/ictstorage/lbz/pkg"
)

var (
	benchWorkers int
	benchWrites  int64
	benchSpan    int64
	benchVerbose bool
	benchMemory  bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a random overwrite workload",
	Long: `Overwrite random blocks of a working set from several goroutines and
report throughput together with the GC counters. With --memory the workload
runs against an in-memory device using the configured geometry.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runBench())
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntVarP(&benchWorkers, "workers", "w", 4, "concurrent writers")
	benchCmd.Flags().Int64VarP(&benchWrites, "writes", "n", 100000, "total block writes")
	benchCmd.Flags().Int64Var(&benchSpan, "span", 0, "working set in blocks (default: half the capacity)")
	benchCmd.Flags().BoolVar(&benchVerbose, "stats", false, "print the full device state afterwards")
	benchCmd.Flags().BoolVar(&benchMemory, "memory", false, "use an in-memory device")
}

func runBench() (err error) {
	var d *lbz.Device
	if benchMemory {
		cfg, err := lbz.LoadConfig(configPath)
		if err != nil {
			return err
		}
		d, err = lbz.OpenMemory(lbz.Geometry{
			Zones:        cfg.Device.Zones,
			ZoneBlocks:   cfg.Device.ZoneBlocks,
			ZoneCapacity: cfg.Device.ZoneCapacity,
		}, lbz.WithConfig(cfg))
		if err != nil {
			return err
		}
	} else if d, err = openDevice(); err != nil {
		return err
	}
	defer closeDevice(d, &err)

	capacity := d.Size() / lbz.BlockSize
	span := benchSpan
	if span <= 0 || span > capacity {
		span = max(capacity/2, 1)
	}

	ctx := context.Background()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	per := benchWrites / int64(benchWorkers)
	for w := 0; w < benchWorkers; w++ {
		w := w // per-iteration copy (go directive is 1.21)
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
			buf := make([]byte, lbz.BlockSize)
			for i := int64(0); i < per; i++ {
				rnd.Read(buf)
				block := rnd.Int63n(span)
				if _, err := d.WriteAtContext(gctx, buf, block*lbz.BlockSize); err != nil {
					return fmt.Errorf("block %d: %w", block, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	s := d.Stats()
	written := per * int64(benchWorkers)
	fmt.Printf("%s writes over %s in %v: %s IOPS, %s/s\n",
		humanize.Comma(written), humanize.IBytes(uint64(span)*lbz.BlockSize), elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(written)/elapsed.Seconds())),
		humanize.IBytes(uint64(float64(written*lbz.BlockSize)/elapsed.Seconds())))
	fmt.Printf("gc: %d zones reset, %s blocks migrated, %d%% of reclaimed blocks rewritten\n",
		s.Zones.ResetTimes, humanize.Comma(s.Counters.GCWriteBlocks), s.Counters.GCWritePercent())
	if benchVerbose {
		printStats(os.Stdout, s, false)
	}
	return nil
}
