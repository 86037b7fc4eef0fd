package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	lbz "github.com/ictstorage/lbz/pkg"
)

var (
	configPath string
	devicePath string
)

var rootCmd = &cobra.Command{
	Use:   "lbz",
	Short: "Log-structured block translation for zoned devices",
	Long: `lbz exposes a zoned device as a random-write block device by appending
every write to a zone and remapping it, with a garbage collector reclaiming
zones whose blocks were overwritten.

The commands operate on a file-backed zoned device created with "lbz format".

Commands:
  format      Create a file-backed zoned device
  info        Show geometry, allocator, mapping and GC state
  write       Write a file or stdin at a block offset
  read        Read blocks to a file or stdout
  discard     Unmap a block range
  bench       Run a random overwrite workload`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog refuses to log before its flags were parsed.
		_ = flag.CommandLine.Parse(nil)
	},
}

// Execute runs the command selected by the process arguments.
func Execute() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func init() {
	_ = flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (default: lbz.yaml in ., $HOME/.lbz, /etc/lbz)")
	rootCmd.PersistentFlags().StringVar(&devicePath, "device", "", "directory of the file-backed device (overrides device.path)")
}

func loadConfig() (*lbz.Config, error) {
	cfg, err := lbz.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if devicePath != "" {
		cfg.Device.Path = devicePath
	}
	if cfg.Device.Path == "" {
		return nil, fmt.Errorf("no device: pass --device or set device.path")
	}
	return cfg, nil
}

func openDevice() (*lbz.Device, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return lbz.Open(cfg.Device.Path, lbz.WithConfig(cfg))
}

// closeDevice closes d and reports the error unless an earlier one is
// pending.
func closeDevice(d *lbz.Device, err *error) {
	if cerr := d.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
