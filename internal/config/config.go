// Package config loads the tunables of a translated device. Values come from
// built-in defaults, an optional YAML or TOML file and LBZ_* environment
// variables, in increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/gc"
	"github.com/ictstorage/lbz/internal/iosched"
	"github.com/ictstorage/lbz/internal/zone"
)

// EnvPrefix is prepended to every environment override, e.g.
// LBZ_GC_INTERVAL=10s.
const EnvPrefix = "LBZ"

var ErrInvalid = errors.New("lbz: invalid configuration")

type Zone struct {
	// ReserveBlocks is withheld from user writes for GC. Zero reserves one
	// zone.
	ReserveBlocks        int64         `mapstructure:"reserve_blocks"`
	LowWatermark         int           `mapstructure:"low_watermark"`
	HighWatermark        int           `mapstructure:"high_watermark"`
	ZoneReclaimWatermark int           `mapstructure:"zone_reclaim_watermark"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

type GC struct {
	Interval        time.Duration `mapstructure:"interval"`
	RegularInterval time.Duration `mapstructure:"regular_interval"`
}

type Scheduler struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	WriteDelay    time.Duration `mapstructure:"write_delay"`
	GCWriteDelay  time.Duration `mapstructure:"gc_write_delay"`
}

// Tx describes the address ranges of a transactional consumer. Empty ranges
// turn every write into a plain user write.
type Tx struct {
	CheckpointStart uint32 `mapstructure:"checkpoint_start"`
	CheckpointEnd   uint32 `mapstructure:"checkpoint_end"`
	DuplicateStart  uint32 `mapstructure:"duplicate_start"`
	DuplicateEnd    uint32 `mapstructure:"duplicate_end"`
}

// Device is the geometry used when formatting a file-backed device.
type Device struct {
	Path         string `mapstructure:"path"`
	Zones        uint32 `mapstructure:"zones"`
	ZoneBlocks   uint32 `mapstructure:"zone_blocks"`
	ZoneCapacity uint32 `mapstructure:"zone_capacity"`
	// LogicalBlocks is the exposed capacity. Zero exposes the zoned
	// capacity minus the GC reserve.
	LogicalBlocks uint64 `mapstructure:"logical_blocks"`
}

type Lifecycle struct {
	// DrainPoll is the first poll interval while waiting for in-flight I/O
	// on close; it doubles up to DrainPollMax.
	DrainPoll    time.Duration `mapstructure:"drain_poll"`
	DrainPollMax time.Duration `mapstructure:"drain_poll_max"`
	// DrainTimeout bounds the wait. Zero waits forever.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type Config struct {
	Zone      Zone      `mapstructure:"zone"`
	GC        GC        `mapstructure:"gc"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Tx        Tx        `mapstructure:"tx"`
	Device    Device    `mapstructure:"device"`
	Lifecycle Lifecycle `mapstructure:"lifecycle"`
}

var defaults = map[string]any{
	"zone.reserve_blocks":         0,
	"zone.low_watermark":          2,
	"zone.high_watermark":         4,
	"zone.zone_reclaim_watermark": 1,
	"zone.sweep_interval":         5 * time.Second,

	"gc.interval":         30 * time.Second,
	"gc.regular_interval": 60 * time.Second,

	"scheduler.retry_interval": time.Second,
	"scheduler.write_delay":    time.Duration(0),
	"scheduler.gc_write_delay": 10 * time.Millisecond,

	"tx.checkpoint_start": 0,
	"tx.checkpoint_end":   0,
	"tx.duplicate_start":  0,
	"tx.duplicate_end":    0,

	"device.path":           "",
	"device.zones":          64,
	"device.zone_blocks":    4096,
	"device.zone_capacity":  4096,
	"device.logical_blocks": 0,

	"lifecycle.drain_poll":     time.Millisecond,
	"lifecycle.drain_poll_max": 100 * time.Millisecond,
	"lifecycle.drain_timeout":  time.Duration(0),
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	c, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads the configuration. An empty path searches lbz.{yaml,toml,...}
// in the working directory, $HOME/.lbz and /etc/lbz and falls back to the
// defaults when none exists; a named file must exist.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("lbz")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.lbz")
		v.AddConfigPath("/etc/lbz")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func percent(name string, v int) error {
	if v < 0 || v > 100 {
		return errors.Wrapf(ErrInvalid, "%s %d not in [0, 100]", name, v)
	}
	return nil
}

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return errors.Wrapf(ErrInvalid, "%s must be positive, got %v", name, d)
	}
	return nil
}

func (c *Config) Validate() error {
	checks := []error{
		percent("zone.low_watermark", c.Zone.LowWatermark),
		percent("zone.high_watermark", c.Zone.HighWatermark),
		percent("zone.zone_reclaim_watermark", c.Zone.ZoneReclaimWatermark),
		positive("zone.sweep_interval", c.Zone.SweepInterval),
		positive("gc.interval", c.GC.Interval),
		positive("gc.regular_interval", c.GC.RegularInterval),
		positive("scheduler.retry_interval", c.Scheduler.RetryInterval),
		positive("lifecycle.drain_poll", c.Lifecycle.DrainPoll),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	switch {
	case c.Zone.LowWatermark > c.Zone.HighWatermark:
		return errors.Wrapf(ErrInvalid, "low watermark %d above high watermark %d",
			c.Zone.LowWatermark, c.Zone.HighWatermark)
	case c.Zone.ReserveBlocks < 0:
		return errors.Wrapf(ErrInvalid, "negative reserve %d", c.Zone.ReserveBlocks)
	case c.Tx.CheckpointEnd < c.Tx.CheckpointStart, c.Tx.DuplicateEnd < c.Tx.DuplicateStart:
		return errors.Wrap(ErrInvalid, "transaction range ends before it starts")
	case c.Device.LogicalBlocks > base.MaxBlocks:
		return errors.Wrapf(ErrInvalid, "%d logical blocks exceed %d", c.Device.LogicalBlocks, uint64(base.MaxBlocks))
	}
	return nil
}

func (c *Config) ZoneConfig() zone.Config {
	return zone.Config{
		ReserveBlocks:        c.Zone.ReserveBlocks,
		LowWatermark:         c.Zone.LowWatermark,
		HighWatermark:        c.Zone.HighWatermark,
		ZoneReclaimWatermark: c.Zone.ZoneReclaimWatermark,
	}
}

func (c *Config) GCConfig() gc.Config {
	return gc.Config{
		Interval:        c.GC.Interval,
		RegularInterval: c.GC.RegularInterval,
	}
}

func (c *Config) SchedulerConfig() iosched.Config {
	return iosched.Config{
		RetryInterval: c.Scheduler.RetryInterval,
		WriteDelay:    c.Scheduler.WriteDelay,
		GCWriteDelay:  c.Scheduler.GCWriteDelay,
	}
}

func (c *Config) TxRules() iosched.TxRules {
	return iosched.TxRules{
		Checkpoint: iosched.Range{Start: base.BlockID(c.Tx.CheckpointStart), End: base.BlockID(c.Tx.CheckpointEnd)},
		Duplicate:  iosched.Range{Start: base.BlockID(c.Tx.DuplicateStart), End: base.BlockID(c.Tx.DuplicateEnd)},
	}
}
