package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/gc"
	"github.com/ictstorage/lbz/internal/iosched"
	"github.com/ictstorage/lbz/internal/zone"
)

func TestDefaultMatchesPackageDefaults(t *testing.T) {
	c := Default()

	if diff := cmp.Diff(zone.DefaultConfig(), c.ZoneConfig()); diff != "" {
		t.Errorf("zone config (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(gc.DefaultConfig(), c.GCConfig()); diff != "" {
		t.Errorf("gc config (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(iosched.DefaultConfig(), c.SchedulerConfig()); diff != "" {
		t.Errorf("scheduler config (-want +got):\n%s", diff)
	}
	assert.Equal(t, 5*time.Second, c.Zone.SweepInterval)
	assert.True(t, c.TxRules().Checkpoint.Empty())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lbz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
zone:
  reserve_blocks: 128
  low_watermark: 5
  high_watermark: 10
gc:
  interval: 2s
tx:
  checkpoint_start: 0
  checkpoint_end: 64
  duplicate_start: 64
  duplicate_end: 128
device:
  path: /var/lib/lbz
  zones: 16
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(128), c.Zone.ReserveBlocks)
	assert.Equal(t, 5, c.Zone.LowWatermark)
	assert.Equal(t, 2*time.Second, c.GC.Interval)
	assert.Equal(t, 60*time.Second, c.GC.RegularInterval)
	assert.Equal(t, "/var/lib/lbz", c.Device.Path)
	assert.Equal(t, uint32(16), c.Device.Zones)

	rules := c.TxRules()
	assert.Equal(t, iosched.KindTxFather, rules.Classify(base.BlockID(10), true))
	assert.Equal(t, iosched.KindTxChild, rules.Classify(base.BlockID(100), false))
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LBZ_GC_INTERVAL", "7s")
	t.Setenv("LBZ_ZONE_HIGH_WATERMARK", "9")

	c, err := Load(filepath.Join("testdata", "missing.yaml"))
	require.Error(t, err, "a named file must exist")
	assert.Nil(t, c)

	c, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, c.GC.Interval)
	assert.Equal(t, 9, c.Zone.HighWatermark)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"watermark over 100": func(c *Config) { c.Zone.HighWatermark = 101 },
		"low above high":     func(c *Config) { c.Zone.LowWatermark = 50 },
		"negative reserve":   func(c *Config) { c.Zone.ReserveBlocks = -1 },
		"zero gc interval":   func(c *Config) { c.GC.Interval = 0 },
		"inverted tx range":  func(c *Config) { c.Tx.CheckpointStart = 10 },
		"too many blocks":    func(c *Config) { c.Device.LogicalBlocks = base.MaxBlocks + 1 },
	} {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}
