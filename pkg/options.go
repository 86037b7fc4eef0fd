package lbz

import (
	"github.com/ictstorage/lbz/internal/base"
	"github.com/ictstorage/lbz/internal/config"
)

// Config is the full set of device tunables.
type Config = config.Config

// DefaultConfig returns the built-in tunables.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads tunables from path, or from the default search locations
// when path is empty, with LBZ_* environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

type options struct {
	cfg *Config
}

type Option interface {
	apply(*options)
}

type OptionFunc func(*options)

func (f OptionFunc) apply(o *options) {
	f(o)
}

// WithConfig replaces the default tunables. The options that follow it are
// applied on top.
func WithConfig(cfg *Config) Option {
	return OptionFunc(func(o *options) {
		c := *cfg
		o.cfg = &c
	})
}

// WithLogicalBlocks sets the exposed capacity in blocks.
func WithLogicalBlocks(n uint64) Option {
	return OptionFunc(func(o *options) {
		o.cfg.Device.LogicalBlocks = n
	})
}

// WithReserve sets how many blocks are withheld from user writes for GC.
func WithReserve(blocks int64) Option {
	return OptionFunc(func(o *options) {
		o.cfg.Zone.ReserveBlocks = blocks
	})
}

// WithTransactions declares the checkpoint and duplicate block ranges of a
// transactional consumer, as half-open [start, end) ranges.
func WithTransactions(checkpointStart, checkpointEnd, duplicateStart, duplicateEnd uint32) Option {
	return OptionFunc(func(o *options) {
		o.cfg.Tx = config.Tx{
			CheckpointStart: checkpointStart,
			CheckpointEnd:   checkpointEnd,
			DuplicateStart:  duplicateStart,
			DuplicateEnd:    duplicateEnd,
		}
	})
}

func resolve(opts []Option) *Config {
	o := options{cfg: config.Default()}
	for _, opt := range opts {
		opt.apply(&o)
	}
	return o.cfg
}

// BlockSize is the unit of every device operation.
const BlockSize = base.BlockSize
