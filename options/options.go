// Package options configures the ember storage engine: directory layout,
// block and memtable sizing, compaction triggers, and sparse-index sampling.
package options

import (
	"strings"

	"go.uber.org/zap"

	"github.com/flashlog/ember/errs"
)

const (
	// DefaultBlockSize is the physical block size used by the WAL and SSTable
	// writers when BlockSize is left unset. Must fit a 16-bit size field.
	DefaultBlockSize = 32 * 1024

	// MinBlockSize is the smallest block size the engine accepts.
	MinBlockSize = 64

	// MaxBlockSize is the largest block size expressible with a 16-bit
	// per-fragment payload length field.
	MaxBlockSize = 1<<16 - 1

	// DefaultMemtableFlushThreshold is the approximate in-memory byte size at
	// which the memtable is frozen and flushed to a new segment.
	DefaultMemtableFlushThreshold = 5 * 1024 * 1024

	// DefaultSegmentCompactionThreshold is the number of on-disk segments at
	// which the compactor is triggered.
	DefaultSegmentCompactionThreshold = 8

	// DefaultMergedSegmentTargetBytes is the default MergedSegmentTargetBytes.
	// The compactor does not read it: a compaction always writes one segment.
	DefaultMergedSegmentTargetBytes = 5 * 1024 * 1024

	// DefaultSparseIndexSampleRate samples the first key of every block.
	DefaultSparseIndexSampleRate = 1
)

// Config holds every tunable the engine recognizes. Zero-value Configs are
// not directly usable; build one with New or Default.
type Config struct {
	// DataDir is the directory housing segment files and the WAL.
	DataDir string

	// BlockSize is the physical block size for the WAL and SSTable writers.
	BlockSize int

	// MemtableFlushThreshold is the soft trigger (in approximate bytes) for
	// freezing and flushing the memtable.
	MemtableFlushThreshold int64

	// SegmentCompactionThreshold is the segment count at which compaction
	// is triggered.
	SegmentCompactionThreshold int

	// MergedSegmentTargetBytes is an output-size setting for compaction. It
	// is carried on Config but not read by the compactor, which always
	// merges into a single segment of whatever size the data needs.
	MergedSegmentTargetBytes int64

	// SparseIndexSampleRate samples one key per N blocks (1 = every block).
	SparseIndexSampleRate int

	// Logger receives structured operational logs. A nop logger is used if nil.
	Logger *zap.Logger
}

// Option mutates a Config being built.
type Option func(*Config)

// Default returns a Config populated with every documented default, with
// DataDir left empty (callers must set it via WithDataDir or directly).
func Default() Config {
	return Config{
		BlockSize:                  DefaultBlockSize,
		MemtableFlushThreshold:     DefaultMemtableFlushThreshold,
		SegmentCompactionThreshold: DefaultSegmentCompactionThreshold,
		MergedSegmentTargetBytes:   DefaultMergedSegmentTargetBytes,
		SparseIndexSampleRate:      DefaultSparseIndexSampleRate,
		Logger:                     zap.NewNop(),
	}
}

// New builds a Config starting from Default and applying opts in order.
func New(dataDir string, opts ...Option) Config {
	cfg := Default()
	cfg.DataDir = dataDir
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithDataDir overrides the data directory.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		if dir = strings.TrimSpace(dir); dir != "" {
			c.DataDir = dir
		}
	}
}

// WithBlockSize overrides the physical block size. Values outside
// [MinBlockSize, MaxBlockSize] are ignored.
func WithBlockSize(size int) Option {
	return func(c *Config) {
		if size >= MinBlockSize && size <= MaxBlockSize {
			c.BlockSize = size
		}
	}
}

// WithMemtableFlushThreshold overrides the memtable flush trigger.
func WithMemtableFlushThreshold(bytes int64) Option {
	return func(c *Config) {
		if bytes > 0 {
			c.MemtableFlushThreshold = bytes
		}
	}
}

// WithSegmentCompactionThreshold overrides the segment-count compaction trigger.
func WithSegmentCompactionThreshold(n int) Option {
	return func(c *Config) {
		if n > 1 {
			c.SegmentCompactionThreshold = n
		}
	}
}

// WithMergedSegmentTargetBytes overrides the compactor's output-size hint.
func WithMergedSegmentTargetBytes(bytes int64) Option {
	return func(c *Config) {
		if bytes > 0 {
			c.MergedSegmentTargetBytes = bytes
		}
	}
}

// WithSparseIndexSampleRate overrides how many blocks separate sampled keys.
func WithSparseIndexSampleRate(rate int) Option {
	return func(c *Config) {
		if rate > 0 {
			c.SparseIndexSampleRate = rate
		}
	}
}

// WithLogger overrides the logger used for operational visibility.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}

// Validate checks that a Config is internally consistent, returning a
// descriptive error for the first problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errConfig("data_dir is required")
	}
	if c.BlockSize < MinBlockSize || c.BlockSize > MaxBlockSize {
		return errConfig("block_size_bytes must be between 64 and 65535")
	}
	if c.MemtableFlushThreshold <= 0 {
		return errConfig("memtable_flush_threshold_bytes must be positive")
	}
	if c.SegmentCompactionThreshold < 2 {
		return errConfig("segment_compaction_threshold must be at least 2")
	}
	if c.SparseIndexSampleRate <= 0 {
		return errConfig("sparse_index_sample_rate must be positive")
	}
	return nil
}

func errConfig(message string) error {
	return errs.New(errs.Invariant, message, nil)
}
