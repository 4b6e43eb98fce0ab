package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// SyncPolicy selects the WAL durability strategy.
type SyncPolicy string

const (
	// SyncNone leaves durability to the OS page cache.
	SyncNone SyncPolicy = "none"
	// SyncEveryN fsyncs after every N appended records.
	SyncEveryN SyncPolicy = "every-n-writes"
	// SyncInterval fsyncs when the configured interval has elapsed
	// since the last sync.
	SyncInterval SyncPolicy = "interval"
)

// Storage bounds one vnode's resource usage.
type Storage struct {
	// DataDir is the root under which <tenant>.<database>/<vnode> lives.
	DataDir string `yaml:"data_dir"`
	// WalDir is the root of the per-vnode WAL directories.
	WalDir string `yaml:"wal_dir"`

	// CacheMaxBufferSize freezes the active memtable when reached.
	CacheMaxBufferSize string `yaml:"cache_max_buffer_size"`
	// WalMaxFileSize rotates the current WAL file when exceeded.
	WalMaxFileSize string `yaml:"wal_max_file_size"`
	// MaxDataFileSize rolls compaction output files when exceeded.
	MaxDataFileSize string `yaml:"max_data_file_size"`

	WalSyncPolicy   SyncPolicy    `yaml:"wal_sync_policy"`
	WalSyncEveryN   int           `yaml:"wal_sync_every_n"`
	WalSyncInterval time.Duration `yaml:"wal_sync_interval"`

	// SnapshotHoldingTime keeps a created snapshot cached so repeated
	// fetches are O(1).
	SnapshotHoldingTime time.Duration `yaml:"snapshot_holding_time"`

	// HotWindow is the age beyond which flushed rows are written to a
	// delta file instead of a level-0 TSM file.
	HotWindow time.Duration `yaml:"hot_window"`

	CompactionParallelism int `yaml:"compaction_parallelism"`
	// CompactTriggerFileNum schedules a compaction when a level holds
	// at least this many files.
	CompactTriggerFileNum int `yaml:"compact_trigger_file_num"`
	MaxLevel              int `yaml:"max_level"`

	// BloomBitsPerSeries sizes the per-file series bloom filter from
	// the expected series count.
	BloomBitsPerSeries  int `yaml:"bloom_bits_per_series"`
	ExpectedSeriesCount int `yaml:"expected_series_count"`

	// EntryCacheSize bounds the raft entry LRU per vnode.
	EntryCacheSize int `yaml:"entry_cache_size"`
}

// Raft configures the vnode consensus group.
type Raft struct {
	NodeID    string        `yaml:"node_id"`
	BindAddr  string        `yaml:"bind_addr"`
	Bootstrap bool          `yaml:"bootstrap"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Config is the process configuration.
type Config struct {
	LogLevel    string  `yaml:"log_level"`
	LogJSON     bool    `yaml:"log_json"`
	MetricsAddr string  `yaml:"metrics_addr"`
	Storage     Storage `yaml:"storage"`
	Raft        Raft    `yaml:"raft"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		LogJSON:     true,
		MetricsAddr: ":9920",
		Storage: Storage{
			DataDir:               "./data",
			WalDir:                "./wal",
			CacheMaxBufferSize:    "128MB",
			WalMaxFileSize:        "1GB",
			MaxDataFileSize:       "2GB",
			WalSyncPolicy:         SyncEveryN,
			WalSyncEveryN:         1,
			WalSyncInterval:       3 * time.Second,
			SnapshotHoldingTime:   3600 * time.Second,
			HotWindow:             24 * time.Hour,
			CompactionParallelism: 4,
			CompactTriggerFileNum: 4,
			MaxLevel:              4,
			BloomBitsPerSeries:    10,
			ExpectedSeriesCount:   100_000,
			EntryCacheSize:        256,
		},
		Raft: Raft{
			BindAddr: "127.0.0.1:9930",
			Timeout:  10 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks size strings and bounds.
func (c *Config) Validate() error {
	for name, s := range map[string]string{
		"cache_max_buffer_size": c.Storage.CacheMaxBufferSize,
		"wal_max_file_size":     c.Storage.WalMaxFileSize,
		"max_data_file_size":    c.Storage.MaxDataFileSize,
	} {
		if _, err := datasize.ParseString(s); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, s, err)
		}
	}
	if c.Storage.WalSyncPolicy == SyncEveryN && c.Storage.WalSyncEveryN < 1 {
		return fmt.Errorf("wal_sync_every_n must be >= 1")
	}
	if c.Storage.MaxLevel < 1 {
		return fmt.Errorf("max_level must be >= 1")
	}
	return nil
}

// CacheMaxBufferBytes returns the parsed memtable bound.
func (s *Storage) CacheMaxBufferBytes() uint64 { return mustBytes(s.CacheMaxBufferSize) }

// WalMaxFileBytes returns the parsed WAL rotation bound.
func (s *Storage) WalMaxFileBytes() uint64 { return mustBytes(s.WalMaxFileSize) }

// MaxDataFileBytes returns the parsed data-file roll bound.
func (s *Storage) MaxDataFileBytes() uint64 { return mustBytes(s.MaxDataFileSize) }

func mustBytes(s string) uint64 {
	v, err := datasize.ParseString(s)
	if err != nil {
		return 0
	}
	return v.Bytes()
}
