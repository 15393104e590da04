// Package config holds the configuration of the transaction coordinator log.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"tclog/common"
)

type Config struct {
	LogLevel string `toml:"log-level"`
	// LogFile is written through a rotating sink, empty means stderr.
	LogFile       string `toml:"log-file"`
	LogMaxSizeMB  int    `toml:"log-max-size"`
	LogMaxBackups int    `toml:"log-max-backups"`
	LogMaxAgeDays int    `toml:"log-max-age"`
	LogJSON       bool   `toml:"log-json"`

	// MetricsAddr is where prometheus metrics are served, empty disables it.
	MetricsAddr string `toml:"metrics-addr"`

	Binlog BinlogConfig `toml:"binlog"`
	TCLog  TCLogConfig  `toml:"tc-log"`
}

type BinlogConfig struct {
	Enabled  bool     `toml:"enabled"`
	Dir      string   `toml:"dir"`
	BaseName string   `toml:"base-name"`
	MaxSize  ByteSize `toml:"max-size"`

	// The leader of a group commit waits until CommitWaitCount transactions are queued, but at most CommitWait.
	CommitWaitCount int      `toml:"commit-wait-count"`
	CommitWait      Duration `toml:"commit-wait"`

	// SyncPeriod syncs every N-th batch, 0 never syncs.
	SyncPeriod int    `toml:"sync-period"`
	ServerID   uint32 `toml:"server-id"`
	DomainID   uint32 `toml:"domain-id"`

	CheckpointWait Duration `toml:"checkpoint-wait"`
}

type TCLogConfig struct {
	Path string `toml:"path"`
	// Size is rounded down to whole pages.
	Size     ByteSize `toml:"size"`
	PageSize int      `toml:"page-size"`
	// CheckpointBatch is how many unlogged cookies wait for one engine checkpoint, 0 means a page worth.
	CheckpointBatch int      `toml:"checkpoint-batch"`
	OverflowWait    Duration `toml:"overflow-wait"`
}

// Pages is the number of pages the xid log file holds.
func (c *TCLogConfig) Pages() int {
	if c.PageSize <= 0 {
		return 0
	}
	return int(uint64(c.Size) / uint64(c.PageSize))
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		LogMaxSizeMB:  300,
		LogMaxBackups: 5,
		LogMaxAgeDays: 28,
		Binlog: BinlogConfig{
			Enabled:        true,
			Dir:            "binlog",
			BaseName:       "binlog",
			MaxSize:        ByteSize(common.DefaultMaxBinlogSize),
			SyncPeriod:     1,
			ServerID:       1,
			CheckpointWait: NewDuration(common.DefaultCheckpointWait),
		},
		TCLog: TCLogConfig{
			Path:         "tc.log",
			Size:         ByteSize(common.TCLogMinPages * common.TCLogPageSize),
			PageSize:     common.TCLogPageSize,
			OverflowWait: NewDuration(common.DefaultOverflowWait),
		},
	}
}

// Load reads path over the defaults. Keys the configuration does not know are an error.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.Errorf("config %s contains undefined items: %s", path, strings.Join(keys, ", "))
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	if c.Binlog.Enabled {
		if c.Binlog.Dir == "" {
			return fmt.Errorf("binlog dir must be set")
		}
		if c.Binlog.MaxSize == 0 {
			return fmt.Errorf("binlog max-size must be greater than 0")
		}
		if c.Binlog.CommitWaitCount < 0 || c.Binlog.SyncPeriod < 0 {
			return fmt.Errorf("binlog commit-wait-count and sync-period must not be negative")
		}
		if c.Binlog.CommitWait.Duration < 0 {
			return fmt.Errorf("binlog commit-wait must not be negative")
		}
	}

	if c.TCLog.Path == "" {
		return fmt.Errorf("tc-log path must be set")
	}
	if c.TCLog.PageSize < 16 || c.TCLog.PageSize%8 != 0 {
		return fmt.Errorf("tc-log page-size %d must be a multiple of 8 and at least 16", c.TCLog.PageSize)
	}
	if c.TCLog.Pages() < common.TCLogMinPages {
		return fmt.Errorf("tc-log size %d holds fewer than %d pages of %d bytes",
			c.TCLog.Size, common.TCLogMinPages, c.TCLog.PageSize)
	}
	if c.TCLog.CheckpointBatch < 0 {
		return fmt.Errorf("tc-log checkpoint-batch must not be negative")
	}

	return nil
}
