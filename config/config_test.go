package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	dir, err := os.MkdirTemp("", "config")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "tclog.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig_Is_Valid(t *testing.T) {
	c := NewDefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 3, c.TCLog.Pages())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log-level = "debug"

[binlog]
dir = "/var/lib/tclog/binlog"
max-size = "1MiB"
commit-wait-count = 8
commit-wait = "2ms"
sync-period = 0

[tc-log]
size = "40KiB"
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, ByteSize(1<<20), c.Binlog.MaxSize)
	assert.Equal(t, 8, c.Binlog.CommitWaitCount)
	assert.Equal(t, 2*time.Millisecond, c.Binlog.CommitWait.Duration)
	assert.Equal(t, 0, c.Binlog.SyncPeriod)
	assert.Equal(t, 10*time.Second, c.Binlog.CheckpointWait.Duration)
	assert.Equal(t, 5, c.TCLog.Pages())
	assert.Equal(t, "tc.log", c.TCLog.Path)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "no-such-key = 1",
		"bad size":        "[binlog]\nmax-size = \"lots\"",
		"bad duration":    "[binlog]\ncommit-wait = \"soon\"",
		"bad level":       "log-level = \"loud\"",
		"too few pages":   "[tc-log]\nsize = \"16KiB\"",
		"odd page size":   "[tc-log]\npage-size = 100",
		"negative period": "[binlog]\nsync-period = -1",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestByteSize_Text(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("4096")))
	assert.Equal(t, ByteSize(4096), b)

	require.NoError(t, b.UnmarshalText([]byte("24KiB")))
	assert.Equal(t, ByteSize(24<<10), b)

	text, err := ByteSize(64 << 20).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "64MiB", string(text))
}
