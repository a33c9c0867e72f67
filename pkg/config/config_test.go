package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"database": "ORCL",
		"mode": "arch-only",
		"reader": {"archive-dir": "/arch"},
		"writer": {"type": "network", "uri": "127.0.0.1:7777"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ORCL", cfg.Database)
	assert.Equal(t, ModeArchOnly, cfg.Mode)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, uint64(65536), cfg.Writer.QueueSize)
	// Derived sizes are resolved.
	assert.NotZero(t, cfg.Memory.SwapMb)
	assert.NotZero(t, cfg.Reader.ReadBufferMaxMb)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
database: ORCL
mode: batch
reader:
  batch-files:
    - /arch/log_42.arc
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeBatch, cfg.Mode)
	assert.Len(t, cfg.Reader.BatchFiles, 1)
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeFile(t, "config.json", `{"database": "ORCL", "no-such-field": 1}`)
	_, err := Load(path)
	assert.Error(t, err)

	path = writeFile(t, "config.yaml", "database: ORCL\nno-such-field: 1\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Database = "ORCL"
		cfg.Mode = ModeArchOnly
		cfg.Reader.ArchiveDir = "/arch"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing database", func(c *Config) { c.Database = "" }, "database"},
		{"bad mode", func(c *Config) { c.Mode = "bogus" }, "mode"},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format"},
		{"memory min too small", func(c *Config) { c.Memory.MinMb = 8 }, "memory-min-mb"},
		{"memory max below min", func(c *Config) { c.Memory.MaxMb = 16 }, "memory-max-mb"},
		{"swap above max", func(c *Config) { c.Memory.SwapMb = 4096 }, "memory-swap-mb"},
		{"arch mode needs dir", func(c *Config) { c.Reader.ArchiveDir = "" }, "archive-dir"},
		{"network needs uri", func(c *Config) { c.Writer.Type = "network" }, "uri"},
		{"bad writer type", func(c *Config) { c.Writer.Type = "kafka" }, "writer type"},
		{"zero queue", func(c *Config) { c.Writer.QueueSize = 0 }, "queue-size"},
		{"bad skip xid", func(c *Config) { c.SkipXids = []string{"zzz"} }, "xid"},
		{"good skip xid", func(c *Config) { c.SkipXids = []string{"0001.002.00000003"} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSkipXidSet(t *testing.T) {
	cfg := Default()
	cfg.SkipXids = []string{"0001.002.00000003", "00ff.00a.00000001"}
	set := cfg.SkipXidSet()
	assert.Len(t, set, 2)
}
