package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/redotail/redotail/pkg/types"
)

// Format selects the output serialization of the builder.
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// ColumnFormat controls which columns an UPDATE message carries.
type ColumnFormat string

const (
	// ColumnFormatMinimal carries only wire columns, plus before-image key columns.
	ColumnFormatMinimal ColumnFormat = "minimal"
	// ColumnFormatFull always carries every known column.
	ColumnFormatFull ColumnFormat = "full"
)

// CharFormat controls character column decoding.
type CharFormat string

const (
	// CharFormatUnicode decodes through the character-set tables to UTF-8.
	CharFormatUnicode CharFormat = "unicode"
	// CharFormatNoMapping passes bytes through as raw 8-bit codepoints.
	// Only correct when the database charset already is a Unicode encoding.
	CharFormatNoMapping CharFormat = "nomapping"
)

// Mode selects where redo data comes from.
type Mode string

const (
	// ModeOnline reads online logs first, falling back to archive.
	ModeOnline Mode = "online"
	// ModeArchOnly reads archived logs only.
	ModeArchOnly Mode = "arch-only"
	// ModeBatch processes an explicit list of files, then stops.
	ModeBatch Mode = "batch"
)

// StateBackend selects the durable store for checkpoints and schema.
type StateBackend string

const (
	StateBackendDir  StateBackend = "dir"
	StateBackendBolt StateBackend = "bolt"
)

// Reader holds log-file input settings.
type Reader struct {
	OnlineLogs        []string `json:"online-logs" yaml:"online-logs"`
	ArchiveDir        string   `json:"archive-dir" yaml:"archive-dir"`
	LogArchiveFormat  string   `json:"log-archive-format" yaml:"log-archive-format"`
	BatchFiles        []string `json:"batch-files" yaml:"batch-files"`
	RedoCopyPath      string   `json:"redo-copy-path" yaml:"redo-copy-path"`
	RedoReadSleepUs   uint64   `json:"redo-read-sleep-us" yaml:"redo-read-sleep-us"`
	RedoVerifyDelayUs uint64   `json:"redo-verify-delay-us" yaml:"redo-verify-delay-us"`
	ArchReadSleepUs   uint64   `json:"arch-read-sleep-us" yaml:"arch-read-sleep-us"`
	ArchReadTries     uint     `json:"arch-read-tries" yaml:"arch-read-tries"`
	ReadBufferMaxMb   uint64   `json:"read-buffer-max-mb" yaml:"read-buffer-max-mb"`
	BlockChecksum     bool     `json:"block-checksum" yaml:"block-checksum"`
}

// Memory holds arena and swap settings.
type Memory struct {
	MinMb    uint64 `json:"memory-min-mb" yaml:"memory-min-mb"`
	MaxMb    uint64 `json:"memory-max-mb" yaml:"memory-max-mb"`
	SwapMb   uint64 `json:"memory-swap-mb" yaml:"memory-swap-mb"`
	SwapPath string `json:"swap-path" yaml:"swap-path"`
}

// Writer holds output settings.
type Writer struct {
	Type                string `json:"type" yaml:"type"` // "network" or "file"
	Uri                 string `json:"uri" yaml:"uri"`
	QueueSize           uint64 `json:"queue-size" yaml:"queue-size"`
	CheckpointIntervalS uint64 `json:"checkpoint-interval-s" yaml:"checkpoint-interval-s"`
	StartScn            uint64 `json:"start-scn" yaml:"start-scn"`
	StartSeq            uint32 `json:"start-seq" yaml:"start-seq"`
	StartTime           string `json:"start-time" yaml:"start-time"`
	StartTimeRel        uint64 `json:"start-time-rel" yaml:"start-time-rel"`
}

// State holds the durable-store settings.
type State struct {
	Backend StateBackend `json:"backend" yaml:"backend"`
	Path    string       `json:"path" yaml:"path"`
}

// Metrics holds the observability endpoint settings.
type Metrics struct {
	Bind string `json:"bind" yaml:"bind"`
}

// Config is the full runtime configuration.
type Config struct {
	Database         string       `json:"database" yaml:"database"`
	Mode             Mode         `json:"mode" yaml:"mode"`
	Format           Format       `json:"format" yaml:"format"`
	ColumnFormat     ColumnFormat `json:"column-format" yaml:"column-format"`
	CharFormat       CharFormat   `json:"char-format" yaml:"char-format"`
	Charset          string       `json:"charset" yaml:"charset"`
	DisableChecks    uint         `json:"disable-checks" yaml:"disable-checks"`
	TraceMask        uint         `json:"trace" yaml:"trace"`
	SkipXids         []string     `json:"skip-xid" yaml:"skip-xid"`
	TransactionMaxMb uint64       `json:"transaction-max-mb" yaml:"transaction-max-mb"`
	TooBigFatal      bool         `json:"transaction-too-big-fatal" yaml:"transaction-too-big-fatal"`
	BootFailsafe     bool         `json:"boot-failsafe" yaml:"boot-failsafe"`

	Reader  Reader  `json:"reader" yaml:"reader"`
	Memory  Memory  `json:"memory" yaml:"memory"`
	Writer  Writer  `json:"writer" yaml:"writer"`
	State   State   `json:"state" yaml:"state"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

// Default returns a configuration with the documented defaults filled in.
func Default() *Config {
	return &Config{
		Mode:             ModeOnline,
		Format:           FormatJSON,
		ColumnFormat:     ColumnFormatMinimal,
		CharFormat:       CharFormatUnicode,
		Charset:          "AL32UTF8",
		TransactionMaxMb: 0,
		Reader: Reader{
			LogArchiveFormat: "o1_mf_%t_%s_%h_.arc",
			RedoReadSleepUs:  50_000,
			ArchReadSleepUs:  10_000_000,
			ArchReadTries:    10,
			ReadBufferMaxMb:  0, // derived from memory max
		},
		Memory: Memory{
			MinMb:    32,
			MaxMb:    1024,
			SwapMb:   0, // derived from memory max
			SwapPath: ".",
		},
		Writer: Writer{
			Type:                "file",
			QueueSize:           65536,
			CheckpointIntervalS: 10,
		},
		State: State{
			Backend: StateBackendDir,
			Path:    "checkpoint",
		},
	}
}

// Load reads a config file, JSON or YAML by extension, over the defaults.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints, and derives the
// dependent sizes that default to a share of the memory maximum.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	switch c.Mode {
	case ModeOnline, ModeArchOnly, ModeBatch:
	default:
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}
	switch c.Format {
	case FormatJSON, FormatProtobuf:
	default:
		return fmt.Errorf("invalid format: %q", c.Format)
	}
	switch c.ColumnFormat {
	case ColumnFormatMinimal, ColumnFormatFull:
	default:
		return fmt.Errorf("invalid column-format: %q", c.ColumnFormat)
	}
	switch c.CharFormat {
	case CharFormatUnicode, CharFormatNoMapping:
	default:
		return fmt.Errorf("invalid char-format: %q", c.CharFormat)
	}
	switch c.State.Backend {
	case StateBackendDir, StateBackendBolt:
	default:
		return fmt.Errorf("invalid state backend: %q", c.State.Backend)
	}

	if c.Memory.MinMb < 32 {
		return fmt.Errorf("memory-min-mb must be at least 32, got %d", c.Memory.MinMb)
	}
	if c.Memory.MaxMb < c.Memory.MinMb {
		return fmt.Errorf("memory-max-mb (%d) must be >= memory-min-mb (%d)",
			c.Memory.MaxMb, c.Memory.MinMb)
	}
	if c.Memory.SwapMb == 0 {
		c.Memory.SwapMb = c.Memory.MaxMb * 3 / 4
	}
	if c.Memory.SwapMb > c.Memory.MaxMb {
		return fmt.Errorf("memory-swap-mb (%d) must be <= memory-max-mb (%d)",
			c.Memory.SwapMb, c.Memory.MaxMb)
	}
	if c.Reader.ReadBufferMaxMb == 0 {
		c.Reader.ReadBufferMaxMb = c.Memory.MaxMb / 4
		if c.Reader.ReadBufferMaxMb < 2 {
			c.Reader.ReadBufferMaxMb = 2
		}
	}
	if c.Reader.ReadBufferMaxMb < 2 {
		return fmt.Errorf("read-buffer-max-mb must be at least 2, got %d", c.Reader.ReadBufferMaxMb)
	}

	switch c.Mode {
	case ModeOnline:
		if len(c.Reader.OnlineLogs) == 0 && c.Reader.ArchiveDir == "" {
			return fmt.Errorf("mode %q requires online-logs or archive-dir", c.Mode)
		}
	case ModeArchOnly:
		if c.Reader.ArchiveDir == "" {
			return fmt.Errorf("mode %q requires archive-dir", c.Mode)
		}
	case ModeBatch:
		if len(c.Reader.BatchFiles) == 0 {
			return fmt.Errorf("mode %q requires batch-files", c.Mode)
		}
	}

	switch c.Writer.Type {
	case "network":
		if c.Writer.Uri == "" {
			return fmt.Errorf("writer type %q requires uri", c.Writer.Type)
		}
	case "file":
	default:
		return fmt.Errorf("invalid writer type: %q", c.Writer.Type)
	}
	if c.Writer.QueueSize == 0 || c.Writer.QueueSize > 1_000_000 {
		return fmt.Errorf("queue-size must be in (0, 1000000], got %d", c.Writer.QueueSize)
	}

	for _, s := range c.SkipXids {
		if _, err := types.ParseXid(s); err != nil {
			return fmt.Errorf("skip-xid: %w", err)
		}
	}
	return nil
}

// SkipXidSet parses the configured skip list into a lookup set.
func (c *Config) SkipXidSet() map[types.Xid]struct{} {
	set := make(map[types.Xid]struct{}, len(c.SkipXids))
	for _, s := range c.SkipXids {
		x, err := types.ParseXid(s)
		if err != nil {
			continue // Validate rejected bad entries already
		}
		set[x] = struct{}{}
	}
	return set
}
