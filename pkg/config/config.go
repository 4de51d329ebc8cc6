// Package config loads the on-disk configuration for a govdo device:
// thread/zone counts, slab geometry, and the dedupe-index timeout.
// Files are JWCC (JSON with Comments and Commas, aka hujson) rather
// than plain JSON, the same format and library calvinalkan-agent-task
// uses for its own config file, in place of the teacher's
// protobuf+jsonnet configuration stack (see DESIGN.md).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/dm-vdo/govdo/pkg/vdo/threadconfig"
)

// Config is the full set of user-configurable parameters for a govdo
// device. Field names match the JSON keys a human edits by hand, so
// they're snake_case rather than the Go convention.
type Config struct {
	LogicalZones  uint32 `json:"logical_zones"`
	PhysicalZones uint32 `json:"physical_zones"`
	HashZones     uint32 `json:"hash_zones"`
	BioAckThreads uint32 `json:"bio_ack_threads,omitempty"`
	BioThreads    uint32 `json:"bio_threads"`

	SlabDataBlocks    uint64 `json:"slab_data_blocks"`
	SlabJournalBlocks uint64 `json:"slab_journal_blocks"`

	// RecoveryJournalBlocks is the size, in blocks, of the single
	// shared recovery-journal region every format reserves after
	// the slab-journal region.
	RecoveryJournalBlocks uint64 `json:"recovery_journal_blocks"`

	// DedupeTimeoutMS and DedupeSweepIntervalMS are expressed in
	// milliseconds, since time.Duration has no native JSON
	// representation and hujson's input is meant to be hand-edited.
	DedupeTimeoutMS       uint64 `json:"dedupe_timeout_ms"`
	DedupeSweepIntervalMS uint64 `json:"dedupe_sweep_interval_ms"`
}

// DefaultConfig returns the configuration used when no config file is
// present: a single-thread degenerate zone layout (see
// pkg/vdo/threadconfig) and conservative slab/timeout sizes.
func DefaultConfig() Config {
	return Config{
		BioThreads:            1,
		SlabDataBlocks:        1 << 15,
		SlabJournalBlocks:     224,
		RecoveryJournalBlocks: 32,
		DedupeTimeoutMS:       5000,
		DedupeSweepIntervalMS: 1000,
	}
}

// ZoneCounts projects the zone-related fields of Config into the
// shape pkg/vdo/threadconfig.New expects.
func (c Config) ZoneCounts() threadconfig.ZoneCounts {
	return threadconfig.ZoneCounts{
		Logical:  c.LogicalZones,
		Physical: c.PhysicalZones,
		Hash:     c.HashZones,
		BioAck:   c.BioAckThreads,
		Bio:      c.BioThreads,
	}
}

// DedupeTimeout is DedupeTimeoutMS as a time.Duration.
func (c Config) DedupeTimeout() time.Duration {
	return time.Duration(c.DedupeTimeoutMS) * time.Millisecond
}

// DedupeSweepInterval is DedupeSweepIntervalMS as a time.Duration.
func (c Config) DedupeSweepInterval() time.Duration {
	return time.Duration(c.DedupeSweepIntervalMS) * time.Millisecond
}

// Load reads and validates the config file at path. A missing file is
// not an error: DefaultConfig is returned instead, mirroring
// calvinalkan-agent-task/config.go's treatment of an absent project
// config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled, same as config.go's loadConfigFile
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}
	return cfg, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JWCC: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

// Validate checks the invariants pkg/vdo/threadconfig and
// pkg/vdo/depot would otherwise discover piecemeal, so a bad config
// file is rejected at load time with one clear error.
func (c Config) Validate() error {
	if c.BioThreads == 0 {
		return errBioThreadsZero
	}
	if c.SlabDataBlocks == 0 || c.SlabDataBlocks&(c.SlabDataBlocks-1) != 0 {
		return errSlabSizeNotPowerOfTwo
	}
	if c.SlabJournalBlocks == 0 {
		return errSlabJournalSizeZero
	}
	if c.RecoveryJournalBlocks == 0 || c.RecoveryJournalBlocks&(c.RecoveryJournalBlocks-1) != 0 {
		return errRecoveryJournalSizeNotPowerOfTwo
	}
	if c.DedupeTimeoutMS == 0 {
		return errDedupeTimeoutZero
	}
	nonzero := c.LogicalZones != 0 || c.PhysicalZones != 0 || c.HashZones != 0
	allNonzero := c.LogicalZones != 0 && c.PhysicalZones != 0 && c.HashZones != 0
	if nonzero && !allNonzero {
		return errPartialZoneCounts
	}
	return nil
}

// Format renders cfg as indented JSON (defaults included); Save writes
// this rendering to disk.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}
	return string(data), nil
}

// Save writes cfg to path as formatted JSON, replacing the file
// atomically. Unlike pkg/vdo/superblock.Store, a config file is a
// whole regular file on a normal filesystem, so natefinch/atomic's
// write-temp-then-rename idiom applies directly here.
func Save(path string, cfg Config) error {
	text, err := Format(cfg)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, strings.NewReader(text))
}
