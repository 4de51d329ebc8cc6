package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/govdo/pkg/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, config.DefaultConfig().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoadParsesJWCCWithCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "govdo.json")
	text := `{
  // zone layout
  "logical_zones": 2,
  "physical_zones": 2,
  "hash_zones": 2,
  "bio_threads": 4,
  "slab_data_blocks": 1024,
  "slab_journal_blocks": 16,
  "dedupe_timeout_ms": 2000,
  "dedupe_sweep_interval_ms": 500,
}
`
	require.NoError(t, writeFile(path, text))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(2), cfg.LogicalZones)
	require.Equal(t, uint32(4), cfg.BioThreads)
	require.Equal(t, uint64(1024), cfg.SlabDataBlocks)

	zones := cfg.ZoneCounts()
	require.Equal(t, uint32(2), zones.Hash)
}

func TestLoadRejectsPartialZoneCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "govdo.json")
	require.NoError(t, writeFile(path, `{"logical_zones": 1, "bio_threads": 1, "slab_data_blocks": 1, "slab_journal_blocks": 1, "dedupe_timeout_ms": 1}`))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNonPowerOfTwoSlabSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "govdo.json")
	require.NoError(t, writeFile(path, `{"bio_threads": 1, "slab_data_blocks": 3, "slab_journal_blocks": 1, "dedupe_timeout_ms": 1}`))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "govdo.json")
	cfg := config.DefaultConfig()
	cfg.SlabDataBlocks = 2048

	require.NoError(t, config.Save(path, cfg))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestDedupeTimeoutConvertsMillisecondsToDuration(t *testing.T) {
	cfg := config.DefaultConfig()
	require.Equal(t, int64(5000), cfg.DedupeTimeout().Milliseconds())
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
