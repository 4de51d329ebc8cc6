package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/dm-vdo/govdo/pkg/blockdevice"
	"github.com/dm-vdo/govdo/pkg/config"
	"github.com/dm-vdo/govdo/pkg/random"
	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/superblock"
)

// FormatCmd returns the "format" command: it lays out a fresh super
// block and slab depot geometry on a backing file, discarding
// whatever was there before.
func FormatCmd() *Command {
	flags := flag.NewFlagSet("format", flag.ContinueOnError)
	device := flags.String("device", "", "Path to the backing file")
	configPath := flags.String("config", "", "Path to the device config file")
	physicalBlocks := flags.Uint64("physical-blocks", 0, "Number of physical data blocks to provision")

	return &Command{
		Flags: flags,
		Usage: "format --device <path> --physical-blocks <n> [--config <file>]",
		Short: "Write a fresh super block and slab geometry to a backing file",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execFormat(o, *device, *configPath, *physicalBlocks)
		},
	}
}

func execFormat(o *IO, devicePath, configPath string, physicalBlocks uint64) error {
	if devicePath == "" {
		return fmt.Errorf("--device is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	geometry, err := computeLayout(cfg, physicalBlocks)
	if err != nil {
		return err
	}

	totalBytes := int(geometry.totalBlocks * layout.BlockSize)
	bd, _, _, err := blockdevice.NewBlockDeviceFromFile(devicePath, totalBytes, true)
	if err != nil {
		return fmt.Errorf("creating backing file: %w", err)
	}

	nonce := random.CryptoThreadSafeGenerator.Uint64()

	sb := &superblock.SuperBlock{
		Version:    superblock.CurrentVersion,
		Nonce:      nonce,
		Partitions: geometry.partitions(),
	}

	store := superblock.NewStore(bd, 0)
	if err := store.Save(sb); err != nil {
		return fmt.Errorf("writing super block: %w", err)
	}

	o.Println("formatted", devicePath)
	o.Printf("  nonce=%d slabs=%d data_blocks=%d slab_journal_blocks=%d\n",
		nonce, geometry.slabCount, geometry.dataBlocks, cfg.SlabJournalBlocks)
	return nil
}
