package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/dm-vdo/govdo/pkg/config"
)

// StatusCmd returns the "status" command: it reports the super block
// and partition table of a backing file without touching any slab
// journal, safe to run against a mounted device.
func StatusCmd() *Command {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	device := flags.String("device", "", "Path to the backing file")
	configPath := flags.String("config", "", "Path to the device config file")

	return &Command{
		Flags: flags,
		Usage: "status --device <path> [--config <file>]",
		Short: "Print the super block and partition table",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execStatus(o, *device, *configPath)
		},
	}
}

func execStatus(o *IO, devicePath, configPath string) error {
	if devicePath == "" {
		return fmt.Errorf("--device is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	d, sb, journal, err := openDepot(devicePath, cfg)
	if err != nil {
		return err
	}

	o.Println("device=" + devicePath)
	o.Printf("version=%d nonce=%d\n", sb.Version, sb.Nonce)
	for _, p := range sb.Partitions {
		o.Printf("partition id=%d offset=%d count=%d\n", p.ID, p.Offset, p.Count)
	}
	o.Printf("slabs=%d slab_data_blocks=%d slab_journal_blocks=%d\n",
		d.SlabCount(), cfg.SlabDataBlocks, cfg.SlabJournalBlocks)
	o.Printf("recovery_journal_tail=%d\n", journal.Tail())
	return nil
}
