package cli

import (
	"fmt"
	"os"

	"github.com/dm-vdo/govdo/pkg/blockdevice"
	"github.com/dm-vdo/govdo/pkg/config"
	"github.com/dm-vdo/govdo/pkg/vdo/depot"
	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/readonly"
	"github.com/dm-vdo/govdo/pkg/vdo/recoveryjournal"
	"github.com/dm-vdo/govdo/pkg/vdo/scrubber"
	"github.com/dm-vdo/govdo/pkg/vdo/superblock"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
)

var _ scrubber.ReadOnlyDriver = readOnlyDriver{}

// Partition IDs recorded in the super block's partition table.
const (
	partitionData             uint8 = 1
	partitionJournal          uint8 = 2
	partitionRecoveryJournal  uint8 = 3
)

// recoveryCount is the recovery cycle stamped into every recovery-
// journal block this CLI writes. A long-lived VDO bumps it on every
// resume-from-unclean-shutdown so stale blocks from a previous cycle
// are never mistaken for current ones; govdo only ever runs as a
// one-shot admin command against a device nothing else has open, so
// there is exactly one cycle per backing file and this constant is
// never incremented.
const recoveryCount uint8 = 1

// deviceLayout is the block-granularity geometry of a backing file:
// one block reserved for the super block, followed by the data
// region, the slab-journal region, and the recovery-journal region.
type deviceLayout struct {
	slabCount             uint64
	dataBlocks            uint64
	journalBlocks         uint64
	recoveryJournalBlocks uint64
	dataOffset            layout.PBN
	journalOffset         layout.PBN
	recoveryJournalOffset layout.PBN
	totalBlocks           uint64
}

// computeLayout partitions physicalBlocks into whole slabs, the same
// floor division pkg/vdo/depot.New performs, so that the partition
// table this command writes always matches what depot.New will later
// compute from it: any remainder smaller than one slab is not part of
// any partition and is left unused at the end of the data region. The
// recovery journal gets its own fixed-size region, sized by
// cfg.RecoveryJournalBlocks, after the slab-journal region.
func computeLayout(cfg config.Config, physicalBlocks uint64) (deviceLayout, error) {
	if physicalBlocks == 0 {
		return deviceLayout{}, fmt.Errorf("physical-blocks must be nonzero")
	}
	slabCount := physicalBlocks / cfg.SlabDataBlocks
	if slabCount == 0 {
		return deviceLayout{}, fmt.Errorf("physical-blocks %d is smaller than one slab (%d blocks)",
			physicalBlocks, cfg.SlabDataBlocks)
	}
	dataBlocks := slabCount * cfg.SlabDataBlocks
	journalBlocks := slabCount * cfg.SlabJournalBlocks

	return deviceLayout{
		slabCount:             slabCount,
		dataBlocks:            dataBlocks,
		journalBlocks:         journalBlocks,
		recoveryJournalBlocks: cfg.RecoveryJournalBlocks,
		dataOffset:            1,
		journalOffset:         1 + layout.PBN(dataBlocks),
		recoveryJournalOffset: 1 + layout.PBN(dataBlocks) + layout.PBN(journalBlocks),
		totalBlocks:           1 + dataBlocks + journalBlocks + cfg.RecoveryJournalBlocks,
	}, nil
}

func (l deviceLayout) partitions() []superblock.Partition {
	return []superblock.Partition{
		{ID: partitionData, Offset: l.dataOffset, Count: l.dataBlocks},
		{ID: partitionJournal, Offset: l.journalOffset, Count: l.journalBlocks},
		{ID: partitionRecoveryJournal, Offset: l.recoveryJournalOffset, Count: l.recoveryJournalBlocks},
	}
}

// openDepot opens an existing backing file and reconstructs the
// depot and recovery journal described by its super block and cfg.
// The returned Depot has not yet had Load called; callers decide
// which (if any) slabs to scrub. The returned Journal resumes from
// whatever tail FindHeadAndTail discovers in its on-disk region,
// picking up right after the last block this recovery cycle actually
// wrote.
func openDepot(path string, cfg config.Config) (*depot.Depot, *superblock.SuperBlock, *recoveryjournal.Journal, error) {
	// NewBlockDeviceFromFile truncates the file to fit
	// minimumSizeBytes even when zeroInitialize is false, so an
	// existing backing file's current size must be passed through
	// explicitly; otherwise a 0 here would truncate it away.
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening backing file: %w", err)
	}

	device, _, _, err := blockdevice.NewBlockDeviceFromFile(path, int(info.Size()), false)
	if err != nil {
		return nil, nil, nil, err
	}

	store := superblock.NewStore(device, 0)
	sb, err := store.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading super block: %w", err)
	}

	var dataPartition, journalPartition, recoveryPartition *superblock.Partition
	for i := range sb.Partitions {
		switch sb.Partitions[i].ID {
		case partitionData:
			dataPartition = &sb.Partitions[i]
		case partitionJournal:
			journalPartition = &sb.Partitions[i]
		case partitionRecoveryJournal:
			recoveryPartition = &sb.Partitions[i]
		}
	}
	if dataPartition == nil || journalPartition == nil || recoveryPartition == nil {
		return nil, nil, nil, fmt.Errorf("super block is missing the data, journal, or recovery-journal partition")
	}

	dataDevice := blockdevice.NewRegionBlockDevice(device, int64(dataPartition.Offset)*layout.BlockSize)
	journalDevice := blockdevice.NewRegionBlockDevice(device, int64(journalPartition.Offset)*layout.BlockSize)

	notifier := readonly.New(1, 0, readonly.InlineScheduler{}, false)
	d, err := depot.New(depot.Config{
		DataDevice:        dataDevice,
		JournalDevice:     journalDevice,
		PhysicalBlocks:    dataPartition.Count,
		SlabDataBlocks:    cfg.SlabDataBlocks,
		SlabJournalBlocks: cfg.SlabJournalBlocks,
		Nonce:             sb.Nonce,
	}, readOnlyDriver{notifier: notifier, zone: 0}, int(cfg.BioThreads))
	if err != nil {
		return nil, nil, nil, err
	}

	journal, err := openRecoveryJournal(device, *recoveryPartition)
	if err != nil {
		return nil, nil, nil, err
	}

	return d, sb, journal, nil
}

// openRecoveryJournal scans partition's on-disk extent for the
// highest congruent sequence number written so far and constructs a
// Journal resuming immediately after it (or at sequence 1, for a
// freshly formatted, never-written journal).
func openRecoveryJournal(device blockdevice.BlockDevice, partition superblock.Partition) (*recoveryjournal.Journal, error) {
	data, err := recoveryjournal.ReadExtent(device, partition.Offset, partition.Count)
	if err != nil {
		return nil, fmt.Errorf("reading recovery journal: %w", err)
	}
	tail, _, _, found := recoveryjournal.FindHeadAndTail(data, partition.Count, recoveryCount)
	startTail := uint64(1)
	if found {
		startTail = tail + 1
	}
	journalDevice := blockdevice.NewRegionBlockDevice(device, int64(partition.Offset)*layout.BlockSize)
	return recoveryjournal.New(journalDevice, 0, partition.Count, recoveryCount, startTail), nil
}

// readOnlyDriver adapts readonly.Notifier's per-zone EnterReadOnly to
// the single-argument scrubber.ReadOnlyDriver contract, binding every
// caller to the admin zone: the CLI always runs degenerate
// single-zone configurations.
type readOnlyDriver struct {
	notifier *readonly.Notifier
	zone     int
}

func (r readOnlyDriver) EnterReadOnly(err *vdostatus.Error) {
	r.notifier.EnterReadOnly(r.zone, err)
}
