package recoveryjournal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/recoveryjournal"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
)

type memDevice struct {
	data []byte
}

func newMemDevice(blocks uint64) *memDevice {
	return &memDevice{data: make([]byte, blocks*layout.BlockSize)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.data[off:]), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.data[off:], p), nil
}

func (d *memDevice) Sync() error { return nil }

// slowMemDevice lets a test inject a callback between Commit's
// packing of the write buffer and the actual WriteAt, to deterministically
// exercise the window Commit leaves unlocked for concurrent AddEntry
// calls.
type slowMemDevice struct {
	memDevice
	beforeWrite func()
}

func (d *slowMemDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.beforeWrite != nil {
		cb := d.beforeWrite
		d.beforeWrite = nil
		cb()
	}
	return d.memDevice.WriteAt(p, off)
}

func validConfig() recoveryjournal.ValidationConfig {
	return recoveryjournal.ValidationConfig{
		PhysicalBlocks:         1024,
		BlockMapEntriesPerPage: 512,
		IsValidDataBlock:       func(pbn layout.PBN) bool { return pbn < 1024 },
	}
}

func TestValidateEntryAcceptsWellFormedEntry(t *testing.T) {
	entry := recoveryjournal.Entry{
		Slot:      recoveryjournal.Slot{PBN: 10, SlotIndex: 3},
		Mapping:   recoveryjournal.Mapping{PBN: 20},
		Operation: recoveryjournal.DataIncrement,
	}
	require.NoError(t, recoveryjournal.ValidateEntry(validConfig(), entry))
}

func TestValidateEntryRejectsOutOfBoundsSlot(t *testing.T) {
	entry := recoveryjournal.Entry{
		Slot:    recoveryjournal.Slot{PBN: 2000, SlotIndex: 0},
		Mapping: recoveryjournal.Mapping{PBN: 1},
	}
	err := recoveryjournal.ValidateEntry(validConfig(), entry)
	require.Error(t, err)
}

func TestValidateEntryRejectsOutOfBoundsSlotIndex(t *testing.T) {
	entry := recoveryjournal.Entry{
		Slot:    recoveryjournal.Slot{PBN: 0, SlotIndex: 9999},
		Mapping: recoveryjournal.Mapping{PBN: 1},
	}
	require.Error(t, recoveryjournal.ValidateEntry(validConfig(), entry))
}

func TestValidateEntryRejectsInvalidDataBlockMapping(t *testing.T) {
	entry := recoveryjournal.Entry{
		Slot:    recoveryjournal.Slot{PBN: 0, SlotIndex: 0},
		Mapping: recoveryjournal.Mapping{PBN: 99999},
	}
	require.Error(t, recoveryjournal.ValidateEntry(validConfig(), entry))
}

func TestValidateEntryRejectsCompressedBlockMapIncrement(t *testing.T) {
	entry := recoveryjournal.Entry{
		Slot:      recoveryjournal.Slot{PBN: 0, SlotIndex: 0},
		Mapping:   recoveryjournal.Mapping{PBN: 5, Compressed: true},
		Operation: recoveryjournal.BlockMapIncrement,
	}
	require.Error(t, recoveryjournal.ValidateEntry(validConfig(), entry))
}

func TestValidateEntryRejectsZeroBlockMapIncrement(t *testing.T) {
	entry := recoveryjournal.Entry{
		Slot:      recoveryjournal.Slot{PBN: 0, SlotIndex: 0},
		Mapping:   recoveryjournal.Mapping{PBN: recoveryjournal.ZeroBlock},
		Operation: recoveryjournal.BlockMapIncrement,
	}
	require.Error(t, recoveryjournal.ValidateEntry(validConfig(), entry))
}

func TestAddEntryTransitionsFreeToActive(t *testing.T) {
	device := newMemDevice(4)
	journal := recoveryjournal.New(device, 0, 4, 1, 1)
	require.Equal(t, recoveryjournal.Free, journal.State())

	_, _, err := journal.AddEntry(recoveryjournal.Entry{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, recoveryjournal.Active, journal.State())
}

func TestCommitWritesHeaderAndReturnsToFree(t *testing.T) {
	device := newMemDevice(4)
	journal := recoveryjournal.New(device, 0, 4, 1, 1)

	entry := recoveryjournal.Entry{
		Slot:      recoveryjournal.Slot{PBN: 1, SlotIndex: 0},
		Mapping:   recoveryjournal.Mapping{PBN: 2},
		Operation: recoveryjournal.DataIncrement,
	}
	_, done, err := journal.AddEntry(entry, 5, 7)
	require.NoError(t, err)
	require.NoError(t, journal.Commit(5, 7))
	require.NoError(t, <-done)
	require.Equal(t, recoveryjournal.Free, journal.State())
	require.Equal(t, uint64(2), journal.Tail())

	blockMapHead, slabJournalHead := journal.Heads()
	require.Equal(t, uint64(5), blockMapHead)
	require.Equal(t, uint64(7), slabJournalHead)
}

func TestFullBlockAutoCommits(t *testing.T) {
	device := newMemDevice(4)
	journal := recoveryjournal.New(device, 0, 4, 1, 1)

	var lastDone <-chan error
	for i := 0; i < recoveryjournal.EntriesPerBlock; i++ {
		_, done, err := journal.AddEntry(recoveryjournal.Entry{}, 0, 0)
		require.NoError(t, err)
		lastDone = done
	}
	require.NoError(t, <-lastDone)
	require.Equal(t, uint64(2), journal.Tail())
	require.False(t, journal.IsFull())
}

func TestFindHeadAndTailDiscoversCongruentBlocks(t *testing.T) {
	device := newMemDevice(4)
	journal := recoveryjournal.New(device, 0, 4, 3, 1)
	entry := recoveryjournal.Entry{Slot: recoveryjournal.Slot{PBN: 1}, Mapping: recoveryjournal.Mapping{PBN: 2}}

	_, _, err := journal.AddEntry(entry, 0, 0)
	require.NoError(t, err)
	require.NoError(t, journal.Commit(1, 1))
	_, _, err = journal.AddEntry(entry, 1, 1)
	require.NoError(t, err)
	require.NoError(t, journal.Commit(2, 2))

	data, err := recoveryjournal.ReadExtent(device, 0, 4)
	require.NoError(t, err)
	tail, blockMapHead, slabJournalHead, found := recoveryjournal.FindHeadAndTail(data, 4, 3)
	require.True(t, found)
	require.Equal(t, uint64(2), tail)
	require.Equal(t, uint64(2), blockMapHead)
	require.Equal(t, uint64(2), slabJournalHead)
}

func TestFindHeadAndTailIgnoresWrongRecoveryCount(t *testing.T) {
	device := newMemDevice(4)
	journal := recoveryjournal.New(device, 0, 4, 9, 1)
	journal.AddEntry(recoveryjournal.Entry{}, 0, 0)
	require.NoError(t, journal.Commit(0, 0))

	data, err := recoveryjournal.ReadExtent(device, 0, 4)
	require.NoError(t, err)
	_, _, _, found := recoveryjournal.FindHeadAndTail(data, 4, 1)
	require.False(t, found)
}

func TestFindHeadAndTailEmptyJournalIsNotFound(t *testing.T) {
	device := newMemDevice(4)
	data, err := recoveryjournal.ReadExtent(device, 0, 4)
	require.NoError(t, err)
	_, _, _, found := recoveryjournal.FindHeadAndTail(data, 4, 0)
	require.False(t, found)
}

func TestCommitIsNoOpWhenNothingPending(t *testing.T) {
	device := newMemDevice(4)
	journal := recoveryjournal.New(device, 0, 4, 1, 1)
	require.NoError(t, journal.Commit(0, 0))
	require.Equal(t, uint64(1), journal.Tail())
}

func TestAddEntryRejectsOverflowWhenHeadNeverAdvances(t *testing.T) {
	device := newMemDevice(2)
	journal := recoveryjournal.New(device, 0, 2, 1, 1)

	_, done, err := journal.AddEntry(recoveryjournal.Entry{}, 0, 0)
	require.NoError(t, err)
	require.NoError(t, journal.Commit(0, 0))
	require.NoError(t, <-done)

	_, done, err = journal.AddEntry(recoveryjournal.Entry{}, 0, 0)
	require.NoError(t, err)
	require.NoError(t, journal.Commit(0, 0))
	require.NoError(t, <-done)

	// Nothing ever reported the first two blocks reclaimed via
	// AdvanceHead, so the ring is now full: opening a third block
	// would overwrite a sequence still owed to the ring's capacity.
	_, _, err = journal.AddEntry(recoveryjournal.Entry{}, 0, 0)
	require.Error(t, err)
	require.True(t, vdostatus.Is(err, vdostatus.VolumeOverflow))

	journal.AdvanceHead(2)
	_, _, err = journal.AddEntry(recoveryjournal.Entry{}, 0, 0)
	require.NoError(t, err)
}

func TestCommitDoesNotDiscardEntriesAddedDuringWrite(t *testing.T) {
	device := &slowMemDevice{memDevice: memDevice{data: make([]byte, 4*layout.BlockSize)}}
	journal := recoveryjournal.New(device, 0, 4, 1, 1)

	entry := recoveryjournal.Entry{Slot: recoveryjournal.Slot{PBN: 1}, Mapping: recoveryjournal.Mapping{PBN: 2}}
	_, firstDone, err := journal.AddEntry(entry, 0, 0)
	require.NoError(t, err)

	device.beforeWrite = func() {
		_, _, err := journal.AddEntry(entry, 0, 0)
		require.NoError(t, err)
	}

	require.NoError(t, journal.Commit(0, 0))
	require.NoError(t, <-firstDone)

	// The entry added while the first block's write was in flight must
	// still be pending, not silently folded into the completed commit.
	require.Equal(t, recoveryjournal.Active, journal.State())
	require.NoError(t, journal.Commit(0, 0))
}
