package suspend_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/govdo/pkg/vdo/suspend"
	"github.com/dm-vdo/govdo/pkg/vdo/threadconfig"
)

type recordingSubsystem struct {
	name    string
	order   *[]string
	failErr error
}

func (s *recordingSubsystem) Drain(mode suspend.Mode) error {
	*s.order = append(*s.order, s.name)
	return s.failErr
}

type fakeReadOnly struct {
	readOnly    bool
	waitErr     error
	waitCalled  bool
}

func (f *fakeReadOnly) IsReadOnly(zone int) bool { return f.readOnly }

func (f *fakeReadOnly) WaitUntilNotEnteringReadOnlyMode(done func(err error)) {
	f.waitCalled = true
	done(f.waitErr)
}

type fakeSuperBlock struct {
	dirty    bool
	writeErr error
	written  bool
}

func (f *fakeSuperBlock) IsDirty() bool { return f.dirty }

func (f *fakeSuperBlock) Write() error {
	f.written = true
	return f.writeErr
}

type fakeDedupe struct {
	suspendCalled bool
	save          bool
}

func (f *fakeDedupe) Suspend(save bool) {
	f.suspendCalled = true
	f.save = save
}

func newSuspenderForTest(order *[]string) (*suspend.Suspender, *fakeReadOnly, *fakeSuperBlock, *fakeDedupe) {
	config, err := threadconfig.New(threadconfig.ZoneCounts{Logical: 1, Physical: 1, Hash: 1, Bio: 1})
	if err != nil {
		panic(err)
	}
	readOnly := &fakeReadOnly{}
	superBlock := &fakeSuperBlock{dirty: true}
	dedupe := &fakeDedupe{}

	s := &suspend.Suspender{
		Config:    config,
		Scheduler: suspend.InlineScheduler{},
		ReadOnly:  readOnly,
		AdminZone: 0,
		Subsystems: suspend.Subsystems{
			Packer:       &recordingSubsystem{name: "packer", order: order},
			DataVios:     &recordingSubsystem{name: "data_vios", order: order},
			Flusher:      &recordingSubsystem{name: "flusher", order: order},
			LogicalZones: &recordingSubsystem{name: "logical_zones", order: order},
			BlockMap:     &recordingSubsystem{name: "block_map", order: order},
			Journal:      &recordingSubsystem{name: "journal", order: order},
			Depot:        &recordingSubsystem{name: "depot", order: order},
		},
		SuperBlock: superBlock,
		Dedupe:     dedupe,
	}
	return s, readOnly, superBlock, dedupe
}

func TestSuspendDrainsSubsystemsInOrder(t *testing.T) {
	var order []string
	s, _, _, dedupe := newSuspenderForTest(&order)

	result, err := s.Suspend(suspend.ModeSuspend)
	require.NoError(t, err)
	require.False(t, result.ReadOnly)
	require.Equal(t, []string{
		"packer", "data_vios", "flusher", "logical_zones", "block_map", "journal", "depot",
	}, order)
	require.True(t, dedupe.suspendCalled)
	require.False(t, dedupe.save)
}

func TestPlainSuspendDoesNotWriteSuperBlock(t *testing.T) {
	var order []string
	s, _, superBlock, _ := newSuspenderForTest(&order)

	_, err := s.Suspend(suspend.ModeSuspend)
	require.NoError(t, err)
	require.False(t, superBlock.written)
}

func TestSaveWritesCleanSuperBlock(t *testing.T) {
	var order []string
	s, _, superBlock, dedupe := newSuspenderForTest(&order)

	result, err := s.Suspend(suspend.ModeSave)
	require.NoError(t, err)
	require.False(t, result.ReadOnly)
	require.True(t, superBlock.written)
	require.True(t, dedupe.suspendCalled)
	require.True(t, dedupe.save)
}

func TestReadOnlyDuringSuspendSkipsSuperBlockWriteButStillSucceeds(t *testing.T) {
	var order []string
	s, readOnly, superBlock, _ := newSuspenderForTest(&order)
	readOnly.readOnly = true

	result, err := s.Suspend(suspend.ModeSave)
	require.NoError(t, err)
	require.True(t, result.ReadOnly)
	require.False(t, superBlock.written)
}

func TestSynchronousFlushFailureEntersReadOnlyButContinuesDraining(t *testing.T) {
	var order []string
	s, _, _, _ := newSuspenderForTest(&order)

	var enteredReadOnlyZone int = -1
	s.EnterReadOnly = func(zone int, err error) { enteredReadOnlyZone = zone }
	s.SynchronousFlush = func() error { return errors.New("flush failed") }

	result, err := s.Suspend(suspend.ModeSuspend)
	require.NoError(t, err)
	require.True(t, result.ReadOnly)
	require.Equal(t, 0, enteredReadOnlyZone)
	require.Equal(t, []string{
		"packer", "data_vios", "flusher", "logical_zones", "block_map", "journal", "depot",
	}, order)
}

func TestSubsystemDrainFailureAbortsSuspend(t *testing.T) {
	var order []string
	s, _, _, _ := newSuspenderForTest(&order)
	s.Subsystems.BlockMap = &recordingSubsystem{name: "block_map", order: &order, failErr: errors.New("block map stuck")}

	_, err := s.Suspend(suspend.ModeSuspend)
	require.Error(t, err)
	require.Equal(t, []string{"packer", "data_vios", "flusher", "logical_zones", "block_map"}, order)
}

func TestReadOnlyWaitPropagatesError(t *testing.T) {
	var order []string
	s, readOnly, _, _ := newSuspenderForTest(&order)
	readOnly.waitErr = errors.New("read-only transition already pending")

	_, err := s.Suspend(suspend.ModeSuspend)
	require.Error(t, err)
	require.True(t, readOnly.waitCalled)
}

func TestThreadForPhaseYieldsToPackerAndJournalThreads(t *testing.T) {
	config, err := threadconfig.New(threadconfig.ZoneCounts{Logical: 1, Physical: 1, Hash: 1, Bio: 1})
	require.NoError(t, err)

	require.Equal(t, config.PackerThread, suspend.ThreadForPhase(suspend.PhasePacker, config))
	require.Equal(t, config.PackerThread, suspend.ThreadForPhase(suspend.PhaseFlushes, config))
	require.Equal(t, config.JournalThread, suspend.ThreadForPhase(suspend.PhaseJournal, config))
	require.Equal(t, config.AdminThread, suspend.ThreadForPhase(suspend.PhaseDepot, config))
}

func TestPhaseStringNames(t *testing.T) {
	require.Equal(t, "PACKER", suspend.PhasePacker.String())
	require.Equal(t, "END", suspend.PhaseEnd.String())
	require.Equal(t, "UNKNOWN", suspend.Phase(999).String())
}
