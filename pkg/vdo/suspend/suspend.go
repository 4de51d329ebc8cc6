// Package suspend implements the admin-thread phase machine that
// quiesces a running VDO device: drain every subsystem in a fixed
// order, wait for any in-flight read-only transition to settle, and
// persist a clean super block if this is a save rather than an
// ordinary suspend.
package suspend

import "github.com/dm-vdo/govdo/pkg/vdo/threadconfig"

// Mode distinguishes an ordinary suspend (the device is paused, e.g.
// for a device-mapper table reload, and may be resumed) from a save
// (the device is being shut down cleanly and its super block should
// reflect that).
type Mode int

const (
	ModeSuspend Mode = iota
	ModeSave
)

func (m Mode) String() string {
	if m == ModeSave {
		return "save"
	}
	return "suspend"
}

// Phase names one step of the suspend phase machine, run in
// ascending order from Start to End.
type Phase int

const (
	PhaseStart Phase = iota
	PhasePacker
	PhaseDataVios
	PhaseFlushes
	PhaseLogicalZones
	PhaseBlockMap
	PhaseJournal
	PhaseDepot
	PhaseReadOnlyWait
	PhaseWriteSuperBlock
	PhaseEnd
)

var phaseNames = [...]string{
	"START",
	"PACKER",
	"DATA_VIOS",
	"FLUSHES",
	"LOGICAL_ZONES",
	"BLOCK_MAP",
	"JOURNAL",
	"DEPOT",
	"READ_ONLY_WAIT",
	"WRITE_SUPER_BLOCK",
	"END",
}

func (p Phase) String() string {
	if int(p) >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "UNKNOWN"
}

// ThreadForPhase reports which thread runs a given phase: PACKER and
// FLUSHES yield to the packer thread, JOURNAL yields to the journal
// thread, and every other phase runs on the admin thread.
func ThreadForPhase(phase Phase, config *threadconfig.Config) threadconfig.ThreadID {
	switch phase {
	case PhasePacker, PhaseFlushes:
		return config.PackerThread
	case PhaseJournal:
		return config.JournalThread
	default:
		return config.AdminThread
	}
}

// Scheduler arranges for a task to run on the goroutine that owns the
// given thread, the suspend-phase analogue of readonly.Scheduler.
type Scheduler interface {
	RunOnThread(thread threadconfig.ThreadID, task func())
}

// InlineScheduler runs every task synchronously in the calling
// goroutine. It is the only Scheduler this module constructs: govdo
// drives every device as a single degenerate thread/zone, so there is
// never more than one goroutine to hand a phase to. A multi-thread
// build would replace it with a Scheduler that dispatches onto each
// thread's own goroutine instead.
type InlineScheduler struct{}

// RunOnThread implements Scheduler.
func (InlineScheduler) RunOnThread(_ threadconfig.ThreadID, task func()) {
	task()
}

// Subsystem is drained in turn by a named suspend phase.
type Subsystem interface {
	Drain(mode Mode) error
}

// DedupeIndex is suspended last, once every other subsystem has
// drained. save reports whether this is a save rather than a plain
// suspend.
type DedupeIndex interface {
	Suspend(save bool)
}

// SuperBlock persists the VDO's on-disk state at the end of a clean
// save.
type SuperBlock interface {
	// IsDirty reports whether the in-memory state has changes that a
	// fresh load would not otherwise discover (VDO_DIRTY or VDO_NEW);
	// a VDO that is already clean, read-only, or mid-rebuild has
	// nothing new worth writing.
	IsDirty() bool
	Write() error
}

// ReadOnlyNotifier is the subset of *readonly.Notifier the suspend
// machine depends on.
type ReadOnlyNotifier interface {
	IsReadOnly(zone int) bool
	WaitUntilNotEnteringReadOnlyMode(done func(err error))
}

// Subsystems names the components a suspend drains, in the order
// named by the phase machine above.
type Subsystems struct {
	Packer       Subsystem
	DataVios     Subsystem
	Flusher      Subsystem
	LogicalZones Subsystem
	BlockMap     Subsystem
	Journal      Subsystem
	Depot        Subsystem
}

// Result reports how a suspend completed.
type Result struct {
	// ReadOnly is true if the VDO was already, or became, read-only
	// during the suspend. The suspend still succeeds in that case:
	// a read-only device is considered suspended.
	ReadOnly bool
}

// Suspender runs the suspend phase machine for one VDO device.
type Suspender struct {
	Config     *threadconfig.Config
	Scheduler  Scheduler
	ReadOnly   ReadOnlyNotifier
	AdminZone  int
	Subsystems Subsystems
	SuperBlock SuperBlock
	Dedupe     DedupeIndex

	// SynchronousFlush, if set, is called once all data VIOs have
	// drained to force everything acknowledged before the suspend
	// onto stable storage. A suspended device is expected to have
	// persisted all data it had already acknowledged, even if that
	// data had not yet been flushed. A failure here drives the
	// device read-only rather than failing the suspend outright.
	SynchronousFlush func() error

	// EnterReadOnly records a metadata error and begins the
	// read-only notification walk; wired to
	// (*readonly.Notifier).EnterReadOnly.
	EnterReadOnly func(zone int, err error)
}

// Suspend drives every phase to completion in order, on the thread
// each phase names, and reports how the suspend completed.
func (s *Suspender) Suspend(mode Mode) (Result, error) {
	var result Result
	for phase := PhaseStart; phase <= PhaseEnd; phase++ {
		thread := ThreadForPhase(phase, s.Config)
		errCh := make(chan error, 1)
		phase := phase
		s.Scheduler.RunOnThread(thread, func() {
			errCh <- s.runPhase(phase, mode, &result)
		})
		if err := <-errCh; err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Suspender) runPhase(phase Phase, mode Mode, result *Result) error {
	switch phase {
	case PhaseStart:
		return nil

	case PhasePacker:
		// If the device was already resumed from a prior suspend
		// while read-only, some components may not have been
		// resumed; noting that here guarantees this suspend still
		// reports ReadOnly rather than silently succeeding as if
		// nothing were wrong.
		if s.ReadOnly != nil && s.ReadOnly.IsReadOnly(s.AdminZone) {
			result.ReadOnly = true
		}
		return s.Subsystems.Packer.Drain(mode)

	case PhaseDataVios:
		return s.Subsystems.DataVios.Drain(mode)

	case PhaseFlushes:
		return s.Subsystems.Flusher.Drain(mode)

	case PhaseLogicalZones:
		if s.SynchronousFlush != nil {
			if err := s.SynchronousFlush(); err != nil {
				if s.EnterReadOnly != nil {
					s.EnterReadOnly(s.AdminZone, err)
				}
				result.ReadOnly = true
			}
		}
		return s.Subsystems.LogicalZones.Drain(mode)

	case PhaseBlockMap:
		return s.Subsystems.BlockMap.Drain(mode)

	case PhaseJournal:
		return s.Subsystems.Journal.Drain(mode)

	case PhaseDepot:
		return s.Subsystems.Depot.Drain(mode)

	case PhaseReadOnlyWait:
		if s.ReadOnly == nil {
			return nil
		}
		done := make(chan error, 1)
		s.ReadOnly.WaitUntilNotEnteringReadOnlyMode(func(err error) { done <- err })
		return <-done

	case PhaseWriteSuperBlock:
		// A plain suspend (as opposed to a save) leaves the super
		// block untouched, as does any suspend that hit an error or
		// went read-only along the way.
		if mode != ModeSave || result.ReadOnly || s.SuperBlock == nil || !s.SuperBlock.IsDirty() {
			return nil
		}
		return s.SuperBlock.Write()

	case PhaseEnd:
		if s.Dedupe != nil {
			s.Dedupe.Suspend(mode == ModeSave)
		}
		return nil

	default:
		return nil
	}
}
