// Package scrubber replays a slab's on-disk journal into its
// reference counts when the slab is loaded in a state that requires
// it (an unclean shutdown left its in-memory counts untrustworthy).
//
// Slabs are queued on one of two lists, high-priority and normal; the
// high-priority list always drains first. Any apply error drives the
// shared read-only notifier and is recorded, but scrubbing continues
// on to the next slab so that every registered slab is accounted for
// before the caller is told something went wrong.
package scrubber

import (
	"sort"
	"sync"

	"github.com/dm-vdo/govdo/pkg/blockdevice"
	"github.com/dm-vdo/govdo/pkg/vdo/journalpoint"
	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/refcounts"
	"github.com/dm-vdo/govdo/pkg/vdo/slabjournal"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
	"github.com/dm-vdo/govdo/pkg/vdo/waitqueue"
)

// ReadOnlyDriver is the collaborator notified when a slab fails to
// scrub cleanly.
type ReadOnlyDriver interface {
	EnterReadOnly(err *vdostatus.Error)
}

// Target is everything the scrubber needs to replay one slab's
// journal: where it lives on disk, its nonce (to distinguish valid
// headers from stale ones left by a previous slab occupying the same
// physical extent), and the in-memory counts to replay into.
type Target struct {
	SlabNumber    uint64
	Device        blockdevice.BlockDevice
	JournalOrigin layout.PBN
	JournalSize   uint64
	Nonce         uint64
	Counts        *refcounts.Counts

	wasQueued bool
}

// Scrubber holds the queues of slabs awaiting a journal replay.
type Scrubber struct {
	mu sync.Mutex

	readOnly ReadOnlyDriver

	highPriority []*Target
	normal       []*Target

	highPriorityOnly bool
	stopped          bool

	cleanWaiters waitqueue.Queue[chan error]

	firstErr error
}

// New constructs a Scrubber that drives readOnly on any replay
// failure.
func New(readOnly ReadOnlyDriver) *Scrubber {
	return &Scrubber{readOnly: readOnly}
}

// HasSlabsToScrub reports whether any slab remains queued.
func (s *Scrubber) HasSlabsToScrub() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.highPriority) > 0 || len(s.normal) > 0
}

// SlabCount returns the number of slabs still queued for scrubbing; a
// slab leaves the queue just before its journal is replayed.
func (s *Scrubber) SlabCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.highPriority) + len(s.normal)
}

// Register queues target for scrubbing. It is a no-op if target has
// already been queued once, mirroring the "was_queued_for_scrubbing"
// latch that keeps a slab's count from being claimed twice.
func (s *Scrubber) Register(target *Target, highPriority bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target.wasQueued {
		return
	}
	target.wasQueued = true
	if highPriority {
		s.highPriority = append(s.highPriority, target)
	} else {
		s.normal = append(s.normal, target)
	}
}

// StopScrubbing tells the scrubber not to start any further slab once
// the one currently in progress (if any) finishes. ScrubSlabs and
// ScrubHighPrioritySlabs check this between slabs, so calling it mid-
// run still lets the current call drain whatever work was already
// underway when it was invoked.
func (s *Scrubber) StopScrubbing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// ResumeScrubbing clears a prior StopScrubbing.
func (s *Scrubber) ResumeScrubbing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
}

// EnqueueCleanSlabWaiter arranges for done to be notified the next
// time a slab finishes scrubbing. It reports NoSpace if no slab is
// currently queued, since no notification would ever arrive.
func (s *Scrubber) EnqueueCleanSlabWaiter(done chan error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.highPriority) == 0 && len(s.normal) == 0 {
		return vdostatus.New(vdostatus.NoSpace, "no slabs are queued for scrubbing")
	}
	s.cleanWaiters.Enqueue(waitqueue.NewWaiter(done))
	return nil
}

// ScrubSlabs drains every queued slab, high-priority first, replaying
// each one's journal into its reference counts. It returns the first
// error encountered, if any, after every slab has been attempted.
func (s *Scrubber) ScrubSlabs() error {
	for {
		target, ok := s.popNext()
		if !ok {
			break
		}
		s.scrubOne(target)
	}
	s.mu.Lock()
	err := s.firstErr
	s.mu.Unlock()
	return err
}

// ScrubHighPrioritySlabs drains only the high-priority list. If the
// list is empty and scrubAtLeastOne is true and a normal slab exists,
// one normal slab is promoted and scrubbed so the caller always makes
// progress. highPriorityOnly is cleared once the high-priority list
// empties, the same signal the original uses to know it may resume
// normal-priority scrubbing.
func (s *Scrubber) ScrubHighPrioritySlabs(scrubAtLeastOne bool) error {
	s.mu.Lock()
	s.highPriorityOnly = true
	if len(s.highPriority) == 0 && scrubAtLeastOne && len(s.normal) > 0 {
		promoted := s.normal[0]
		s.normal = s.normal[1:]
		s.highPriority = append(s.highPriority, promoted)
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.stopped || len(s.highPriority) == 0 {
			s.highPriorityOnly = false
			s.mu.Unlock()
			break
		}
		target := s.highPriority[0]
		s.highPriority = s.highPriority[1:]
		s.mu.Unlock()
		s.scrubOne(target)
	}

	s.mu.Lock()
	err := s.firstErr
	s.mu.Unlock()
	return err
}

func (s *Scrubber) popNext() (*Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, false
	}
	if len(s.highPriority) > 0 {
		target := s.highPriority[0]
		s.highPriority = s.highPriority[1:]
		return target, true
	}
	if len(s.normal) > 0 {
		target := s.normal[0]
		s.normal = s.normal[1:]
		return target, true
	}
	return nil, false
}

// scrubOne replays a single slab's journal. Any error is recorded and
// routed to the read-only notifier, but is never returned to a caller
// still waiting on other slabs: cleanup for this slab (notifying a
// clean-slab waiter) still happens, matching the "result is preserved
// through the remainder of the current phase's cleanup" rule.
func (s *Scrubber) scrubOne(target *Target) {
	err := ReplaySlabJournal(target.Device, target.JournalOrigin, target.JournalSize, target.Nonce, target.Counts)
	if err != nil {
		s.mu.Lock()
		if s.firstErr == nil {
			s.firstErr = err
		}
		s.mu.Unlock()
		if vdoErr, ok := err.(*vdostatus.Error); ok {
			s.readOnly.EnterReadOnly(vdoErr)
		} else {
			s.readOnly.EnterReadOnly(vdostatus.New(vdostatus.CorruptJournal, err.Error()))
		}
	}

	s.mu.Lock()
	waitqueue.NotifyNext(&s.cleanWaiters, func(w *waitqueue.Waiter[chan error]) {
		w.Value <- err
		close(w.Value)
	})
	s.mu.Unlock()
}

// ReplaySlabJournal reads every block of the journal ring at
// [origin, origin+size), keeps only the ones whose header nonce
// matches (a mismatch means the block predates this slab's current
// occupant and is stale), and replays every block from head through
// tail, inclusive, into counts in sequence order, where tail is the
// highest valid sequence number and head is the one recorded in that
// block's header. A fresh slab (no valid header at all) is a no-op,
// not an error.
func ReplaySlabJournal(device blockdevice.BlockDevice, origin layout.PBN, size uint64, nonce uint64, counts *refcounts.Counts) error {
	data, err := slabjournal.ReadExtent(device, origin, size)
	if err != nil {
		return err
	}

	type validBlock struct {
		header  slabjournal.BlockHeader
		entries []refcounts.Entry
	}
	valid := make(map[uint64]validBlock, size)

	for i := uint64(0); i < size; i++ {
		block := data[i*layout.BlockSize : (i+1)*layout.BlockSize]
		header, entries, err := slabjournal.DecodeBlock(block)
		if header.Nonce != nonce {
			// A nonce mismatch means this block predates the slab's
			// current occupant (or was never written); it is stale
			// regardless of whether it would otherwise decode, so it
			// is ignored even when err is also set.
			continue
		}
		if err != nil {
			return err
		}
		if header.SequenceNumber%size != i {
			// This block's slot no longer matches its claimed
			// sequence number: a later wrap already overwrote it,
			// or it is leftover padding. Either way it is stale.
			continue
		}
		valid[header.SequenceNumber] = validBlock{header: header, entries: entries}
	}

	if len(valid) == 0 {
		return nil
	}

	sequences := make([]uint64, 0, len(valid))
	for seq := range valid {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	tail := sequences[len(sequences)-1]
	head := valid[tail].header.Head

	for seq := head; seq <= tail; seq++ {
		block, ok := valid[seq]
		if !ok {
			return vdostatus.Newf(vdostatus.CorruptJournal,
				"slab journal missing sequence %d in range [%d, %d]", seq, head, tail)
		}
		for entryIndex, entry := range block.entries {
			point := journalPointOf(seq, entryIndex)
			if err := counts.ReplayReferenceCountChange(point, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func journalPointOf(sequenceNumber uint64, entryIndex int) journalpoint.JournalPoint {
	return journalpoint.JournalPoint{SequenceNumber: sequenceNumber, EntryCount: uint16(entryIndex)}
}
