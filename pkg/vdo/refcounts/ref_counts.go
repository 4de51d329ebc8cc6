// Package refcounts implements the per-slab array of physical-block
// reference counts: exact counts 0..254, plus the sentinel 255
// marking a provisional reference held on behalf of an in-flight
// write that has not yet been journaled.
package refcounts

import (
	"sync"

	"github.com/dm-vdo/govdo/pkg/vdo/journalpoint"
	"github.com/dm-vdo/govdo/pkg/vdo/pbnlock"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
)

// ProvisionalReferenceSentinel is the byte value meaning "this block
// holds a provisional reference", not a real count.
const ProvisionalReferenceSentinel byte = 255

// MaxReferenceCount is the largest real (non-sentinel) refcount.
const MaxReferenceCount = 254

// Operation identifies what kind of change a slab-journal entry
// records against a reference count.
type Operation int

const (
	Increment Operation = iota
	Decrement
	BlockMapIncrement
)

func (op Operation) delta() int {
	switch op {
	case Increment, BlockMapIncrement:
		return 1
	case Decrement:
		return -1
	default:
		return 0
	}
}

// Entry is one slab-journal entry: an operation against a
// slab-relative block number.
type Entry struct {
	Operation Operation
	SBN       uint32
}

// ReadOnlyDriver is the collaborator notified when a refcount
// mutation would overflow, per spec.md's "drives the read-only
// notifier" rule. pkg/vdo/readonly.Notifier's EnterReadOnly also takes
// a zone, so callers adapt it with a small wrapper binding the owning
// zone (internal/cli's readOnlyDriver).
type ReadOnlyDriver interface {
	EnterReadOnly(err *vdostatus.Error)
}

// Counts is the reference-count array for a single slab.
type Counts struct {
	// mu serializes mutation. In the zone-per-slab runtime this lock
	// is uncontended (only the slab's own zone ever calls these
	// methods), but keeping it makes Counts safe to unit test
	// concurrently without depending on that external discipline.
	mu sync.Mutex

	counts       []byte
	journalPoint journalpoint.JournalPoint
	notifier     ReadOnlyDriver
}

// New allocates a Counts for a slab of blockCount data blocks, all
// initially unreferenced.
func New(blockCount uint32, notifier ReadOnlyDriver) *Counts {
	return &Counts{
		counts:   make([]byte, blockCount),
		notifier: notifier,
	}
}

// JournalPoint returns the watermark of the last applied mutation.
func (c *Counts) JournalPoint() journalpoint.JournalPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.journalPoint
}

// Get returns the raw stored byte for sbn (0..254, or
// ProvisionalReferenceSentinel).
func (c *Counts) Get(sbn uint32) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[sbn]
}

// Sum returns the sum of all real (non-sentinel) reference counts,
// for checking the "sum of refcounts equals the count of allocated
// data blocks" invariant.
func (c *Counts) Sum() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum uint64
	for _, b := range c.counts {
		if b != ProvisionalReferenceSentinel {
			sum += uint64(b)
		}
	}
	return sum
}

// ProvisionallyReference reserves sbn on behalf of lock. It requires
// the current reference count to be zero; the caller is responsible
// for ensuring no other lock already holds a provisional reference on
// this PBN (that invariant is enforced one layer up, by the
// allocator, which only ever has one live lock per PBN at a time).
func (c *Counts) ProvisionallyReference(sbn uint32, lock *pbnlock.Lock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[sbn] != 0 {
		return vdostatus.Newf(vdostatus.LockError, "block %d already has a reference", sbn)
	}
	c.counts[sbn] = ProvisionalReferenceSentinel
	lock.AssignProvisionalReference()
	return nil
}

// AdjustReferenceCount applies delta to sbn's reference count as part
// of live operation (not replay). It requires journalPoint to be
// strictly after the counts' current watermark: this is a
// precondition enforced by the caller's serialization through the
// slab's journal, so a violation is a programming error, not a
// recoverable one.
func (c *Counts) AdjustReferenceCount(sbn uint32, delta int, point journalpoint.JournalPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !journalpoint.Before(c.journalPoint, point) {
		panic("refcounts: AdjustReferenceCount called with a journal point that is not after the current watermark")
	}
	return c.apply(sbn, delta, point)
}

// ReplayReferenceCountChange applies entry as part of scrubbing a
// slab journal. It is idempotent: if point is at or before the
// counts' current watermark, it returns success without mutating
// anything, so that replaying the same journal twice (or replaying a
// suffix already covered by a saved refcounts block) is harmless.
func (c *Counts) ReplayReferenceCountChange(point journalpoint.JournalPoint, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if journalpoint.AtOrBefore(point, c.journalPoint) {
		return nil
	}
	return c.apply(entry.SBN, entry.Operation.delta(), point)
}

// ReleaseProvisionalReference resets sbn's provisional reference back
// to zero. Called when the PBN lock responsible for that reference is
// released without ever committing a real increment.
func (c *Counts) ReleaseProvisionalReference(sbn uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[sbn] != ProvisionalReferenceSentinel {
		return vdostatus.Newf(vdostatus.LockError, "block %d has no provisional reference to release", sbn)
	}
	c.counts[sbn] = 0
	return nil
}

// apply performs the actual bounded-overflow mutation; callers must
// hold c.mu.
func (c *Counts) apply(sbn uint32, delta int, point journalpoint.JournalPoint) error {
	current := int(c.counts[sbn])
	if current == int(ProvisionalReferenceSentinel) {
		current = 0
	}
	next := current + delta
	if next < 0 || next > MaxReferenceCount {
		err := vdostatus.Newf(vdostatus.RefcountOverflow,
			"reference count for block %d would become %d", sbn, next)
		c.notifier.EnterReadOnly(err)
		return err
	}
	c.counts[sbn] = byte(next)
	c.journalPoint = point
	return nil
}
