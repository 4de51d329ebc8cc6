// Package pbnlock implements short-lived locks on physical block
// numbers (PBNs) and the fixed-capacity pool they are borrowed from.
// No allocation occurs on the hot path: every Lock a VDO will ever
// hand out is allocated up front by NewPool.
package pbnlock

import (
	vdoatomic "github.com/dm-vdo/govdo/pkg/atomic"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
)

// Type identifies what kind of access a Lock grants.
type Type int

const (
	ReadLock Type = iota
	WriteLock
	CompressedWriteLock
	BlockMapWriteLock
)

// Lock is a short-lived exclusive or shared lock on a PBN.
type Lock struct {
	Type                    Type
	HolderCount             uint16
	FragmentLocks           uint8
	HasProvisionalReference bool

	// IncrementLimit is, for read locks, the number of additional
	// references available on the locked block at the time the lock
	// was acquired (maximum 254, since 255 is the refcount's
	// provisional-reference sentinel).
	IncrementLimit uint8

	// incrementsClaimed is monotone and may be mutated from any
	// zone via ClaimIncrement; it can exceed IncrementLimit since
	// every claim attempt increments it before checking the result.
	incrementsClaimed vdoatomic.Uint32
}

// IsReadLock reports whether lock grants read access.
func (l *Lock) IsReadLock() bool {
	return l.Type == ReadLock
}

// ClaimIncrement attempts to claim one of the available reference
// count increments on a read lock. May be called concurrently from
// any zone; returns true iff the claim is guaranteed safe, i.e. the
// post-increment claim count is at most IncrementLimit.
func (l *Lock) ClaimIncrement() bool {
	claimed := l.incrementsClaimed.Add(1)
	return claimed <= uint32(l.IncrementLimit)
}

// IncrementsClaimed returns the current claim counter, primarily for
// diagnostics and tests; it may exceed IncrementLimit.
func (l *Lock) IncrementsClaimed() uint32 {
	return l.incrementsClaimed.Load()
}

// DowngradeToRead downgrades a write lock to a read lock in place,
// clearing HolderCount. The caller is responsible for setting the new
// holder count afterward.
func (l *Lock) DowngradeToRead() {
	l.HolderCount = 0
	l.Type = ReadLock
}

// AssignProvisionalReference records that lock is now responsible for
// a provisional reference on its PBN.
func (l *Lock) AssignProvisionalReference() {
	l.HasProvisionalReference = true
}

// UnassignProvisionalReference records that lock is no longer
// responsible for a provisional reference.
func (l *Lock) UnassignProvisionalReference() {
	l.HasProvisionalReference = false
}

// ReferenceCountReleaser is implemented by the slab depot. It is the
// collaborator that ReleaseProvisionalReference calls into to
// actually decrement a block's reference count, under that slab's
// own journal lock.
type ReferenceCountReleaser interface {
	ReleaseProvisionalReference(pbn uint64) error
}

// ReleaseProvisionalReference releases the provisional reference lock
// is responsible for, if any, transferring ownership from the lock to
// the refcount layer. This is called when a lock is released.
func ReleaseProvisionalReference(lock *Lock, pbn uint64, releaser ReferenceCountReleaser) error {
	if !lock.HasProvisionalReference {
		return nil
	}
	if err := releaser.ReleaseProvisionalReference(pbn); err != nil {
		return err
	}
	lock.HasProvisionalReference = false
	return nil
}

// Pool is a fixed-capacity source of Locks. No Lock is ever allocated
// outside of NewPool; Borrow and Return only move existing Locks
// between the idle list and the caller.
type Pool struct {
	capacity int
	borrowed int
	idle     []*Lock
}

// NewPool allocates capacity Locks up front, all idle.
func NewPool(capacity int) *Pool {
	idle := make([]*Lock, capacity)
	for i := range idle {
		idle[i] = &Lock{}
	}
	return &Pool{capacity: capacity, idle: idle}
}

// Capacity returns the total number of Locks the pool was built with.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Borrowed returns the number of Locks currently on loan.
func (p *Pool) Borrowed() int {
	return p.borrowed
}

// Borrow returns a zero-initialized Lock of the given type, or
// LockError if the pool is empty.
func (p *Pool) Borrow(lockType Type) (*Lock, error) {
	n := len(p.idle)
	if n == 0 {
		return nil, vdostatus.New(vdostatus.LockError, "no free PBN locks left to borrow")
	}
	lock := p.idle[n-1]
	p.idle = p.idle[:n-1]
	p.borrowed++
	*lock = Lock{Type: lockType}
	return lock, nil
}

// Return zeroes lock and pushes it back onto the idle list. lock must
// have been the last live reference, as if it were being freed.
func (p *Pool) Return(lock *Lock) {
	*lock = Lock{}
	p.idle = append(p.idle, lock)
	p.borrowed--
}
