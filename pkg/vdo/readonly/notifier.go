// Package readonly implements the read-only notifier: the lattice
// that transitions every zone to a read-only state on any
// unrecoverable metadata error, with at-most-once delivery to every
// registered listener.
package readonly

import (
	vdoatomic "github.com/dm-vdo/govdo/pkg/atomic"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
	"sync"
	"sync/atomic"
)

type notifierState uint32

const (
	// mayNotify: notifications are allowed but not in progress.
	mayNotify notifierState = iota
	// notifying: a notification is in progress.
	notifying
	// mayNotNotify: notifications are not allowed (suspend in flight).
	mayNotNotify
	// notified: a notification has completed.
	notified
)

// Listener is notified once, on its own zone, after that zone has
// been marked read-only.
type Listener interface {
	NotifyReadOnly()
}

// Scheduler arranges for a task to run on the goroutine that owns the
// given zone. The notifier uses this to run each zone's listeners on
// that zone, exactly as the walk in the original runs
// make_thread_read_only on each base thread in turn.
type Scheduler interface {
	RunOnZone(zone int, task func())
}

// InlineScheduler runs every task synchronously in the calling
// goroutine. It is the only Scheduler this module constructs: govdo
// drives every device as a single degenerate zone, so there is never
// more than one goroutine to hand a zone's work to. A multi-zone build
// would replace it with a Scheduler that dispatches onto each zone's
// own goroutine instead.
type InlineScheduler struct{}

// RunOnZone implements Scheduler.
func (InlineScheduler) RunOnZone(_ int, task func()) {
	task()
}

type zoneData struct {
	isReadOnly atomic.Bool
	// mu guards listeners, which is only ever appended to at device
	// load time on the zone that owns it; kept for safety against
	// accidental late registration from another goroutine.
	mu        sync.Mutex
	listeners []Listener
}

// Notifier is the read-only notifier shared by every zone of a VDO.
type Notifier struct {
	scheduler     Scheduler
	adminZone     int
	readOnlyError atomic.Pointer[vdostatus.Error]
	state         vdoatomic.Uint32
	zones         []zoneData

	// mu guards waiter; only touched from the admin zone, so this is
	// uncontended in practice (it exists to make that assumption
	// explicit rather than relying on it silently).
	mu     sync.Mutex
	waiter func(err error)
}

// New constructs a Notifier for zoneCount zones, with adminZone as
// the zone that drives the notification walk and services
// AllowReadOnlyEntry/WaitUntilNotEnteringReadOnlyMode. If
// initiallyReadOnly is true (loading a VDO that was already
// read-only), every zone starts read-only and no walk is needed.
func New(zoneCount, adminZone int, scheduler Scheduler, initiallyReadOnly bool) *Notifier {
	n := &Notifier{
		scheduler: scheduler,
		adminZone: adminZone,
		zones:     make([]zoneData, zoneCount),
	}
	if initiallyReadOnly {
		n.readOnlyError.Store(vdostatus.New(vdostatus.ReadOnly, "loaded in read-only mode"))
		n.state.Initialize(uint32(notified))
		for i := range n.zones {
			n.zones[i].isReadOnly.Store(true)
		}
	} else {
		n.state.Initialize(uint32(mayNotify))
	}
	return n
}

// RegisterListener adds l to the list of listeners notified when
// zone transitions to read-only, in registration order.
func (n *Notifier) RegisterListener(zone int, l Listener) {
	zd := &n.zones[zone]
	zd.mu.Lock()
	defer zd.mu.Unlock()
	zd.listeners = append(zd.listeners, l)
}

// IsReadOnly reports whether zone has observed the read-only
// transition yet. Every zone settles to true eventually once any
// EnterReadOnly call wins; see EnterReadOnly for which error is kept.
func (n *Notifier) IsReadOnly(zone int) bool {
	return n.zones[zone].isReadOnly.Load()
}

// ReadOnlyError returns the error that first drove the VDO
// read-only, or nil if it is still healthy.
func (n *Notifier) ReadOnlyError() error {
	if e := n.readOnlyError.Load(); e != nil {
		return e
	}
	return nil
}

// EnterReadOnly may be called from any zone. The first call to win
// the compare-and-swap on readOnlyError determines the error that is
// permanently recorded; every later call, with any error, is a no-op
// beyond marking the caller's own zone read-only.
func (n *Notifier) EnterReadOnly(zone int, err *vdostatus.Error) {
	zd := &n.zones[zone]
	if zd.isReadOnly.Load() {
		return
	}
	zd.isReadOnly.Store(true)

	if !n.readOnlyError.CompareAndSwap(nil, err) {
		return
	}

	if n.state.CompareAndSwap(uint32(mayNotify), uint32(notifying)) {
		go n.runWalk()
	}
	// If the state was MAY_NOT_NOTIFY, read_only_error stays set and
	// a later AllowReadOnlyEntry call will observe it and start the
	// walk itself.
}

// AllowReadOnlyEntry re-enables notifications after a period in which
// they were suppressed (see WaitUntilNotEnteringReadOnlyMode), and
// performs any notification that became pending while suppressed.
// Must be called from the admin zone.
func (n *Notifier) AllowReadOnlyEntry(done func(err error)) {
	n.mu.Lock()
	if n.waiter != nil {
		n.mu.Unlock()
		done(vdostatus.New(vdostatus.ComponentBusy, "a read-only transition is already pending"))
		return
	}
	n.mu.Unlock()

	if !n.state.CompareAndSwap(uint32(mayNotNotify), uint32(mayNotify)) {
		done(nil)
		return
	}

	if n.readOnlyError.Load() == nil {
		done(nil)
		return
	}

	if !n.state.CompareAndSwap(uint32(mayNotify), uint32(notifying)) {
		// Another caller already raced us into starting the walk.
		done(nil)
		return
	}

	n.mu.Lock()
	n.waiter = done
	n.mu.Unlock()
	go n.runWalk()
}

// WaitUntilNotEnteringReadOnlyMode suppresses future notification
// walks (used while suspending), calling done once it is safe to
// proceed: either no walk was in progress, or the in-progress walk
// has finished. Must be called from the admin zone.
func (n *Notifier) WaitUntilNotEnteringReadOnlyMode(done func(err error)) {
	n.mu.Lock()
	if n.waiter != nil {
		n.mu.Unlock()
		done(vdostatus.New(vdostatus.ComponentBusy, "a read-only transition is already pending"))
		return
	}
	n.mu.Unlock()

	switch notifierState(n.state.Load()) {
	case mayNotNotify, notified:
		done(nil)
		return
	}

	if n.state.CompareAndSwap(uint32(mayNotify), uint32(mayNotNotify)) {
		done(nil)
		return
	}

	// A notification is in progress; it cannot finish while the
	// admin zone is in this call, so park the waiter for the walk to
	// pick up.
	n.mu.Lock()
	n.waiter = done
	n.mu.Unlock()
}

// runWalk visits every zone in order, marking it read-only and
// notifying its listeners, then returns to the admin zone to record
// completion and wake any parked waiter.
func (n *Notifier) runWalk() {
	for zone := range n.zones {
		zone := zone
		done := make(chan struct{})
		n.scheduler.RunOnZone(zone, func() {
			defer close(done)
			zd := &n.zones[zone]
			zd.isReadOnly.Store(true)

			zd.mu.Lock()
			listeners := zd.listeners
			zd.mu.Unlock()
			for _, l := range listeners {
				l.NotifyReadOnly()
			}
		})
		<-done
	}

	done := make(chan struct{})
	n.scheduler.RunOnZone(n.adminZone, func() {
		defer close(done)
		n.state.Store(uint32(notified))

		n.mu.Lock()
		waiter := n.waiter
		n.waiter = nil
		n.mu.Unlock()
		if waiter != nil {
			waiter(nil)
		}
	})
	<-done
}
