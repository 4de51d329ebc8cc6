// Package depot implements the slab depot: the physical-block
// allocator that partitions a VDO's backing store into fixed-size
// slabs, each owning its own reference-count array and journal, and
// that drives the scrubber over any slab left dirty by an unclean
// shutdown before declaring itself usable.
//
// The partitioning itself is modeled on
// pkg/blobstore/local/partitioning_block_allocator.go's range
// partitioning idiom, adapted from "partition by content size" to
// "partition by fixed-size contiguous slab": a free-block search
// instead of a free-offset list, since allocation here is per-block
// within a slab rather than per-slab.
package depot

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dm-vdo/govdo/pkg/blockdevice"
	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/pbnlock"
	"github.com/dm-vdo/govdo/pkg/vdo/refcounts"
	"github.com/dm-vdo/govdo/pkg/vdo/scrubber"
	"github.com/dm-vdo/govdo/pkg/vdo/slabjournal"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
)

var (
	depotPrometheusMetrics sync.Once

	blockAllocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "govdo",
		Subsystem: "depot",
		Name:      "block_allocations_total",
		Help:      "Number of physical blocks allocated from the slab depot",
	})
	blockReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "govdo",
		Subsystem: "depot",
		Name:      "provisional_releases_total",
		Help:      "Number of provisional references released back to the slab depot",
	})
	slabsScrubbed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "govdo",
		Subsystem: "depot",
		Name:      "slabs_scrubbed_total",
		Help:      "Number of slabs queued for scrubbing on load",
	})
)

func registerMetrics() {
	depotPrometheusMetrics.Do(func() {
		prometheus.MustRegister(blockAllocations)
		prometheus.MustRegister(blockReleases)
		prometheus.MustRegister(slabsScrubbed)
	})
}

// Status records whether a slab's reference counts are known good,
// or must be rebuilt from its journal before the slab may be
// allocated from.
type Status int

const (
	Normal Status = iota
	RequiresScrubbing
)

// Slab is one fixed-size partition of the physical address space,
// together with the reference-count array and journal that track its
// allocations. A slab's data-block range is [Origin, Origin+DataBlocks).
type Slab struct {
	Number     uint64
	Origin     layout.PBN
	DataBlocks uint64
	Counts     *refcounts.Counts
	Journal    *slabjournal.Journal
	Status     Status
}

// Config describes how to partition a backing store into slabs. Slab
// data and slab journals live on separate devices (or separate
// regions of the same device addressed by the caller), exactly as
// spec.md §6 lays out the recovery-journal and per-slab-journal
// partitions as distinct regions.
type Config struct {
	DataDevice    blockdevice.BlockDevice
	JournalDevice blockdevice.BlockDevice

	PhysicalBlocks uint64
	// SlabDataBlocks is the number of data blocks per slab; it must
	// be a power of two, mirroring the original's slab-size
	// constraint.
	SlabDataBlocks uint64
	// SlabJournalBlocks is the size, in blocks, of each slab's
	// journal partition.
	SlabJournalBlocks uint64

	Nonce uint64
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Depot owns every slab of a VDO device and allocates physical blocks
// from them.
type Depot struct {
	config Config

	mu    sync.Mutex
	slabs []*Slab
	next  int

	locks    *pbnlock.Pool
	readOnly scrubber.ReadOnlyDriver
	scrubber *scrubber.Scrubber
}

// New partitions config.PhysicalBlocks into slabs of
// config.SlabDataBlocks data blocks apiece and constructs the
// reference-count array, journal, and scrubber registration target
// for each. lockCapacity bounds the PBN lock pool AllocateBlock
// borrows from.
func New(config Config, readOnly scrubber.ReadOnlyDriver, lockCapacity int) (*Depot, error) {
	registerMetrics()

	if !isPowerOfTwo(config.SlabDataBlocks) {
		return nil, fmt.Errorf("depot: slab size %d is not a power of two", config.SlabDataBlocks)
	}

	slabCount := config.PhysicalBlocks / config.SlabDataBlocks
	if slabCount == 0 {
		return nil, fmt.Errorf("depot: physical block count %d is smaller than one slab (%d blocks)",
			config.PhysicalBlocks, config.SlabDataBlocks)
	}

	d := &Depot{
		config:   config,
		slabs:    make([]*Slab, slabCount),
		locks:    pbnlock.NewPool(lockCapacity),
		readOnly: readOnly,
		scrubber: scrubber.New(readOnly),
	}

	for i := uint64(0); i < slabCount; i++ {
		counts := refcounts.New(uint32(config.SlabDataBlocks), readOnly)
		journal := slabjournal.New(
			config.JournalDevice,
			d.journalOrigin(i),
			config.SlabJournalBlocks,
			config.Nonce,
			1)
		d.slabs[i] = &Slab{
			Number:     i,
			Origin:     layout.PBN(i * config.SlabDataBlocks),
			DataBlocks: config.SlabDataBlocks,
			Counts:     counts,
			Journal:    journal,
		}
	}

	return d, nil
}

func (d *Depot) journalOrigin(slabNumber uint64) layout.PBN {
	return layout.PBN(slabNumber * d.config.SlabJournalBlocks)
}

// SlabCount returns the number of slabs the depot was partitioned
// into.
func (d *Depot) SlabCount() int {
	return len(d.slabs)
}

// Slab returns the slab with the given number.
func (d *Depot) Slab(number uint64) *Slab {
	return d.slabs[number]
}

// Load registers every slab named in dirtySlabNumbers with the
// depot's scrubber and drains the scrub queue before returning,
// so that the depot is not usable until every dirty slab's
// reference counts have been rebuilt from its journal.
func (d *Depot) Load(dirtySlabNumbers []uint64) error {
	dirty := make(map[uint64]bool, len(dirtySlabNumbers))
	for _, n := range dirtySlabNumbers {
		dirty[n] = true
	}

	for _, slab := range d.slabs {
		if !dirty[slab.Number] {
			continue
		}
		slab.Status = RequiresScrubbing
		slabsScrubbed.Inc()
		d.scrubber.Register(&scrubber.Target{
			SlabNumber:    slab.Number,
			Device:        d.config.JournalDevice,
			JournalOrigin: d.journalOrigin(slab.Number),
			JournalSize:   d.config.SlabJournalBlocks,
			Nonce:         d.config.Nonce,
			Counts:        slab.Counts,
		}, false)
	}

	err := d.scrubber.ScrubSlabs()
	for _, slab := range d.slabs {
		if slab.Status == RequiresScrubbing {
			slab.Status = Normal
		}
	}
	return err
}

// AllocateBlock walks the slabs round-robin, starting where the
// previous call left off, looking for one with a free (refcount-zero)
// data block. On success it provisionally references that block and
// returns its PBN along with the lock now responsible for the
// provisional reference.
func (d *Depot) AllocateBlock() (layout.PBN, *pbnlock.Lock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.slabs)
	for i := 0; i < n; i++ {
		slab := d.slabs[(d.next+i)%n]
		if slab.Status != Normal {
			continue
		}
		sbn, ok := firstFreeBlock(slab)
		if !ok {
			continue
		}

		lock, err := d.locks.Borrow(pbnlock.WriteLock)
		if err != nil {
			return layout.InvalidPBN, nil, err
		}
		if err := slab.Counts.ProvisionallyReference(sbn, lock); err != nil {
			d.locks.Return(lock)
			return layout.InvalidPBN, nil, err
		}

		d.next = (d.next + i + 1) % n
		blockAllocations.Inc()
		return slab.Origin + layout.PBN(sbn), lock, nil
	}

	return layout.InvalidPBN, nil, vdostatus.New(vdostatus.NoSpace, "no free physical blocks remain in the depot")
}

func firstFreeBlock(slab *Slab) (uint32, bool) {
	for sbn := uint64(0); sbn < slab.DataBlocks; sbn++ {
		if slab.Counts.Get(uint32(sbn)) == 0 {
			return uint32(sbn), true
		}
	}
	return 0, false
}

// ReleaseProvisionalReference implements pbnlock.ReferenceCountReleaser,
// so a released PBN lock's provisional reference is returned to the
// owning slab's reference counts.
func (d *Depot) ReleaseProvisionalReference(pbn uint64) error {
	slabNumber := pbn / d.config.SlabDataBlocks
	sbn := uint32(pbn % d.config.SlabDataBlocks)

	d.mu.Lock()
	slab := d.slabs[slabNumber]
	d.mu.Unlock()

	blockReleases.Inc()
	return slab.Counts.ReleaseProvisionalReference(sbn)
}
