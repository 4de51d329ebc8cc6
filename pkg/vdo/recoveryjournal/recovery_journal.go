// Package recoveryjournal implements the single shared on-disk
// journal of block-map mapping changes: the ring of 4 KiB blocks a
// write appends one entry to before it is acknowledged, and the
// head/tail discovery a crash recovery performs before trusting any
// of it.
package recoveryjournal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dm-vdo/govdo/pkg/blockdevice"
	"github.com/dm-vdo/govdo/pkg/util"
	"github.com/dm-vdo/govdo/pkg/vdo/journalpoint"
	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/suspend"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
	"github.com/dm-vdo/govdo/pkg/vdo/waitqueue"
)

var _ suspend.Subsystem = (*Journal)(nil)

// ZeroBlock is the sentinel physical block number meaning "maps to
// the all-zeros block", distinct from layout.InvalidPBN (meaning "no
// mapping at all").
const ZeroBlock layout.PBN = 0

// Operation identifies what kind of block-map change a journal entry
// records.
type Operation int

const (
	DataIncrement Operation = iota
	DataDecrement
	BlockMapIncrement
)

// Slot identifies one block-map entry: the PBN of the block-map page
// and the entry's slot index within it.
type Slot struct {
	PBN       layout.PBN
	SlotIndex uint16
}

// Mapping is the new (or old) mapping target of a Slot.
type Mapping struct {
	PBN        layout.PBN
	Compressed bool
}

// Entry is one recovery-journal entry: a mapping change for one slot.
type Entry struct {
	Slot      Slot
	Mapping   Mapping
	Operation Operation
}

// ValidationConfig supplies the bounds a recovered entry must respect.
// IsValidDataBlock defers to the slab depot, which is the only
// component that knows which PBNs currently back allocatable data
// blocks.
type ValidationConfig struct {
	PhysicalBlocks         uint64
	BlockMapEntriesPerPage uint16
	IsValidDataBlock       func(pbn layout.PBN) bool
}

// ValidateEntry checks entry against cfg, per spec.md's "Validation
// rules for recovered entries". A violation means the journal cannot
// be trusted past this point; the caller should classify the journal
// CORRUPT_JOURNAL and fall back to a rebuild (out of scope here).
func ValidateEntry(cfg ValidationConfig, entry Entry) error {
	if entry.Slot.PBN >= cfg.PhysicalBlocks {
		return vdostatus.Newf(vdostatus.CorruptJournal,
			"entry slot pbn %d is not within %d physical blocks", entry.Slot.PBN, cfg.PhysicalBlocks)
	}
	if entry.Slot.SlotIndex >= cfg.BlockMapEntriesPerPage {
		return vdostatus.Newf(vdostatus.CorruptJournal,
			"entry slot index %d is not within %d entries per page", entry.Slot.SlotIndex, cfg.BlockMapEntriesPerPage)
	}
	if cfg.IsValidDataBlock != nil && !cfg.IsValidDataBlock(entry.Mapping.PBN) {
		return vdostatus.Newf(vdostatus.CorruptJournal,
			"entry mapping pbn %d is not a valid data block", entry.Mapping.PBN)
	}
	if entry.Operation == BlockMapIncrement &&
		(entry.Mapping.Compressed || entry.Mapping.PBN == ZeroBlock) {
		return vdostatus.Newf(vdostatus.CorruptJournal,
			"block map increment to pbn %d is not a valid tree mapping", entry.Mapping.PBN)
	}
	return nil
}

// BlockState is the lifecycle state of the journal's current tail
// block, per spec.md §4.7: FREE -> ACTIVE -> COMMITTING -> COMMITTED
// -> FREE.
type BlockState int

const (
	Free BlockState = iota
	Active
	Committing
	Committed
)

func (s BlockState) String() string {
	switch s {
	case Free:
		return "FREE"
	case Active:
		return "ACTIVE"
	case Committing:
		return "COMMITTING"
	case Committed:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

const (
	entrySize  = 8 + 2 + 8 + 1 + 1 // Slot.PBN + Slot.SlotIndex + Mapping.PBN + Mapping.Compressed + Operation
	headerSize = 8 + 8 + 2 + 8 + 8 // RecoveryCount + SequenceNumber + EntryCount + BlockMapHead + SlabJournalHead
)

// EntriesPerBlock is the number of entries that fit in one on-disk
// recovery-journal block.
const EntriesPerBlock = (layout.BlockSize - headerSize) / entrySize

// BlockHeader is the header of one on-disk recovery-journal block.
type BlockHeader struct {
	// RecoveryCount ties a block to a particular suspend/resume (or
	// crash-recovery) cycle; it is what the original's tie-break rule
	// compares against the super block to pick a winner when two
	// blocks claim the same offset.
	RecoveryCount   uint8
	SequenceNumber  uint64
	EntryCount      uint16
	BlockMapHead    uint64
	SlabJournalHead uint64
}

func packHeader(h BlockHeader) [headerSize]byte {
	var buf [headerSize]byte
	buf[0] = h.RecoveryCount
	binary.LittleEndian.PutUint64(buf[8:16], h.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[16:18], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[18:26], h.BlockMapHead)
	binary.LittleEndian.PutUint64(buf[26:34], h.SlabJournalHead)
	return buf
}

func unpackHeader(buf []byte) BlockHeader {
	return BlockHeader{
		RecoveryCount:   buf[0],
		SequenceNumber:  binary.LittleEndian.Uint64(buf[8:16]),
		EntryCount:      binary.LittleEndian.Uint16(buf[16:18]),
		BlockMapHead:    binary.LittleEndian.Uint64(buf[18:26]),
		SlabJournalHead: binary.LittleEndian.Uint64(buf[26:34]),
	}
}

func packEntry(e Entry) [entrySize]byte {
	var buf [entrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], e.Slot.PBN)
	binary.LittleEndian.PutUint16(buf[8:10], e.Slot.SlotIndex)
	binary.LittleEndian.PutUint64(buf[10:18], e.Mapping.PBN)
	if e.Mapping.Compressed {
		buf[18] = 1
	}
	buf[19] = byte(e.Operation)
	return buf
}

func unpackEntry(buf []byte) Entry {
	return Entry{
		Slot: Slot{
			PBN:       binary.LittleEndian.Uint64(buf[0:8]),
			SlotIndex: binary.LittleEndian.Uint16(buf[8:10]),
		},
		Mapping: Mapping{
			PBN:        binary.LittleEndian.Uint64(buf[10:18]),
			Compressed: buf[18] != 0,
		},
		Operation: Operation(buf[19]),
	}
}

func packBlock(header BlockHeader, entries []Entry) []byte {
	block := make([]byte, layout.BlockSize)
	packedHeader := packHeader(header)
	copy(block, packedHeader[:])
	offset := headerSize
	for _, e := range entries {
		packed := packEntry(e)
		copy(block[offset:], packed[:])
		offset += entrySize
	}
	return block
}

// DecodeBlock parses one on-disk recovery-journal block.
func DecodeBlock(block []byte) (BlockHeader, []Entry, error) {
	if len(block) < layout.BlockSize {
		return BlockHeader{}, nil, fmt.Errorf("recoveryjournal: short block (%d bytes)", len(block))
	}
	header := unpackHeader(block)
	if int(header.EntryCount) > EntriesPerBlock {
		return header, nil, vdostatus.Newf(vdostatus.CorruptJournal,
			"recovery journal block claims %d entries, more than fit in a block", header.EntryCount)
	}
	entries := make([]Entry, header.EntryCount)
	offset := headerSize
	for i := range entries {
		entries[i] = unpackEntry(block[offset:])
		offset += entrySize
	}
	return header, entries, nil
}

// blockNumberForSequence computes the physical offset a given
// sequence number's block lives at; journalSize must be a power of
// two, matching vdo_compute_recovery_journal_block_number's use of a
// bitmask instead of a modulus.
func blockNumberForSequence(journalSize uint64, sequenceNumber uint64) uint64 {
	return sequenceNumber & (journalSize - 1)
}

// isCongruent reports whether header could legitimately occupy offset
// within a journal of the given size and recovery count: its claimed
// sequence number must map back to this offset, and its recovery
// count must match the cycle the caller expects (the super block's
// current recovery count, at load time). Sequence numbers start at 1,
// so a block claiming sequence 0 has never been written and is not
// congruent.
func isCongruent(header BlockHeader, journalSize uint64, offset uint64, expectedRecoveryCount uint8) bool {
	return header.SequenceNumber != 0 &&
		blockNumberForSequence(journalSize, header.SequenceNumber) == offset &&
		header.RecoveryCount == expectedRecoveryCount
}

// FindHeadAndTail scans every block of a journal's on-disk extent,
// classifies each by isCongruent, and reports the highest sequence
// number found (tail) plus the highest block_map_head and
// slab_journal_head among congruent blocks. It reports found=false if
// no congruent block exists, meaning the journal is empty.
func FindHeadAndTail(data []byte, journalSize uint64, expectedRecoveryCount uint8) (tail, blockMapHead, slabJournalHead uint64, found bool) {
	for i := uint64(0); i < journalSize; i++ {
		block := data[i*layout.BlockSize : (i+1)*layout.BlockSize]
		header, _, err := DecodeBlock(block)
		if err != nil {
			continue
		}
		if !isCongruent(header, journalSize, i, expectedRecoveryCount) {
			continue
		}
		if !found || header.SequenceNumber >= tail {
			found = true
			tail = header.SequenceNumber
		}
		if header.BlockMapHead > blockMapHead {
			blockMapHead = header.BlockMapHead
		}
		if header.SlabJournalHead > slabJournalHead {
			slabJournalHead = header.SlabJournalHead
		}
	}
	return tail, blockMapHead, slabJournalHead, found
}

// Journal is the in-memory state of the recovery journal's current
// tail block and the ring it is written into.
type Journal struct {
	mu sync.Mutex

	// ioMu serializes the write/sync phase of Commit across
	// goroutines, so that two overlapping Commit calls (one from a
	// full AddEntry, one from an explicit flush) never race to write
	// the same tail block twice.
	ioMu sync.Mutex

	device        blockdevice.BlockDevice
	origin        layout.PBN
	size          uint64
	recoveryCount uint8

	tail            uint64
	head            uint64
	state           BlockState
	pendingEntries  []Entry
	blockMapHead    uint64
	slabJournalHead uint64

	// commitWaiters holds one waiter per entry added since the last
	// commit; the original keeps entry_waiters and commit_waiters as
	// separate queues (one for the not-yet-committing block, one for
	// the block currently being written), but since this Journal only
	// ever has one block active at a time, a single queue serves both
	// roles.
	commitWaiters waitqueue.Queue[chan error]
}

// New constructs a Journal resuming from startTail (the tail sequence
// number discovered by FindHeadAndTail plus one, or 1 for a fresh
// journal), within the current recoveryCount cycle.
func New(device blockdevice.BlockDevice, origin layout.PBN, size uint64, recoveryCount uint8, startTail uint64) *Journal {
	return &Journal{
		device:        device,
		origin:        origin,
		size:          size,
		recoveryCount: recoveryCount,
		tail:          startTail,
		head:          startTail,
		state:         Free,
	}
}

// Tail returns the sequence number of the block currently being
// filled.
func (j *Journal) Tail() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tail
}

// State reports the current tail block's lifecycle state.
func (j *Journal) State() BlockState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// IsFull reports whether the current tail block has no room for
// another entry.
func (j *Journal) IsFull() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pendingEntries) == EntriesPerBlock
}

// AdvanceHead records that no live block-map or slab-journal recovery
// depends on any sequence number before newHead any longer, freeing
// that much of the ring for reuse. It is a no-op if newHead is behind
// the journal's current head.
func (j *Journal) AdvanceHead(newHead uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if newHead > j.head {
		j.head = newHead
	}
}

// Head returns the oldest sequence number the journal still considers
// live.
func (j *Journal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// AddEntry appends entry to the journal's current tail block, moving
// it FREE -> ACTIVE if it was not already active (vdo_allocate_entry's
// "select the current active tail block" in this single-block-at-a-
// time model). It returns the point the entry was assigned and a
// channel that receives the eventual commit result, or a
// vdostatus.VolumeOverflow error if opening a new tail block would
// advance the journal past its oldest reclaimed block (the ring is
// full and nothing has freed space yet). If the block becomes full, it
// is committed immediately using blockMapHead and slabJournalHead as
// the watermark the caller currently knows.
func (j *Journal) AddEntry(entry Entry, blockMapHead, slabJournalHead uint64) (journalpoint.JournalPoint, <-chan error, error) {
	j.mu.Lock()
	if j.state == Free {
		if j.tail-j.head >= j.size {
			j.mu.Unlock()
			return journalpoint.JournalPoint{}, nil, vdostatus.Newf(vdostatus.VolumeOverflow,
				"recovery journal is full: tail %d has not advanced past head %d within %d blocks", j.tail, j.head, j.size)
		}
		j.state = Active
	}
	point := journalpoint.JournalPoint{SequenceNumber: j.tail, EntryCount: uint16(len(j.pendingEntries))}
	j.pendingEntries = append(j.pendingEntries, entry)
	done := make(chan error, 1)
	j.commitWaiters.Enqueue(waitqueue.NewWaiter(done))
	full := len(j.pendingEntries) == EntriesPerBlock
	j.mu.Unlock()

	if full {
		j.Commit(blockMapHead, slabJournalHead)
	}
	return point, done, nil
}

// Commit writes out the current (possibly partial) tail block if it
// has any pending entries, advances the journal past it, and wakes
// every commit waiter whose entry was captured in that block.
// blockMapHead and slabJournalHead are the caller's current knowledge
// of the oldest sequence each subsystem still depends on; they are
// stamped into the committed block's header and retained as the
// journal's own record of the last-known heads.
//
// Only the entries present at the moment Commit takes its snapshot
// are written and acknowledged here. AddEntry may keep appending to
// j.pendingEntries (and enqueueing new commitWaiters) for the whole
// duration of the unlocked write/sync below; those later entries
// belong to the next tail block and are left untouched for the next
// Commit to pick up, rather than being folded into (and silently
// dropped by) this one.
func (j *Journal) Commit(blockMapHead, slabJournalHead uint64) error {
	j.ioMu.Lock()
	defer j.ioMu.Unlock()

	j.mu.Lock()
	if len(j.pendingEntries) == 0 {
		j.mu.Unlock()
		return nil
	}
	j.state = Committing
	committedCount := len(j.pendingEntries)
	committedSeq := j.tail
	header := BlockHeader{
		RecoveryCount:   j.recoveryCount,
		SequenceNumber:  committedSeq,
		EntryCount:      uint16(committedCount),
		BlockMapHead:    blockMapHead,
		SlabJournalHead: slabJournalHead,
	}
	block := packBlock(header, j.pendingEntries)
	offset := int64((j.origin + blockNumberForSequence(j.size, committedSeq)) * layout.BlockSize)
	device := j.device

	// Exactly one waiter was enqueued per entry captured above, in the
	// same order; pull off precisely that many, leaving anything
	// AddEntry enqueues afterward on j.commitWaiters for the next
	// Commit.
	var committingWaiters waitqueue.Queue[chan error]
	for i := 0; i < committedCount; i++ {
		committingWaiters.Enqueue(j.commitWaiters.DequeueNext())
	}
	j.mu.Unlock()

	_, err := device.WriteAt(block, offset)
	if err == nil {
		err = device.Sync()
	}
	if err != nil {
		err = util.StatusWrap(err, "recoveryjournal: committing block")
	}

	j.mu.Lock()
	if err == nil {
		j.tail = committedSeq + 1
		// Anything beyond the committed prefix arrived while the write
		// above was in flight; it stays pending for the next block.
		remainder := j.pendingEntries[committedCount:]
		j.pendingEntries = append([]Entry(nil), remainder...)
		j.blockMapHead = blockMapHead
		j.slabJournalHead = slabJournalHead
		if len(j.pendingEntries) == 0 {
			j.state = Free
		} else {
			j.state = Active
		}
		j.mu.Unlock()

		waitqueue.NotifyAll(&committingWaiters, func(w *waitqueue.Waiter[chan error]) {
			w.Value <- nil
			close(w.Value)
		})
		return nil
	}

	// The write failed: the same entries must be retried by the next
	// Commit, so put committingWaiters back at the head of the queue
	// (ahead of anything AddEntry enqueued in the meantime) instead of
	// notifying them now.
	var merged waitqueue.Queue[chan error]
	waitqueue.TransferAll(&committingWaiters, &merged)
	waitqueue.TransferAll(&j.commitWaiters, &merged)
	j.commitWaiters = merged
	j.state = Active
	j.mu.Unlock()
	return err
}

// Drain implements suspend.Subsystem: it flushes any pending entries
// to disk, the recovery journal's contribution to quiescing a VDO
// device (mode does not change the behavior, since a save and a plain
// suspend both require every acknowledged write to be durable before
// proceeding).
func (j *Journal) Drain(_ suspend.Mode) error {
	j.mu.Lock()
	blockMapHead, slabJournalHead := j.blockMapHead, j.slabJournalHead
	j.mu.Unlock()
	return j.Commit(blockMapHead, slabJournalHead)
}

// Heads returns the journal's current record of block_map_head and
// slab_journal_head, the watermark a scrubber or block-map recovery
// reads to know how far back it must replay.
func (j *Journal) Heads() (blockMapHead, slabJournalHead uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.blockMapHead, j.slabJournalHead
}

// ReadExtent reads the size contiguous BlockSize blocks starting at
// origin into one buffer, for head/tail discovery via FindHeadAndTail.
func ReadExtent(device blockdevice.BlockDevice, origin layout.PBN, size uint64) ([]byte, error) {
	buf := make([]byte, size*layout.BlockSize)
	if _, err := device.ReadAt(buf, int64(origin*layout.BlockSize)); err != nil {
		return nil, util.StatusWrap(err, "recoveryjournal: reading journal extent")
	}
	return buf, nil
}
