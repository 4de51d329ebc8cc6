// Package slabjournal implements the per-slab on-disk ring of
// reference-count change entries: the write path that batches
// entries into 4 KiB blocks and commits them, and the decoding used
// by the scrubber to replay a slab's journal after an unclean
// shutdown.
package slabjournal

import (
	"encoding/binary"
	"fmt"

	"sync"

	"github.com/dm-vdo/govdo/pkg/blockdevice"
	"github.com/dm-vdo/govdo/pkg/util"
	"github.com/dm-vdo/govdo/pkg/vdo/journalpoint"
	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/refcounts"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
	"github.com/dm-vdo/govdo/pkg/vdo/waitqueue"
)

const slabJournalMetadataType = 1

const (
	entrySize  = 1 + 4 // operation byte + slab-relative block number
	headerSize = 8 + 1 + 1 + 8 + 2 + 8
)

// EntriesPerBlock is the number of journal entries that fit in one
// on-disk slab-journal block.
const EntriesPerBlock = (layout.BlockSize - headerSize) / entrySize

// FullEntriesPerBlock is the number of entries a block may hold when
// it has block-map increments recorded, which the original reserves
// space for; govdo does not need the reservation since entries are
// fixed size, so FullEntriesPerBlock equals EntriesPerBlock.
const FullEntriesPerBlock = EntriesPerBlock

// BlockHeader is the header of one on-disk slab-journal block.
type BlockHeader struct {
	Nonce                 uint64
	MetadataType          uint8
	HasBlockMapIncrements bool
	SequenceNumber        uint64
	EntryCount            uint16
	// Head is the oldest sequence number this block's slab still
	// depends on; it lets a scrubber discover how far back to read.
	Head uint64
}

func packHeader(h BlockHeader) [headerSize]byte {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.Nonce)
	buf[8] = h.MetadataType
	if h.HasBlockMapIncrements {
		buf[9] = 1
	}
	binary.LittleEndian.PutUint64(buf[10:18], h.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[18:20], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[20:28], h.Head)
	return buf
}

func unpackHeader(buf []byte) BlockHeader {
	return BlockHeader{
		Nonce:                 binary.LittleEndian.Uint64(buf[0:8]),
		MetadataType:          buf[8],
		HasBlockMapIncrements: buf[9] != 0,
		SequenceNumber:        binary.LittleEndian.Uint64(buf[10:18]),
		EntryCount:            binary.LittleEndian.Uint16(buf[18:20]),
		Head:                  binary.LittleEndian.Uint64(buf[20:28]),
	}
}

func packEntry(e refcounts.Entry) [entrySize]byte {
	var buf [entrySize]byte
	buf[0] = byte(e.Operation)
	binary.LittleEndian.PutUint32(buf[1:5], e.SBN)
	return buf
}

func unpackEntry(buf []byte) refcounts.Entry {
	return refcounts.Entry{
		Operation: refcounts.Operation(buf[0]),
		SBN:       binary.LittleEndian.Uint32(buf[1:5]),
	}
}

// packBlock renders header and entries into one full BlockSize block,
// zero-padding unused entry slots.
func packBlock(header BlockHeader, entries []refcounts.Entry) []byte {
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

// DecodeBlock parses one on-disk slab-journal block, returning its
// header and however many entries header.EntryCount claims, without
// validating them against the slab's nonce or bounds — callers (the
// scrubber) do that, since only they know what nonce and slab size to
// expect.
func DecodeBlock(block []byte) (BlockHeader, []refcounts.Entry, error) {
	if len(block) < layout.BlockSize {
		return BlockHeader{}, nil, fmt.Errorf("slabjournal: short block (%d bytes)", len(block))
	}
	header := unpackHeader(block)
	if int(header.EntryCount) > EntriesPerBlock {
		return header, nil, vdostatus.Newf(vdostatus.CorruptJournal,
			"slab journal block claims %d entries, more than fit in a block", header.EntryCount)
	}
	entries := make([]refcounts.Entry, header.EntryCount)
	offset := headerSize
	for i := range entries {
		entries[i] = unpackEntry(block[offset:])
		offset += entrySize
	}
	return header, entries, nil
}

// ReadExtent reads the size contiguous BlockSize blocks starting at
// origin into one buffer, the same shape as the scrubber's
// journal_data buffer in the original.
func ReadExtent(device blockdevice.BlockDevice, origin layout.PBN, size uint64) ([]byte, error) {
	buf := make([]byte, size*layout.BlockSize)
	if _, err := device.ReadAt(buf, int64(origin*layout.BlockSize)); err != nil {
		return nil, util.StatusWrap(err, "slabjournal: reading journal extent")
	}
	return buf, nil
}

// Journal is the in-memory state of one slab's on-disk journal ring.
type Journal struct {
	mu sync.Mutex

	// ioMu serializes the write/sync phase of Commit, so two
	// overlapping Commit calls never race to write the same tail
	// block twice.
	ioMu sync.Mutex

	device blockdevice.BlockDevice
	origin layout.PBN
	size   uint64
	nonce  uint64

	tail       uint64 // next sequence number to allocate
	head       uint64 // oldest sequence this slab still depends on
	nextCommit uint64 // oldest sequence not yet committed

	pendingEntries []refcounts.Entry
	pendingHasBMI  bool
	waiters        waitqueue.Queue[chan error]
}

// New constructs a Journal for a slab whose journal partition spans
// size blocks starting at origin, resuming from startTail (the
// sequence number discovered at load time, or 1 for a fresh slab).
func New(device blockdevice.BlockDevice, origin layout.PBN, size uint64, nonce uint64, startTail uint64) *Journal {
	return &Journal{
		device:     device,
		origin:     origin,
		size:       size,
		nonce:      nonce,
		tail:       startTail,
		head:       startTail,
		nextCommit: startTail,
	}
}

// Tail returns the sequence number of the block currently being
// filled.
func (j *Journal) Tail() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tail
}

// Head returns the oldest sequence number the slab still depends on.
func (j *Journal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// AdvanceHead records that no live reference depends on any sequence
// before newHead any longer.
func (j *Journal) AdvanceHead(newHead uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if newHead > j.head {
		j.head = newHead
	}
}

// AddEntry appends one entry to the current tail block, returning the
// journal point it was assigned and a channel that receives the
// commit result (nil on success) once that block reaches disk. If the
// block becomes full, it is committed immediately as part of this
// call.
func (j *Journal) AddEntry(op refcounts.Operation, sbn uint32, isBlockMapIncrement bool) (journalpoint.JournalPoint, <-chan error) {
	j.mu.Lock()
	point := journalpoint.JournalPoint{SequenceNumber: j.tail, EntryCount: uint16(len(j.pendingEntries))}
	j.pendingEntries = append(j.pendingEntries, refcounts.Entry{Operation: op, SBN: sbn})
	if isBlockMapIncrement {
		j.pendingHasBMI = true
	}
	done := make(chan error, 1)
	j.waiters.Enqueue(waitqueue.NewWaiter(done))
	full := len(j.pendingEntries) == EntriesPerBlock
	j.mu.Unlock()

	if full {
		j.Commit()
	}
	return point, done
}

// Commit writes out the current (possibly partial) tail block,
// advances past it, and wakes every waiter whose entry was captured
// in that block with the write's result.
//
// Only the entries present at the moment Commit takes its snapshot
// are written here. AddEntry may keep appending to j.pendingEntries
// (and enqueueing new waiters) for the whole duration of the unlocked
// write/sync below; those later entries belong to the next tail block
// and are left pending for the next Commit, rather than being folded
// into (and silently dropped by) this one.
func (j *Journal) Commit() error {
	j.ioMu.Lock()
	defer j.ioMu.Unlock()

	j.mu.Lock()
	if len(j.pendingEntries) == 0 {
		j.mu.Unlock()
		return nil
	}
	committedCount := len(j.pendingEntries)
	committedSeq := j.tail
	header := BlockHeader{
		Nonce:                 j.nonce,
		MetadataType:          slabJournalMetadataType,
		HasBlockMapIncrements: j.pendingHasBMI,
		SequenceNumber:        committedSeq,
		EntryCount:            uint16(committedCount),
		Head:                  j.head,
	}
	block := packBlock(header, j.pendingEntries)
	offset := int64((j.origin + committedSeq%j.size) * layout.BlockSize)
	device := j.device

	// Exactly one waiter was enqueued per entry captured above, in the
	// same order; pull off precisely that many, leaving anything
	// AddEntry enqueues afterward for the next Commit.
	var committingWaiters waitqueue.Queue[chan error]
	for i := 0; i < committedCount; i++ {
		committingWaiters.Enqueue(j.waiters.DequeueNext())
	}
	j.mu.Unlock()

	_, err := device.WriteAt(block, offset)
	if err == nil {
		err = device.Sync()
	}

	j.mu.Lock()
	if err == nil {
		j.tail = committedSeq + 1
		j.nextCommit = j.tail
		remainder := j.pendingEntries[committedCount:]
		j.pendingEntries = append([]refcounts.Entry(nil), remainder...)
		j.pendingHasBMI = false
		j.mu.Unlock()

		waitqueue.NotifyAll(&committingWaiters, func(w *waitqueue.Waiter[chan error]) {
			w.Value <- nil
			close(w.Value)
		})
		return nil
	}

	// The write failed: the same entries must be retried by the next
	// Commit, so put committingWaiters back at the head of the queue
	// instead of notifying them now.
	var merged waitqueue.Queue[chan error]
	waitqueue.TransferAll(&committingWaiters, &merged)
	waitqueue.TransferAll(&j.waiters, &merged)
	j.waiters = merged
	j.mu.Unlock()
	return err
}
