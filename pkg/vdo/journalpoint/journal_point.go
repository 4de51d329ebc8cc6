// Package journalpoint implements the (sequence_number, entry_count)
// watermark used throughout govdo to order recovery-journal and
// slab-journal entries, and its packed 8-byte on-disk encoding.
package journalpoint

import "encoding/binary"

// JournalPoint is the absolute position of an entry in a recovery
// journal or slab journal.
type JournalPoint struct {
	SequenceNumber uint64
	EntryCount     uint16
}

// PackedSize is the length in bytes of the on-disk encoding of a
// JournalPoint.
const PackedSize = 8

// Zero is the invalid journal point: a point with SequenceNumber == 0
// is never valid (see IsValid).
var Zero = JournalPoint{}

// Advance moves the journal point forward by one entry, rolling over
// into the next sequence number once entriesPerBlock entries have
// been recorded in the current one.
func Advance(point JournalPoint, entriesPerBlock uint16) JournalPoint {
	point.EntryCount++
	if point.EntryCount == entriesPerBlock {
		point.SequenceNumber++
		point.EntryCount = 0
	}
	return point
}

// IsValid reports whether point could refer to a real journal entry.
// A point with SequenceNumber 0 is a sentinel for "no entry yet".
func IsValid(point JournalPoint) bool {
	return point.SequenceNumber > 0
}

// Before reports whether first precedes second in journal order.
func Before(first, second JournalPoint) bool {
	if first.SequenceNumber != second.SequenceNumber {
		return first.SequenceNumber < second.SequenceNumber
	}
	return first.EntryCount < second.EntryCount
}

// AtOrBefore reports whether first is before or equivalent to second.
func AtOrBefore(first, second JournalPoint) bool {
	return first == second || Before(first, second)
}

// Equivalent reports whether both points reference the same logical
// position in the journal.
func Equivalent(first, second JournalPoint) bool {
	return first == second
}

// Pack encodes point into the platform-independent layout used on
// disk: the little-endian 64-bit value formed by the low-order 48
// bits of the sequence number shifted up 16 bits, or'd with the
// 16-bit entry count.
func Pack(point JournalPoint) [PackedSize]byte {
	native := (point.SequenceNumber << 16) | uint64(point.EntryCount)
	var out [PackedSize]byte
	binary.LittleEndian.PutUint64(out[:], native)
	return out
}

// Unpack decodes a packed journal point produced by Pack.
func Unpack(packed [PackedSize]byte) JournalPoint {
	native := binary.LittleEndian.Uint64(packed[:])
	return JournalPoint{
		SequenceNumber: native >> 16,
		EntryCount:     uint16(native & 0xffff),
	}
}

// AppendPacked appends the packed encoding of point to buf, returning
// the extended slice. This is the form used when serializing a
// recovery-journal block header inline into a larger byte buffer.
func AppendPacked(buf []byte, point JournalPoint) []byte {
	packed := Pack(point)
	return append(buf, packed[:]...)
}
