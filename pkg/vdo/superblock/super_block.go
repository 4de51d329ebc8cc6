// Package superblock implements the fixed on-disk record that
// identifies a VDO volume: its format version, the nonce that every
// slab and recovery-journal block is validated against, and the
// partition table describing where each other region lives.
package superblock

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/dm-vdo/govdo/pkg/blockdevice"
	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
)

// Version bounds for the on-disk format, per spec.md §6: a version
// greater than CurrentVersion but within [MinVersion, MaxVersion] is
// a format this code does not yet understand and must refuse to
// mount rather than silently downgrade or guess at compatibility.
const (
	MinVersion     uint32 = 1
	CurrentVersion uint32 = 3
	MaxVersion     uint32 = 7
)

// Partition names one contiguous region of the backing store.
type Partition struct {
	ID     uint8
	Offset layout.PBN
	Count  uint64
}

const partitionSize = 1 + 8 + 8 // ID + Offset + Count

// SuperBlock is the decoded contents of the super-block region.
type SuperBlock struct {
	Version    uint32
	Nonce      uint64
	Partitions []Partition
}

const headerSize = 4 + 4 + 8 + 4 // magic + version + nonce + partition count

const magic uint32 = 0x564f4442 // "VODB"

// Encode packs sb into exactly layout.BlockSize bytes, zero-padding
// anything unused, mirroring the fixed-size, zero-padded block
// convention every other on-disk structure in this module follows.
func (sb *SuperBlock) Encode() ([]byte, error) {
	size := headerSize + len(sb.Partitions)*partitionSize
	if size > layout.BlockSize {
		return nil, fmt.Errorf("superblock: partition table of %d entries does not fit in one block",
			len(sb.Partitions))
	}

	block := make([]byte, layout.BlockSize)
	binary.LittleEndian.PutUint32(block[0:4], magic)
	binary.LittleEndian.PutUint32(block[4:8], sb.Version)
	binary.LittleEndian.PutUint64(block[8:16], sb.Nonce)
	binary.LittleEndian.PutUint32(block[16:20], uint32(len(sb.Partitions)))

	offset := headerSize
	for _, p := range sb.Partitions {
		block[offset] = p.ID
		binary.LittleEndian.PutUint64(block[offset+1:offset+9], uint64(p.Offset))
		binary.LittleEndian.PutUint64(block[offset+9:offset+17], p.Count)
		offset += partitionSize
	}
	return block, nil
}

// Decode parses a super-block region previously produced by Encode.
// A version beyond MaxVersion, or below MinVersion, is rejected
// outright. A version strictly between CurrentVersion and MaxVersion
// is a format newer than this code understands; per spec.md's Open
// Question resolution (never silently downgrade), that is logged and
// also rejected rather than partially interpreted.
func Decode(block []byte) (*SuperBlock, error) {
	if len(block) < headerSize {
		return nil, vdostatus.New(vdostatus.CorruptJournal, "superblock: block is smaller than the super-block header")
	}
	if binary.LittleEndian.Uint32(block[0:4]) != magic {
		return nil, vdostatus.New(vdostatus.CorruptJournal, "superblock: bad magic")
	}

	version := binary.LittleEndian.Uint32(block[4:8])
	if version < MinVersion || version > MaxVersion {
		return nil, vdostatus.Newf(vdostatus.BadConfiguration,
			"superblock: version %d is outside the supported range [%d, %d]", version, MinVersion, MaxVersion)
	}
	if version > CurrentVersion {
		log.Printf("superblock: refusing to mount version %d, newer than current version %d", version, CurrentVersion)
		return nil, vdostatus.Newf(vdostatus.BadConfiguration,
			"superblock: version %d is newer than this build supports (current %d); refusing to mount", version, CurrentVersion)
	}

	nonce := binary.LittleEndian.Uint64(block[8:16])
	count := binary.LittleEndian.Uint32(block[16:20])

	sb := &SuperBlock{Version: version, Nonce: nonce, Partitions: make([]Partition, count)}
	offset := headerSize
	for i := range sb.Partitions {
		if offset+partitionSize > len(block) {
			return nil, vdostatus.New(vdostatus.CorruptJournal, "superblock: partition table truncated")
		}
		sb.Partitions[i] = Partition{
			ID:     block[offset],
			Offset: layout.PBN(binary.LittleEndian.Uint64(block[offset+1 : offset+9])),
			Count:  binary.LittleEndian.Uint64(block[offset+9 : offset+17]),
		}
		offset += partitionSize
	}
	return sb, nil
}

// Store persists a SuperBlock to a fixed region of a backing device.
//
// Unlike the config file loaded by pkg/config, the super block lives
// at a fixed offset within a shared block device, not as its own
// regular file; github.com/natefinch/atomic only atomically replaces
// a whole regular file via rename, which has no meaning for a region
// of a device shared with everything else VDO stores there. So Store
// writes directly with WriteAt+Sync, the same direct-write pattern
// [[recoveryjournal]] and [[slabjournal]] already use for their own
// blocks.
type Store struct {
	device blockdevice.BlockDevice
	offset int64
}

// NewStore constructs a Store that reads and writes the super block
// at the given byte offset of device.
func NewStore(device blockdevice.BlockDevice, offset int64) *Store {
	return &Store{device: device, offset: offset}
}

// Load reads and decodes the super block.
func (s *Store) Load() (*SuperBlock, error) {
	block := make([]byte, layout.BlockSize)
	if _, err := s.device.ReadAt(block, s.offset); err != nil {
		return nil, err
	}
	return Decode(block)
}

// Save encodes and writes sb, then flushes it to stable storage.
func (s *Store) Save(sb *SuperBlock) error {
	block, err := sb.Encode()
	if err != nil {
		return err
	}
	if _, err := s.device.WriteAt(block, s.offset); err != nil {
		return err
	}
	return s.device.Sync()
}
