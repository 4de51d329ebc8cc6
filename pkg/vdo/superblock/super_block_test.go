package superblock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/govdo/pkg/vdo/layout"
	"github.com/dm-vdo/govdo/pkg/vdo/superblock"
	"github.com/dm-vdo/govdo/pkg/vdo/vdostatus"
)

type memDevice struct {
	data []byte
}

func newMemDevice(blocks uint64) *memDevice {
	return &memDevice{data: make([]byte, blocks*layout.BlockSize)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.data[off:]), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.data[off:], p), nil
}

func (d *memDevice) Sync() error { return nil }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sb := &superblock.SuperBlock{
		Version: superblock.CurrentVersion,
		Nonce:   0xdeadbeef,
		Partitions: []superblock.Partition{
			{ID: 1, Offset: 0, Count: 1024},
			{ID: 2, Offset: 1024, Count: 256},
		},
	}

	block, err := sb.Encode()
	require.NoError(t, err)
	require.Len(t, block, layout.BlockSize)

	decoded, err := superblock.Decode(block)
	require.NoError(t, err)
	require.Equal(t, sb, decoded)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	block := make([]byte, layout.BlockSize)
	_, err := superblock.Decode(block)
	require.Error(t, err)
}

func TestDecodeRejectsVersionAboveMax(t *testing.T) {
	sb := &superblock.SuperBlock{Version: superblock.CurrentVersion, Nonce: 1}
	block, err := sb.Encode()
	require.NoError(t, err)
	block[4] = 255

	_, err = superblock.Decode(block)
	require.Error(t, err)
}

func TestDecodeRejectsVersionNewerThanCurrent(t *testing.T) {
	sb := &superblock.SuperBlock{Version: superblock.CurrentVersion + 1, Nonce: 1}
	block, err := sb.Encode()
	require.NoError(t, err)

	_, err = superblock.Decode(block)
	require.Error(t, err)
	require.True(t, vdostatus.Is(err, vdostatus.BadConfiguration))
}

func TestStoreRoundTripsThroughDevice(t *testing.T) {
	device := newMemDevice(2)
	store := superblock.NewStore(device, layout.BlockSize)

	sb := &superblock.SuperBlock{
		Version:    superblock.CurrentVersion,
		Nonce:      42,
		Partitions: []superblock.Partition{{ID: 3, Offset: 10, Count: 20}},
	}
	require.NoError(t, store.Save(sb))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, sb, loaded)
}
