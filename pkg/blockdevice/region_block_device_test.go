package blockdevice_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/govdo/pkg/blockdevice"
)

type memDevice struct {
	data []byte
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.data[off:]), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.data[off:], p), nil
}

func (d *memDevice) Sync() error { return nil }

func TestRegionBlockDeviceShiftsOffset(t *testing.T) {
	base := &memDevice{data: make([]byte, 64)}
	region := blockdevice.NewRegionBlockDevice(base, 16)

	n, err := region.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), base.data[16:21])

	buf := make([]byte, 5)
	n, err = region.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestRegionBlockDeviceZeroOffsetReturnsBaseUnwrapped(t *testing.T) {
	base := &memDevice{data: make([]byte, 8)}
	require.Same(t, blockdevice.BlockDevice(base), blockdevice.NewRegionBlockDevice(base, 0))
}
