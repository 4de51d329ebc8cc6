// Package layout holds the handful of constants that describe the
// physical shape of a govdo volume: block size and the physical block
// number type shared by every on-disk structure.
package layout

// BlockSize is the fixed size, in bytes, of every physical block
// (data block, recovery-journal block, slab-journal block, and the
// super block).
const BlockSize = 4096

// PBN is a physical block number: a 64-bit index into the backing
// store.
type PBN = uint64

// InvalidPBN marks the absence of a physical block mapping.
const InvalidPBN PBN = ^uint64(0)
