package hashindex

import (
	"encoding/binary"
	"fmt"

	"github.com/mnohosten/pagestore/pkg/pserrors"
	"github.com/mnohosten/pagestore/pkg/storage"
)

// DirectoryCapacity is the fixed array capacity for bucket pointers
// and local depths (512 * 4 bytes for ids, 512 * 1 byte for depths).
// Only the first 2^GlobalDepth entries of each array are meaningful
// at any time.
const DirectoryCapacity = 512

// DirectoryPage routes a directory-local hash to a bucket page.
//
// Layout, big-endian:
//
//	bytes    0..2048 : 512 x u32 bucket page ids
//	bytes 2048..2560 : 512 x u8 local depths
//	bytes 2560..2564 : max_depth (u32)
//	bytes 2564..2568 : global_depth (u32)
//	bytes 2568..4096 : reserved/zero
type DirectoryPage struct {
	MaxDepth    uint32 // D
	GlobalDepth uint32 // g, 0 <= g <= D
	BucketIDs   [DirectoryCapacity]storage.PageID
	LocalDepths [DirectoryCapacity]uint8
}

// NewDirectoryPage creates a directory at global depth 0 pointing its
// sole slot at bucketID.
func NewDirectoryPage(maxDepth uint32, bucketID storage.PageID) *DirectoryPage {
	d := &DirectoryPage{MaxDepth: maxDepth}
	d.BucketIDs[0] = bucketID
	d.LocalDepths[0] = 0
	return d
}

// Serialize writes the directory into exactly storage.PageSize bytes.
func (d *DirectoryPage) Serialize() []byte {
	buf := make([]byte, storage.PageSize)
	for i, id := range d.BucketIDs {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], uint32(id))
	}
	for i, ld := range d.LocalDepths {
		buf[2048+i] = ld
	}
	binary.BigEndian.PutUint32(buf[2560:2564], d.MaxDepth)
	binary.BigEndian.PutUint32(buf[2564:2568], d.GlobalDepth)
	return buf
}

// DeserializeDirectoryPage is the inverse of Serialize.
func DeserializeDirectoryPage(buf []byte) (*DirectoryPage, error) {
	if len(buf) < 2568 {
		return nil, fmt.Errorf("%w: directory page too short (%d bytes)", pserrors.ErrCorruption, len(buf))
	}
	d := &DirectoryPage{}
	for i := 0; i < DirectoryCapacity; i++ {
		d.BucketIDs[i] = storage.PageID(binary.BigEndian.Uint32(buf[i*4 : i*4+4]))
	}
	copy(d.LocalDepths[:], buf[2048:2560])
	d.MaxDepth = binary.BigEndian.Uint32(buf[2560:2564])
	d.GlobalDepth = binary.BigEndian.Uint32(buf[2564:2568])
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// BucketIndex computes hash & ((1<<g)-1).
func (d *DirectoryPage) BucketIndex(hash uint32) uint32 {
	return directoryIndex(hash, d.GlobalDepth)
}

// SplitImage returns the index that pairs with i when the bucket at i
// splits at i's current local depth: i XOR (1 << (ld[i]-1)).
func (d *DirectoryPage) SplitImage(i uint32) uint32 {
	ld := d.LocalDepths[i]
	if ld == 0 {
		return i
	}
	return i ^ (1 << (ld - 1))
}

// IncrementGlobalDepth doubles the directory by cycling its current
// content, failing if already at MaxDepth.
func (d *DirectoryPage) IncrementGlobalDepth() error {
	if d.GlobalDepth >= d.MaxDepth {
		return fmt.Errorf("%w: directory already at max depth %d", pserrors.ErrCapacityExceeded, d.MaxDepth)
	}
	oldSize := uint32(1) << d.GlobalDepth
	for i := uint32(0); i < oldSize; i++ {
		d.BucketIDs[oldSize+i] = d.BucketIDs[i]
		d.LocalDepths[oldSize+i] = d.LocalDepths[i]
	}
	d.GlobalDepth++
	return nil
}

// DecrementGlobalDepth halves the directory, valid only when every
// slot's local depth is strictly less than the global depth.
func (d *DirectoryPage) DecrementGlobalDepth() error {
	if d.GlobalDepth == 0 {
		return fmt.Errorf("%w: directory already at global depth 0", pserrors.ErrInvalidState)
	}
	size := uint32(1) << d.GlobalDepth
	for i := uint32(0); i < size; i++ {
		if uint32(d.LocalDepths[i]) >= d.GlobalDepth {
			return fmt.Errorf("%w: slot %d local depth %d not below global depth %d", pserrors.ErrInvalidState, i, d.LocalDepths[i], d.GlobalDepth)
		}
	}
	d.GlobalDepth--
	return nil
}

// CanShrink reports whether every in-range slot's local depth is
// strictly below the global depth, i.e. DecrementGlobalDepth would succeed.
func (d *DirectoryPage) CanShrink() bool {
	if d.GlobalDepth == 0 {
		return false
	}
	size := uint32(1) << d.GlobalDepth
	for i := uint32(0); i < size; i++ {
		if uint32(d.LocalDepths[i]) >= d.GlobalDepth {
			return false
		}
	}
	return true
}

// SetSplitImagesTo redirects every slot whose low LocalDepths[ref] bits
// match ref's to point at ref's bucket, used during merges so slots
// that used to point at the bucket being freed now point at its
// surviving split image.
func (d *DirectoryPage) SetSplitImagesTo(ref uint32) {
	ld := d.LocalDepths[ref]
	mask := uint32(0)
	if ld > 0 {
		mask = (1 << ld) - 1
	}
	refBits := ref & mask
	size := uint32(1) << d.GlobalDepth
	for i := uint32(0); i < size; i++ {
		if i&mask == refBits {
			d.BucketIDs[i] = d.BucketIDs[ref]
		}
	}
}

// Validate checks the directory well-formedness invariants: every
// local depth is within the global depth, pointers sharing a bucket
// agree on local depth, and each distinct bucket is pointed to by
// exactly 2^(g-ld) slots.
func (d *DirectoryPage) Validate() error {
	if d.GlobalDepth > d.MaxDepth {
		return fmt.Errorf("%w: global depth %d exceeds max depth %d", pserrors.ErrCorruption, d.GlobalDepth, d.MaxDepth)
	}
	size := uint32(1) << d.GlobalDepth
	pointerCount := make(map[storage.PageID]int)
	localDepthOf := make(map[storage.PageID]uint8)
	for i := uint32(0); i < size; i++ {
		ld := uint32(d.LocalDepths[i])
		if ld > d.GlobalDepth {
			return fmt.Errorf("%w: slot %d local depth %d exceeds global depth %d", pserrors.ErrCorruption, i, ld, d.GlobalDepth)
		}
		bucket := d.BucketIDs[i]
		if seen, ok := localDepthOf[bucket]; ok && seen != d.LocalDepths[i] && bucket != storage.InvalidPageID {
			return fmt.Errorf("%w: bucket %d reachable at local depths %d and %d", pserrors.ErrCorruption, bucket, seen, d.LocalDepths[i])
		}
		localDepthOf[bucket] = d.LocalDepths[i]
		pointerCount[bucket]++
	}
	for bucket, count := range pointerCount {
		if bucket == storage.InvalidPageID {
			continue
		}
		want := 1 << (d.GlobalDepth - uint32(localDepthOf[bucket]))
		if count != want {
			return fmt.Errorf("%w: bucket %d has %d pointers, want %d", pserrors.ErrCorruption, bucket, count, want)
		}
	}
	return nil
}
