package hashindex

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mnohosten/pagestore/pkg/pserrors"
	"github.com/mnohosten/pagestore/pkg/storage"
)

// BucketHeaderSize is the size of a bucket page's size/max_size header.
const BucketHeaderSize = 8

// rawEntry is one serialized (key, value) pair stored in a bucket,
// insertion order, duplicates allowed.
type rawEntry struct {
	key   []byte
	value []byte
}

// BucketPage holds the (key, value) entries that hash to it, in
// insertion order with duplicate keys retained. Entries are kept as
// their encoded bytes: the encoded form, not the generic K/V's Go
// identity, is the ground truth for equality.
type BucketPage struct {
	maxSize int
	keySize int
	valSize int
	entries []rawEntry
}

// NewBucketPage creates an empty bucket sized for keySize+valSize byte entries.
func NewBucketPage(keySize, valSize int) *BucketPage {
	dataBytes := storage.PageSize - BucketHeaderSize
	return &BucketPage{
		maxSize: dataBytes / (keySize + valSize),
		keySize: keySize,
		valSize: valSize,
	}
}

// MaxSize returns floor(BUCKET_DATA_BYTES / (sizeof(K)+sizeof(V))).
func (b *BucketPage) MaxSize() int { return b.maxSize }

// Size returns the current entry count.
func (b *BucketPage) Size() int { return len(b.entries) }

// IsFull reports whether the bucket has reached MaxSize.
func (b *BucketPage) IsFull() bool { return len(b.entries) >= b.maxSize }

// IsEmpty reports whether the bucket holds no entries.
func (b *BucketPage) IsEmpty() bool { return len(b.entries) == 0 }

// Append adds (keyBytes, valBytes) to the end of the bucket. Callers
// must check IsFull first; Append does not itself enforce the capacity
// invariant so split logic can temporarily exceed it mid-redistribution.
func (b *BucketPage) Append(keyBytes, valBytes []byte) {
	b.entries = append(b.entries, rawEntry{key: append([]byte(nil), keyBytes...), value: append([]byte(nil), valBytes...)})
}

// Lookup returns the encoded values of every entry whose key matches
// keyBytes, in insertion order.
func (b *BucketPage) Lookup(keyBytes []byte) [][]byte {
	var out [][]byte
	for _, e := range b.entries {
		if bytes.Equal(e.key, keyBytes) {
			out = append(out, e.value)
		}
	}
	return out
}

// Remove deletes every entry whose key matches keyBytes and returns
// the count removed.
func (b *BucketPage) Remove(keyBytes []byte) int {
	kept := b.entries[:0]
	removed := 0
	for _, e := range b.entries {
		if bytes.Equal(e.key, keyBytes) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
	return removed
}

// Entries returns every (key, value) pair currently in the bucket, in
// insertion order. The caller must not mutate the returned slices.
func (b *BucketPage) Entries() []rawEntry {
	return b.entries
}

// Serialize writes the bucket into exactly storage.PageSize bytes.
func (b *BucketPage) Serialize() []byte {
	buf := make([]byte, storage.PageSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(b.entries)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(b.maxSize))

	off := BucketHeaderSize
	for _, e := range b.entries {
		copy(buf[off:off+b.keySize], e.key)
		off += b.keySize
		copy(buf[off:off+b.valSize], e.value)
		off += b.valSize
	}
	return buf
}

// DeserializeBucketPage is the inverse of Serialize.
func DeserializeBucketPage(buf []byte, keySize, valSize int) (*BucketPage, error) {
	if len(buf) < BucketHeaderSize {
		return nil, fmt.Errorf("%w: bucket page too short (%d bytes)", pserrors.ErrCorruption, len(buf))
	}
	size := binary.BigEndian.Uint32(buf[0:4])
	maxSize := binary.BigEndian.Uint32(buf[4:8])

	b := &BucketPage{
		maxSize: int(maxSize),
		keySize: keySize,
		valSize: valSize,
	}

	entrySize := keySize + valSize
	off := BucketHeaderSize
	for i := uint32(0); i < size; i++ {
		if off+entrySize > len(buf) {
			return nil, fmt.Errorf("%w: bucket page entry %d runs past page bounds", pserrors.ErrCorruption, i)
		}
		key := append([]byte(nil), buf[off:off+keySize]...)
		off += keySize
		val := append([]byte(nil), buf[off:off+valSize]...)
		off += valSize
		b.entries = append(b.entries, rawEntry{key: key, value: val})
	}
	return b, nil
}
