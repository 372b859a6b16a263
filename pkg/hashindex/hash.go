package hashindex

import "github.com/spaolacci/murmur3"

// hashKey hashes the encoded key bytes with MurmurHash3 x86-32,
// seed 0. Every routing decision in the index derives from this one
// value: the top bits pick the directory, the bottom bits the bucket.
func hashKey(keyBytes []byte) uint32 {
	return murmur3.Sum32WithSeed(keyBytes, 0)
}

// headerIndex extracts the top h bits of hash, where h is the
// header's max_depth (0 <= h <= 9). Go defines a shift count >= the
// operand's bit width as yielding 0, so h == 0 correctly always
// selects index 0 without a special case.
func headerIndex(hash uint32, h uint32) uint32 {
	return hash >> (32 - h)
}

// directoryIndex extracts the bottom g bits of hash, where g is the
// directory's current global depth.
func directoryIndex(hash uint32, g uint32) uint32 {
	return hash & ((1 << g) - 1)
}
