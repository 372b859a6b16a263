package hashindex

import (
	"encoding/binary"
	"fmt"

	"github.com/mnohosten/pagestore/pkg/pserrors"
	"github.com/mnohosten/pagestore/pkg/storage"
)

// HeaderDirectoryCount is the fixed capacity of the header's directory
// pointer array: 2^9 slots of 4 bytes each, the first 2048 bytes of
// the page.
const HeaderDirectoryCount = 512

// MaxHeaderDepth is the largest max_depth H the 512-slot pointer
// array can address.
const MaxHeaderDepth = 9

// HeaderPage is the single root page of an extendible hash table: an
// array of up to 2^H directory page ids, routed to by the hash's top
// H bits.
//
// Layout, big-endian:
//
//	bytes    0..2048 : 512 x u32 directory page ids (0 = absent)
//	bytes 2048..2052 : header max_depth (u32)
//	bytes 2052..2056 : directory max_depth (u32)
//	bytes 2056..4096 : reserved/zero
type HeaderPage struct {
	MaxDepth    uint32 // H
	DirMaxDepth uint32 // D, carried here so a reopened index knows its directories' depth ceiling
	DirPageIDs  [HeaderDirectoryCount]storage.PageID
}

// NewHeaderPage creates a zeroed header with the given depth bounds.
func NewHeaderPage(maxDepth, dirMaxDepth uint32) (*HeaderPage, error) {
	if maxDepth > MaxHeaderDepth {
		return nil, fmt.Errorf("%w: header max_depth %d exceeds %d", pserrors.ErrInvalidState, maxDepth, MaxHeaderDepth)
	}
	if dirMaxDepth > HeaderDirectoryCountLog2 {
		return nil, fmt.Errorf("%w: directory max_depth %d exceeds %d", pserrors.ErrInvalidState, dirMaxDepth, HeaderDirectoryCountLog2)
	}
	return &HeaderPage{MaxDepth: maxDepth, DirMaxDepth: dirMaxDepth}, nil
}

// HeaderDirectoryCountLog2 is the largest directory max_depth D the
// fixed 512-slot directory arrays can address (2^9 = 512).
const HeaderDirectoryCountLog2 = 9

// Serialize writes the header into exactly storage.PageSize bytes.
func (h *HeaderPage) Serialize() []byte {
	buf := make([]byte, storage.PageSize)
	for i, id := range h.DirPageIDs {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], uint32(id))
	}
	binary.BigEndian.PutUint32(buf[2048:2052], h.MaxDepth)
	binary.BigEndian.PutUint32(buf[2052:2056], h.DirMaxDepth)
	return buf
}

// DeserializeHeaderPage is the inverse of Serialize.
func DeserializeHeaderPage(buf []byte) (*HeaderPage, error) {
	if len(buf) < 2056 {
		return nil, fmt.Errorf("%w: header page too short (%d bytes)", pserrors.ErrCorruption, len(buf))
	}
	h := &HeaderPage{}
	for i := 0; i < HeaderDirectoryCount; i++ {
		h.DirPageIDs[i] = storage.PageID(binary.BigEndian.Uint32(buf[i*4 : i*4+4]))
	}
	h.MaxDepth = binary.BigEndian.Uint32(buf[2048:2052])
	h.DirMaxDepth = binary.BigEndian.Uint32(buf[2052:2056])
	if h.MaxDepth > MaxHeaderDepth {
		return nil, fmt.Errorf("%w: header max_depth %d exceeds %d", pserrors.ErrCorruption, h.MaxDepth, MaxHeaderDepth)
	}
	return h, nil
}

// HeaderIndex returns the top-MaxDepth-bits slot that hash routes to.
func (h *HeaderPage) HeaderIndex(hash uint32) uint32 {
	return headerIndex(hash, h.MaxDepth)
}
