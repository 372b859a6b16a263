package bufferpool

import (
	"sync"
	"sync/atomic"

	"github.com/mnohosten/pagestore/pkg/replacer"
	"github.com/mnohosten/pagestore/pkg/storage"
)

// frame is an in-memory slot that can hold one page. The manager owns
// a fixed array of frames for its entire lifetime; only the page each
// one currently caches changes.
type frame struct {
	id replacer.FrameID

	// pageLock guards concurrent access to page.Data: many readers or
	// one writer.
	pageLock sync.RWMutex
	page     *storage.Page

	pinCount int32 // atomic
	dirty    int32 // atomic bool
}

func newFrame(id replacer.FrameID) *frame {
	return &frame{id: id, page: storage.NewPage(storage.InvalidPageID)}
}

func (f *frame) isDirty() bool {
	return atomic.LoadInt32(&f.dirty) != 0
}

func (f *frame) setDirty(v bool) {
	if v {
		atomic.StoreInt32(&f.dirty, 1)
	} else {
		atomic.StoreInt32(&f.dirty, 0)
	}
}

func (f *frame) pinCountValue() int32 {
	return atomic.LoadInt32(&f.pinCount)
}

// pin increments the pin count and reports whether this transitioned
// the frame from 0 to 1 (non-evictable).
func (f *frame) pin() bool {
	return atomic.AddInt32(&f.pinCount, 1) == 1
}

// unpin decrements the pin count and reports whether this transitioned
// the frame from 1 to 0 (now evictable).
func (f *frame) unpin() bool {
	return atomic.AddInt32(&f.pinCount, -1) == 0
}
