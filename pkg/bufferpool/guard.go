package bufferpool

import "github.com/mnohosten/pagestore/pkg/storage"

// ReadGuard is a scoped, read-only borrow of one frame's page. Release
// must be called exactly once, typically via defer, when the caller is
// done reading.
type ReadGuard struct {
	m      *Manager
	f      *frame
	pageID storage.PageID
}

// PageID returns the id of the page this guard is borrowing.
func (g *ReadGuard) PageID() storage.PageID { return g.pageID }

// Data returns the page's bytes. The returned slice must not be
// retained past Release.
func (g *ReadGuard) Data() []byte { return g.f.page.Data[:] }

// Release unpins the frame and, if the pin count reaches zero, marks
// it evictable before releasing the page's read lock, in that order;
// both steps are done when Release returns.
func (g *ReadGuard) Release() {
	g.m.releaseGuard(g.f, false)
}

// WriteGuard is a scoped, exclusive borrow of one frame's page.
// Release must be called exactly once when the caller is done writing.
type WriteGuard struct {
	m      *Manager
	f      *frame
	pageID storage.PageID
}

// PageID returns the id of the page this guard is borrowing.
func (g *WriteGuard) PageID() storage.PageID { return g.pageID }

// Data returns the page's mutable bytes and marks the frame dirty:
// obtaining write access is the caller declaring intent to mutate.
func (g *WriteGuard) Data() []byte {
	g.f.setDirty(true)
	return g.f.page.Data[:]
}

// Release unpins the frame and, if the pin count reaches zero, marks
// it evictable before releasing the page's write lock.
func (g *WriteGuard) Release() {
	g.m.releaseGuard(g.f, true)
}
