// Package bufferpool implements the buffer pool manager: a fixed
// array of frames mapping page ids to cached pages, coordinating with
// an LRU-K replacer and a disk scheduler to give callers pinned
// read/write guards over page bytes.
//
// The fetch path is an optimistic read of the frame table upgraded to
// a write lock on miss, with a single-flight load so concurrent
// faults on the same page id cooperate: one goroutine loads, the rest
// wait on the installed mapping.
package bufferpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mnohosten/pagestore/pkg/pserrors"
	"github.com/mnohosten/pagestore/pkg/replacer"
	"github.com/mnohosten/pagestore/pkg/storage"
)

// Manager caches fixed-size pages in a fixed set of frames, faulting
// them in from disk on demand and evicting by LRU-K when full.
type Manager struct {
	dm *storage.DiskManager
	ds *storage.DiskScheduler

	frames []*frame
	repl   *replacer.Replacer
	k      int

	tableMu sync.RWMutex
	table   map[storage.PageID]replacer.FrameID
	pending map[storage.PageID]chan struct{}

	freeMu     sync.Mutex
	freeFrames []replacer.FrameID
	freeIDs    []storage.PageID

	nextPageID  uint32 // atomic, pre-increment: first id handed out is seed+1 (1 on a fresh file)
	accessClock uint64 // atomic

	hits, misses, evictions uint64 // atomic, introspection only
}

// New constructs a buffer pool manager with numFrames frames over the
// file at path, using a k-distance LRU-K replacer. Any storage.Option
// (e.g. storage.WithCompression) is forwarded to the underlying
// DiskManager.
func New(path string, numFrames int, k int, opts ...storage.Option) (*Manager, error) {
	if numFrames <= 0 {
		return nil, fmt.Errorf("%w: numFrames must be positive", pserrors.ErrInvalidState)
	}
	dm, err := storage.NewDiskManager(path, opts...)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dm:      dm,
		ds:      storage.NewDiskScheduler(dm),
		frames:  make([]*frame, numFrames),
		repl:    replacer.New(numFrames, k),
		k:       k,
		table:   make(map[storage.PageID]replacer.FrameID, numFrames),
		pending: make(map[storage.PageID]chan struct{}),
		// Reopening an existing file starts id allocation past
		// everything a previous run may have written, so fresh pages
		// never collide with resident on-disk pages. A brand-new file
		// reports zero and allocation begins at page 1 as usual.
		nextPageID: dm.InitialPages(),
	}
	for i := 0; i < numFrames; i++ {
		fid := replacer.FrameID(i)
		m.frames[i] = newFrame(fid)
		m.freeFrames = append(m.freeFrames, fid)
	}
	return m, nil
}

func (m *Manager) tick() uint64 {
	return atomic.AddUint64(&m.accessClock, 1)
}

func (m *Manager) allocatePageID() storage.PageID {
	m.freeMu.Lock()
	if n := len(m.freeIDs); n > 0 {
		id := m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
		m.freeMu.Unlock()
		return id
	}
	m.freeMu.Unlock()
	return storage.PageID(atomic.AddUint32(&m.nextPageID, 1))
}

// acquireVictimFrame returns a frame ready to receive a new page,
// taking it from the free list first, then asking the replacer to
// evict. A dirty victim is flushed before its slot is reused.
//
// Eviction runs entirely under the frame-table write lock: picking the
// victim, flushing it, and dropping its mapping are one atomic step
// with respect to fetchFrame's hit path, which pins under the read
// lock. Without that, a concurrent fetch could pin the victim between
// Evict and the table delete and end up sharing the frame with the
// page about to be installed. Flushing under the table lock costs
// throughput on an eviction, not on a hit.
func (m *Manager) acquireVictimFrame() (replacer.FrameID, error) {
	m.freeMu.Lock()
	if n := len(m.freeFrames); n > 0 {
		fid := m.freeFrames[n-1]
		m.freeFrames = m.freeFrames[:n-1]
		m.freeMu.Unlock()
		return fid, nil
	}
	m.freeMu.Unlock()

	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	fid, ok := m.repl.Evict()
	if !ok {
		return 0, fmt.Errorf("%w: no free or evictable frame", pserrors.ErrCapacityExceeded)
	}
	atomic.AddUint64(&m.evictions, 1)

	f := m.frames[fid]
	oldID := f.page.ID
	if f.isDirty() {
		resp := <-m.ds.ScheduleWrite(oldID, f.page.Data[:])
		if resp.Err != nil {
			return 0, fmt.Errorf("flush victim page %d before eviction: %w", oldID, resp.Err)
		}
		f.setDirty(false)
	}
	delete(m.table, oldID)

	return fid, nil
}

// NewPage allocates a fresh PageID, installs a zeroed page into a
// free-or-evictable frame, and returns the id. The returned page is
// not pinned for the caller: fetch it with GetWritePage to populate it.
func (m *Manager) NewPage() (storage.PageID, error) {
	fid, err := m.acquireVictimFrame()
	if err != nil {
		return 0, err
	}

	id := m.allocatePageID()
	f := m.frames[fid]
	f.page.Reset(id)
	// Dirty from birth: a reused id may still have its previous
	// incarnation's bytes on disk, so evicting this frame must write
	// the zeroed page out rather than dropping it and letting a later
	// fault-in resurrect the stale content.
	f.setDirty(true)
	atomic.StoreInt32(&f.pinCount, 0)

	m.tableMu.Lock()
	m.table[id] = fid
	m.tableMu.Unlock()

	if err := m.repl.RecordAccess(fid, m.tick()); err != nil {
		return 0, err
	}
	if err := m.repl.SetEvictable(fid, true); err != nil {
		return 0, err
	}

	return id, nil
}

// fetchFrame implements the shared fault-in protocol for
// GetReadPage/GetWritePage: a frame-table hit pins and returns
// immediately; a miss elects exactly one goroutine to load the page
// through the disk scheduler while others wait on that load.
func (m *Manager) fetchFrame(id storage.PageID) (*frame, error) {
	for {
		// The pin happens while the table lock is still held, so an
		// eviction (which runs under the write lock) can never slip in
		// between the lookup and the pin.
		m.tableMu.RLock()
		if fid, ok := m.table[id]; ok {
			f := m.frames[fid]
			m.pinFrame(fid, f)
			m.tableMu.RUnlock()
			atomic.AddUint64(&m.hits, 1)
			return f, nil
		}
		m.tableMu.RUnlock()

		m.tableMu.Lock()
		if fid, ok := m.table[id]; ok {
			f := m.frames[fid]
			m.pinFrame(fid, f)
			m.tableMu.Unlock()
			atomic.AddUint64(&m.hits, 1)
			return f, nil
		}
		if ch, loading := m.pending[id]; loading {
			m.tableMu.Unlock()
			<-ch
			continue
		}
		ch := make(chan struct{})
		m.pending[id] = ch
		m.tableMu.Unlock()

		f, err := m.loadPage(id)

		m.tableMu.Lock()
		delete(m.pending, id)
		m.tableMu.Unlock()
		close(ch)

		if err != nil {
			return nil, err
		}

		atomic.AddUint64(&m.misses, 1)
		m.pinFrame(f.id, f)
		return f, nil
	}
}

// loadPage picks a victim frame and fills it from disk via the
// scheduler, installing the new mapping before returning. Called with
// no locks held; the read itself happens outside the frame-table lock.
func (m *Manager) loadPage(id storage.PageID) (*frame, error) {
	fid, err := m.acquireVictimFrame()
	if err != nil {
		return nil, err
	}
	f := m.frames[fid]

	resp := <-m.ds.ScheduleRead(id)
	if resp.Err != nil {
		m.freeMu.Lock()
		m.freeFrames = append(m.freeFrames, fid)
		m.freeMu.Unlock()
		return nil, fmt.Errorf("read page %d: %w", id, resp.Err)
	}

	if resp.Found {
		f.page.ID = id
		f.page.Data = resp.Data
	} else {
		f.page.Reset(id)
	}
	f.setDirty(false)

	m.tableMu.Lock()
	m.table[id] = fid
	m.tableMu.Unlock()

	return f, nil
}

// pinFrame transitions a frame's pin count n->n+1, telling the
// replacer the frame is no longer evictable on the 0->1 edge, and
// records an access.
func (m *Manager) pinFrame(fid replacer.FrameID, f *frame) {
	if f.pin() {
		m.repl.SetEvictable(fid, false)
	}
	m.repl.RecordAccess(fid, m.tick())
}

// GetReadPage returns a read guard over id's page, faulting it in from
// disk if necessary.
func (m *Manager) GetReadPage(id storage.PageID) (*ReadGuard, error) {
	f, err := m.fetchFrame(id)
	if err != nil {
		return nil, err
	}
	f.pageLock.RLock()
	return &ReadGuard{m: m, f: f, pageID: id}, nil
}

// GetWritePage returns a write guard over id's page, faulting it in
// from disk if necessary.
func (m *Manager) GetWritePage(id storage.PageID) (*WriteGuard, error) {
	f, err := m.fetchFrame(id)
	if err != nil {
		return nil, err
	}
	f.pageLock.Lock()
	return &WriteGuard{m: m, f: f, pageID: id}, nil
}

// releaseGuard runs the guard release protocol: decrement pin, then
// (if now unpinned) tell the replacer the frame is evictable, then
// unlock the page. Both later steps complete before the guard is
// gone; between them the frame is already evictable while its page
// lock is still held.
func (m *Manager) releaseGuard(f *frame, wasWrite bool) {
	if f.unpin() {
		m.repl.SetEvictable(f.id, true)
	}
	if wasWrite {
		f.pageLock.Unlock()
	} else {
		f.pageLock.RUnlock()
	}
}

// FlushPage writes id's page to disk if resident and dirty, clearing
// the dirty flag. Returns false if id is not cached.
func (m *Manager) FlushPage(id storage.PageID) (bool, error) {
	m.tableMu.RLock()
	fid, ok := m.table[id]
	m.tableMu.RUnlock()
	if !ok {
		return false, nil
	}
	f := m.frames[fid]

	// The page read lock keeps a concurrent write guard from mutating
	// the bytes mid-flush; the id re-check covers the frame having
	// been evicted and reused between the table lookup and here.
	f.pageLock.RLock()
	defer f.pageLock.RUnlock()
	if f.page.ID != id {
		return false, nil
	}
	if !f.isDirty() {
		return true, nil
	}

	resp := <-m.ds.ScheduleWrite(id, f.page.Data[:])
	if resp.Err != nil {
		return false, fmt.Errorf("flush page %d: %w", id, resp.Err)
	}
	f.setDirty(false)
	return true, nil
}

// FlushAllPages writes every resident dirty page to disk.
func (m *Manager) FlushAllPages() error {
	m.tableMu.RLock()
	ids := make([]storage.PageID, 0, len(m.table))
	for id := range m.table {
		ids = append(ids, id)
	}
	m.tableMu.RUnlock()

	for _, id := range ids {
		if _, err := m.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage removes id from the buffer pool and frees its frame
// without writing it back. It refuses (returning false, ErrInvalidState)
// if the page is pinned. Deleting an id that is not resident is a no-op
// returning (false, nil).
func (m *Manager) DeletePage(id storage.PageID) (bool, error) {
	m.tableMu.Lock()
	fid, ok := m.table[id]
	if !ok {
		m.tableMu.Unlock()
		return false, nil
	}
	f := m.frames[fid]
	if f.pinCountValue() > 0 {
		m.tableMu.Unlock()
		return false, fmt.Errorf("%w: page %d is pinned", pserrors.ErrInvalidState, id)
	}
	delete(m.table, id)

	// Still under the table lock: an eviction (also under this lock)
	// must never see the frame tracked while it is being handed to the
	// free list. "Not tracked" is ignored since a never-pinned free
	// frame is fine too.
	_ = m.repl.Remove(fid)
	f.setDirty(false)

	m.freeMu.Lock()
	m.freeFrames = append(m.freeFrames, fid)
	m.freeIDs = append(m.freeIDs, id)
	m.freeMu.Unlock()
	m.tableMu.Unlock()

	return true, nil
}

// Stats returns point-in-time buffer pool counters for introspection.
func (m *Manager) Stats() map[string]any {
	m.tableMu.RLock()
	resident := len(m.table)
	m.tableMu.RUnlock()

	return map[string]any{
		"frames":    len(m.frames),
		"resident":  resident,
		"evictable": m.repl.Size(),
		"hits":      atomic.LoadUint64(&m.hits),
		"misses":    atomic.LoadUint64(&m.misses),
		"evictions": atomic.LoadUint64(&m.evictions),
	}
}

// Close flushes all dirty pages, shuts down the disk scheduler, and
// closes the backing file.
func (m *Manager) Close() error {
	if err := m.FlushAllPages(); err != nil {
		return err
	}
	m.ds.Shutdown()
	return m.dm.Close()
}
