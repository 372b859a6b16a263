package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultPages is the number of pages the backing file is pre-sized to
// on first open.
const DefaultPages = 16

// Option configures a DiskManager at construction time.
type Option func(*DiskManager)

// WithCompression opts a DiskManager into compressing every page
// before it reaches disk, using c. Page bytes above PageSize never
// exist in memory either way; compression only changes how many bytes
// each page occupies on disk. Must be passed to NewDiskManager: it
// changes the on-disk slot size, so it cannot be attached to a
// DiskManager that has already read or written a page.
func WithCompression(c *PageCompressor) Option {
	return func(dm *DiskManager) { dm.compressor = c }
}

// DiskManager owns the single backing file for a pagestore instance.
// All I/O is serialized through mu; this layer is not
// contention-optimized, throughput is the buffer pool's job.
type DiskManager struct {
	mu           sync.Mutex
	file         *os.File
	capacity     uint32 // pages the file is currently sized to hold
	initialPages uint32 // pages the file held when opened, before preallocation
	compressor   *PageCompressor
}

// NewDiskManager opens (creating if necessary) the backing file at path
// and ensures it holds at least DefaultPages pages.
func NewDiskManager(path string, opts ...Option) (*DiskManager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	dm := &DiskManager{file: file}
	for _, opt := range opts {
		opt(dm)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat data file: %w", err)
	}
	dm.capacity = uint32(info.Size() / dm.slotSize())
	dm.initialPages = dm.capacity

	if err := dm.EnsureCapacity(DefaultPages); err != nil {
		file.Close()
		return nil, err
	}

	return dm, nil
}

// InitialPages reports how many pages the backing file already held
// when it was opened, before any preallocation. A caller reopening an
// existing store uses this as the floor for new page id allocation,
// so fresh ids never collide with pages written by a previous run.
func (dm *DiskManager) InitialPages() uint32 {
	return dm.initialPages
}

// slotSize is the number of bytes each page occupies on disk: PageSize
// when uncompressed, or PageSize plus the compression header when a
// PageCompressor is attached (sized so an incompressible page can
// always fall back to being stored raw without overflowing its slot).
func (dm *DiskManager) slotSize() int64 {
	if dm.compressor != nil {
		return PageSize + compressionHeaderSize
	}
	return PageSize
}

// ReadPage reads id's page, decompressing it first if a PageCompressor
// is attached. found is false when id lies entirely beyond the file's
// current length; a read that starts inside the file but runs past its
// end is padded with zeros rather than treated as absent, matching a
// page whose tail was never written.
func (dm *DiskManager) ReadPage(id PageID) (data [PageSize]byte, found bool, err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	slotSize := dm.slotSize()
	offset := int64(id) * slotSize

	info, err := dm.file.Stat()
	if err != nil {
		return data, false, fmt.Errorf("stat data file: %w", err)
	}
	if offset >= info.Size() {
		return data, false, nil
	}

	slot := make([]byte, slotSize)
	_, err = dm.file.ReadAt(slot, offset)
	if err != nil && err != io.EOF {
		return data, false, fmt.Errorf("read page %d: %w", id, err)
	}
	// Short reads (tail of a partially-written file) leave the
	// remainder of slot zeroed, which is what the zero-valued slice
	// already gives us.

	if dm.compressor == nil {
		copy(data[:], slot)
		return data, true, nil
	}

	raw, err := dm.compressor.decode(slot)
	if err != nil {
		return data, false, fmt.Errorf("decompress page %d: %w", id, err)
	}
	copy(data[:], raw)
	return data, true, nil
}

// WritePage truncates or zero-pads data to PageSize, compresses it if a
// PageCompressor is attached, writes the result at id's offset, and
// fsyncs before returning.
func (dm *DiskManager) WritePage(id PageID, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := dm.ensureCapacityLocked(uint32(id) + 1); err != nil {
		return err
	}

	var buf [PageSize]byte
	copy(buf[:], data) // longer input truncated, shorter input zero-padded

	slotSize := dm.slotSize()
	var slot []byte
	if dm.compressor == nil {
		slot = buf[:]
	} else {
		slot = make([]byte, slotSize)
		dm.compressor.encode(buf[:], slot)
	}

	offset := int64(id) * slotSize
	if _, err := dm.file.WriteAt(slot, offset); err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("fsync after writing page %d: %w", id, err)
	}

	return nil
}

// EnsureCapacity grows the file to hold at least pages pages, doubling
// the current capacity until it suffices.
func (dm *DiskManager) EnsureCapacity(pages uint32) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.ensureCapacityLocked(pages)
}

func (dm *DiskManager) ensureCapacityLocked(pages uint32) error {
	if dm.capacity >= pages {
		return nil
	}

	newCapacity := dm.capacity
	if newCapacity == 0 {
		newCapacity = 1
	}
	for newCapacity < pages {
		newCapacity *= 2
	}

	if err := dm.file.Truncate(int64(newCapacity) * dm.slotSize()); err != nil {
		return fmt.Errorf("grow data file to %d pages: %w", newCapacity, err)
	}
	dm.capacity = newCapacity
	return nil
}

// Capacity returns the number of pages the file currently holds room for.
func (dm *DiskManager) Capacity() uint32 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.capacity
}

// Sync flushes the backing file to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.file.Sync()
}

// Close syncs and closes the backing file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := dm.file.Sync(); err != nil {
		return err
	}
	return dm.file.Close()
}
