package bufferpool

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/mnohosten/pagestore/pkg/storage"
)

func newTestManager(t *testing.T, numFrames, k int) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "test.db"), numFrames, k)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func writeString(t *testing.T, m *Manager, id storage.PageID, s string) {
	t.Helper()
	wg, err := m.GetWritePage(id)
	if err != nil {
		t.Fatalf("GetWritePage(%d): %v", id, err)
	}
	copy(wg.Data(), []byte(s))
	wg.Release()
}

func readString(t *testing.T, m *Manager, id storage.PageID, n int) string {
	t.Helper()
	rg, err := m.GetReadPage(id)
	if err != nil {
		t.Fatalf("GetReadPage(%d): %v", id, err)
	}
	defer rg.Release()
	return string(rg.Data()[:n])
}

func TestNewPageThenWriteThenReadRoundTrips(t *testing.T) {
	m := newTestManager(t, 4, 2)

	id, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	writeString(t, m, id, "hello bufferpool")
	if got := readString(t, m, id, 16); got != "hello bufferpool" {
		t.Fatalf("got %q, want %q", got, "hello bufferpool")
	}
}

// TestEvictionForcesWriteBack fills every frame, then fetches one more
// page: the pool must evict a dirty victim and flush it to disk before
// the new page can be loaded.
func TestEvictionForcesWriteBack(t *testing.T) {
	m := newTestManager(t, 2, 2)

	a, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage a: %v", err)
	}
	b, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage b: %v", err)
	}

	writeString(t, m, a, "page a dirty")
	writeString(t, m, b, "page b dirty")

	// Both frames are unpinned (Release already happened inside
	// writeString) and evictable. Fetching a third page must evict one
	// of them, flushing it first.
	c, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage c: %v", err)
	}
	writeString(t, m, c, "page c dirty")

	// Re-fetch a and b: whichever was evicted must fault back in with
	// its written content intact, proving the eviction wrote it back.
	if got := readString(t, m, a, 12); got != "page a dirty" {
		t.Fatalf("page a after eviction round-trip = %q, want %q", got, "page a dirty")
	}
	if got := readString(t, m, b, 12); got != "page b dirty" {
		t.Fatalf("page b after eviction round-trip = %q, want %q", got, "page b dirty")
	}
}

// TestDeletePageSkipsWriteBack checks that a deleted page's content
// never reaches disk, even if it was dirty.
func TestDeletePageSkipsWriteBack(t *testing.T) {
	m := newTestManager(t, 2, 2)

	id, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	writeString(t, m, id, "never persisted")

	ok, err := m.DeletePage(id)
	if err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	if !ok {
		t.Fatal("DeletePage returned false for a resident page")
	}
	onDisk, _, err := m.dm.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage from disk: %v", err)
	}
	if string(onDisk[:15]) == "never persisted" {
		t.Fatal("deleted page's dirty content was written to disk")
	}

	// The freed frame slot will be reused; fetching id again allocates
	// a fresh zeroed page rather than resurrecting the deleted content,
	// since id itself is now free to be reissued by NewPage.
	reused, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage after delete: %v", err)
	}
	if reused != id {
		t.Fatalf("expected freed id %d to be reissued, got %d", id, reused)
	}
	if got := readString(t, m, reused, 15); got == "never persisted" {
		t.Fatal("deleted page's dirty content survived into the reused page")
	}
}

func TestDeletePagePinnedRefuses(t *testing.T) {
	m := newTestManager(t, 2, 2)

	id, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	wg, err := m.GetWritePage(id)
	if err != nil {
		t.Fatalf("GetWritePage: %v", err)
	}
	defer wg.Release()

	if _, err := m.DeletePage(id); err == nil {
		t.Fatal("expected DeletePage to refuse a pinned page")
	}
}

func TestDeletePageUnresidentIsNoop(t *testing.T) {
	m := newTestManager(t, 2, 2)

	ok, err := m.DeletePage(storage.PageID(999))
	if err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	if ok {
		t.Fatal("expected DeletePage on a never-resident id to report false")
	}
}

// TestFlushAllPagesPersistsEverything checks that every dirty page
// survives a flush-all, close, and reopen.
func TestFlushAllPagesPersistsEverything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	m, err := New(path, 4, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ids := make([]storage.PageID, 3)
	for i := range ids {
		id, err := m.NewPage()
		if err != nil {
			t.Fatalf("NewPage: %v", err)
		}
		ids[i] = id
		writeString(t, m, id, "flush me")
	}

	if err := m.FlushAllPages(); err != nil {
		t.Fatalf("FlushAllPages: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(path, 4, 2)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	defer reopened.Close()

	for _, id := range ids {
		if got := readString(t, reopened, id, 8); got != "flush me" {
			t.Fatalf("page %d after reopen = %q, want %q", id, got, "flush me")
		}
	}
}

func TestFlushPageUnresidentReturnsFalse(t *testing.T) {
	m := newTestManager(t, 2, 2)

	ok, err := m.FlushPage(storage.PageID(12345))
	if err != nil {
		t.Fatalf("FlushPage: %v", err)
	}
	if ok {
		t.Fatal("expected FlushPage on a never-resident id to report false")
	}
}

func TestConcurrentFetchOfSamePageSharesOneLoad(t *testing.T) {
	m := newTestManager(t, 4, 2)

	id, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	writeString(t, m, id, "shared load")
	if _, err := m.FlushPage(id); err != nil {
		t.Fatalf("FlushPage: %v", err)
	}
	if _, err := m.DeletePage(id); err != nil {
		t.Fatalf("DeletePage: %v", err)
	}

	// Re-fetch concurrently to exercise the single-flight fault-in path.
	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			rg, err := m.GetReadPage(id)
			if err != nil {
				t.Errorf("GetReadPage: %v", err)
				return
			}
			rg.Release()
		}()
	}
	wg.Wait()

	if misses := m.Stats()["misses"]; misses != uint64(1) {
		t.Fatalf("stats[misses] = %v, want 1 (one shared load)", misses)
	}
}

func TestStatsReportsResidentAndEvictable(t *testing.T) {
	m := newTestManager(t, 3, 2)

	id, err := m.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	_ = id

	stats := m.Stats()
	if stats["frames"] != 3 {
		t.Fatalf("stats[frames] = %v, want 3", stats["frames"])
	}
	if stats["resident"].(int) < 1 {
		t.Fatalf("stats[resident] = %v, want at least 1", stats["resident"])
	}
	if stats["evictable"] != 1 {
		t.Fatalf("stats[evictable] = %v, want 1", stats["evictable"])
	}
}
