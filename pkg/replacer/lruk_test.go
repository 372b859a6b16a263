package replacer

import "testing"

func TestEvictNoEvictables(t *testing.T) {
	r := New(10, 2)
	r.RecordAccess(1, 1)
	r.RecordAccess(2, 2)

	if _, ok := r.Evict(); ok {
		t.Fatal("expected no evictable frame")
	}
}

func TestEvictSingleEvictable(t *testing.T) {
	r := New(10, 2)
	r.RecordAccess(1, 1)
	r.RecordAccess(2, 2)
	r.SetEvictable(2, true)

	frame, ok := r.Evict()
	if !ok || frame != 2 {
		t.Fatalf("expected frame 2, got %d (ok=%v)", frame, ok)
	}
}

func TestEvictMultipleEvictableNotEnoughAccesses(t *testing.T) {
	r := New(10, 2)
	r.RecordAccess(1, 2)
	r.RecordAccess(2, 3)
	r.RecordAccess(3, 1)

	r.SetEvictable(1, true)
	r.SetEvictable(2, true)
	r.SetEvictable(3, true)

	frame, ok := r.Evict()
	if !ok || frame != 3 {
		t.Fatalf("expected frame 3 (earliest most-recent access), got %d (ok=%v)", frame, ok)
	}
}

func TestEvictMultipleEvictableEnoughAccesses(t *testing.T) {
	r := New(10, 2)
	r.RecordAccess(1, 2)
	r.RecordAccess(1, 10) // k-dist = 8

	r.RecordAccess(2, 3)
	r.RecordAccess(2, 7) // k-dist = 4

	r.RecordAccess(3, 1)
	r.RecordAccess(3, 8) // k-dist = 7

	r.SetEvictable(1, true)
	r.SetEvictable(2, true)
	r.SetEvictable(3, true)

	frame, ok := r.Evict()
	if !ok || frame != 1 {
		t.Fatalf("expected frame 1 (max k-distance 8), got %d (ok=%v)", frame, ok)
	}
}

func TestEvictComplex(t *testing.T) {
	r := New(10, 2)
	r.RecordAccess(1, 2)
	r.RecordAccess(1, 10) // k-dist = 8, non-evictable

	r.RecordAccess(2, 3)
	r.RecordAccess(2, 7) // k-dist = 4, evictable

	r.RecordAccess(3, 1)
	r.RecordAccess(3, 8) // k-dist = 7, evictable

	r.RecordAccess(4, 12) // LRU = 12, non-evictable
	r.RecordAccess(5, 11) // LRU = 11, evictable
	r.RecordAccess(6, 5)  // LRU = 5, evictable

	r.SetEvictable(2, true)
	r.SetEvictable(3, true)
	r.SetEvictable(5, true)
	r.SetEvictable(6, true)

	frame, ok := r.Evict()
	// Frames 5 and 6 have fewer than k accesses, so they go before the
	// fully-sampled frames 2 and 3; of those two, 6 was accessed earliest.
	if !ok || frame != 6 {
		t.Fatalf("expected frame 6, got %d (ok=%v)", frame, ok)
	}
}

func TestSize(t *testing.T) {
	r := New(10, 2)
	r.RecordAccess(1, 1)
	r.RecordAccess(2, 2)
	r.SetEvictable(1, true)

	if got := r.Size(); got != 1 {
		t.Fatalf("expected size 1, got %d", got)
	}
}

func TestRecordAccessFull(t *testing.T) {
	r := New(2, 2)
	r.RecordAccess(1, 1)
	r.RecordAccess(2, 2)

	if err := r.RecordAccess(2, 3); err != nil {
		t.Fatalf("re-access of tracked frame should not fail: %v", err)
	}
	if err := r.RecordAccess(3, 12); err == nil {
		t.Fatal("expected error recording access for new frame at capacity")
	}
}

func TestSetEvictableNonExistent(t *testing.T) {
	r := New(2, 2)
	if err := r.SetEvictable(1, true); err == nil {
		t.Fatal("expected error for untracked frame")
	}
}

func TestRemoveEvictable(t *testing.T) {
	r := New(2, 2)
	r.RecordAccess(1, 1)
	r.RecordAccess(2, 2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	if got := r.Size(); got != 2 {
		t.Fatalf("expected size 2, got %d", got)
	}
	if err := r.Remove(1); err != nil {
		t.Fatalf("remove evictable frame: %v", err)
	}
	if got := r.Size(); got != 1 {
		t.Fatalf("expected size 1, got %d", got)
	}
}

func TestRemoveNonEvictable(t *testing.T) {
	r := New(2, 2)
	r.RecordAccess(1, 1)
	r.RecordAccess(2, 2)

	if err := r.Remove(1); err == nil {
		t.Fatal("expected error removing a non-evictable frame")
	}
}

func TestRemoveUntrackedIsNoop(t *testing.T) {
	r := New(2, 2)
	if err := r.Remove(99); err != nil {
		t.Fatalf("removing an untracked frame should be a no-op: %v", err)
	}
}
