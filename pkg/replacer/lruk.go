// Package replacer implements the LRU-K frame replacement policy used
// by the buffer pool to pick which cached page to evict next.
//
// State is a map keyed by frame id behind a single mutex: every
// operation is a short O(frames) walk at most, so one coarse lock
// beats sharding here.
package replacer

import (
	"fmt"
	"sync"

	"github.com/mnohosten/pagestore/pkg/pserrors"
)

// FrameID identifies a buffer pool frame (an index into its frame array).
type FrameID uint32

// entry tracks one frame's access history and evictability.
type entry struct {
	frame     FrameID
	history   []uint64 // bounded to k entries, oldest first
	evictable bool
}

// kDistance returns the backward k-distance for the entry, or false if
// it has fewer than k recorded accesses (treated as infinite distance).
func (e *entry) kDistance(k int) (uint64, bool) {
	if len(e.history) < k {
		return 0, false
	}
	return e.history[k-1] - e.history[0], true
}

// mostRecent returns the timestamp of the entry's latest access.
func (e *entry) mostRecent() uint64 {
	return e.history[len(e.history)-1]
}

// Replacer tracks up to maxFrames frames and selects the next one to
// evict using backward k-distance, falling back to pure LRU for frames
// with fewer than k recorded accesses.
type Replacer struct {
	mu        sync.Mutex
	k         int
	maxFrames int
	frames    map[FrameID]*entry
}

// New creates a replacer tracking at most maxFrames frames, each
// retaining up to k recent access timestamps.
func New(maxFrames, k int) *Replacer {
	return &Replacer{
		k:         k,
		maxFrames: maxFrames,
		frames:    make(map[FrameID]*entry, maxFrames),
	}
}

// RecordAccess records an access to frame at timestamp ts, dropping the
// oldest retained timestamp once the history exceeds k entries. It
// fails if frame is untracked and the replacer is already tracking
// maxFrames frames.
func (r *Replacer) RecordAccess(frame FrameID, ts uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.frames[frame]
	if !ok {
		if len(r.frames) >= r.maxFrames {
			return fmt.Errorf("%w: replacer at capacity (%d frames)", pserrors.ErrCapacityExceeded, r.maxFrames)
		}
		e = &entry{frame: frame}
		r.frames[frame] = e
	}

	e.history = append(e.history, ts)
	if len(e.history) > r.k {
		e.history = e.history[len(e.history)-r.k:]
	}
	return nil
}

// SetEvictable flips frame's evictable flag. It fails if frame is untracked.
func (r *Replacer) SetEvictable(frame FrameID, evictable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.frames[frame]
	if !ok {
		return fmt.Errorf("%w: frame %d not tracked", pserrors.ErrInvalidState, frame)
	}
	e.evictable = evictable
	return nil
}

// Evict selects and removes the evictable frame with the largest
// backward k-distance. Frames with fewer than k recorded accesses are
// treated as having infinite k-distance and are preferred for
// eviction over fully-sampled frames; among those, the one with the
// earliest most-recent access (pure LRU) wins. Ties break on the
// smallest frame id. Returns false if no frame is evictable.
func (r *Replacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		haveUnderSampled bool
		underFrame       FrameID
		underTS          uint64

		haveSampled  bool
		sampledFrame FrameID
		sampledDist  uint64
	)

	for id, e := range r.frames {
		if !e.evictable {
			continue
		}

		if dist, ok := e.kDistance(r.k); ok {
			if !haveSampled || dist > sampledDist || (dist == sampledDist && id < sampledFrame) {
				haveSampled = true
				sampledFrame = id
				sampledDist = dist
			}
			continue
		}

		ts := e.mostRecent()
		if !haveUnderSampled || ts < underTS || (ts == underTS && id < underFrame) {
			haveUnderSampled = true
			underFrame = id
			underTS = ts
		}
	}

	var victim FrameID
	if haveUnderSampled {
		victim = underFrame
	} else if haveSampled {
		victim = sampledFrame
	} else {
		return 0, false
	}

	delete(r.frames, victim)
	return victim, true
}

// Remove drops frame from tracking. It is only permitted on evictable
// frames; it is a no-op if frame is untracked, and returns
// ErrInvalidState if frame is tracked but not evictable.
func (r *Replacer) Remove(frame FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.frames[frame]
	if !ok {
		return nil
	}
	if !e.evictable {
		return fmt.Errorf("%w: frame %d is pinned", pserrors.ErrInvalidState, frame)
	}
	delete(r.frames, frame)
	return nil
}

// Size returns the number of currently evictable frames.
func (r *Replacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.frames {
		if e.evictable {
			n++
		}
	}
	return n
}
