// Package replacer implements the buffer pool's frame eviction policy.
package replacer

import (
	"fmt"
	"sort"
	"sync"
)

// history tracks the K most recent accesses to a frame, newest first.
type history struct {
	k         int
	accesses  []int64
	evictable bool
}

func (h *history) record(ts int64) {
	h.accesses = append([]int64{ts}, h.accesses...)
	if len(h.accesses) > h.k {
		h.accesses = h.accesses[:h.k]
	}
}

// kthTimestamp returns the timestamp of the Kth most recent access,
// or (0, false) if fewer than K accesses have been recorded. Fewer than
// K accesses means this frame has +inf backward k-distance and is a
// priority eviction candidate.
func (h *history) kthTimestamp() (int64, bool) {
	if len(h.accesses) < h.k {
		return 0, false
	}
	return h.accesses[h.k-1], true
}

// LRUKReplacer selects an eviction victim among the frames marked
// evictable, preferring frames with infinite backward k-distance (fewer
// than K recorded accesses) over those with a finite one, and breaking
// ties within each class by earliest relevant timestamp. Frame id is the
// final, deterministic tie-break.
type LRUKReplacer struct {
	mu      sync.Mutex
	k       int
	clock   int64
	history map[int]*history
	size    int
}

// New constructs a replacer over a pool of the given capacity, tracking
// the K most recent accesses per frame.
func New(numFrames, k int) *LRUKReplacer {
	if k <= 0 {
		panic(fmt.Sprintf("lruk: k must be positive, got %d", k))
	}
	return &LRUKReplacer{
		k:       k,
		history: make(map[int]*history, numFrames),
	}
}

// RecordAccess registers that frameID was just accessed, creating its
// history entry if this is the first time the frame has been seen. New
// frames start non-evictable.
func (r *LRUKReplacer) RecordAccess(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock++
	h, ok := r.history[frameID]
	if !ok {
		h = &history{k: r.k}
		r.history[frameID] = h
	}
	h.record(r.clock)
}

// SetEvictable flips a frame's evictable flag, adjusting the replacer's
// evictable-frame count. Calling it on an unknown frame is a no-op: the
// buffer pool only calls SetEvictable after RecordAccess has run at
// least once for that frame.
func (r *LRUKReplacer) SetEvictable(frameID int, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.history[frameID]
	if !ok {
		return
	}
	if h.evictable == evictable {
		return
	}
	h.evictable = evictable
	if evictable {
		r.size++
	} else {
		r.size--
	}
}

// Remove drops a frame's history entirely. It panics if the frame is
// currently marked non-evictable. Removing a pinned frame's history
// would silently corrupt eviction decisions, and the buffer pool is
// never supposed to attempt it.
func (r *LRUKReplacer) Remove(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.history[frameID]
	if !ok {
		return
	}
	if !h.evictable {
		panic(fmt.Sprintf("lruk: Remove called on non-evictable frame %d", frameID))
	}
	delete(r.history, frameID)
	r.size--
}

// Evict selects and removes a victim frame. Cold frames (backward
// k-distance +inf, i.e. fewer than K accesses recorded) are preferred
// over warm ones; among cold frames the one accessed longest ago (by its
// earliest recorded timestamp) wins; among warm frames the one with the
// smallest Kth-most-recent timestamp wins. Frame id breaks remaining
// ties so the choice is deterministic under concurrent access patterns
// that race to the same clock value.
func (r *LRUKReplacer) Evict() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return 0, false
	}

	frameIDs := make([]int, 0, len(r.history))
	for id, h := range r.history {
		if h.evictable {
			frameIDs = append(frameIDs, id)
		}
	}
	sort.Ints(frameIDs)

	bestID := -1
	bestCold := false
	var bestStamp int64

	for _, id := range frameIDs {
		h := r.history[id]
		oldest := h.accesses[len(h.accesses)-1]
		kth, hasK := h.kthTimestamp()
		cold := !hasK

		switch {
		case bestID == -1:
			bestID, bestCold = id, cold
			if cold {
				bestStamp = oldest
			} else {
				bestStamp = kth
			}
		case cold && !bestCold:
			bestID, bestCold, bestStamp = id, true, oldest
		case cold == bestCold:
			stamp := kth
			if cold {
				stamp = oldest
			}
			if stamp < bestStamp {
				bestID, bestStamp = id, stamp
			}
		}
	}

	if bestID == -1 {
		return 0, false
	}
	delete(r.history, bestID)
	r.size--
	return bestID, true
}

// Size reports the number of frames currently marked evictable.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
