package transcript

import "sync"

// SeqTracker keeps the highest sequence number observed per group,
// across live push, offline replay and history fetches. It is the
// process-wide gap-detection baseline; keys are group ids, so state
// never leaks across conversations.
type SeqTracker struct {
	mu   sync.Mutex
	last map[int64]int64
}

// NewSeqTracker creates an empty tracker.
func NewSeqTracker() *SeqTracker {
	return &SeqTracker{last: make(map[int64]int64)}
}

// Observe records a sequence number for a group and reports whether it
// reveals a gap: the new seq jumps past last+1 while a baseline exists.
// The tracked value is monotonic, max(current, seq); non-positive
// sequences are ignored entirely.
func (s *SeqTracker) Observe(groupID, seq int64) (gap bool, from int64) {
	if seq <= 0 {
		return false, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.last[groupID]
	if last > 0 && seq > last+1 {
		gap, from = true, last
	}
	if seq > last {
		s.last[groupID] = seq
	}
	return gap, from
}

// Last returns the highest sequence observed for a group (0 if none).
func (s *SeqTracker) Last(groupID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[groupID]
}

// Reset clears the baseline for one group only; other groups' counters
// persist across conversation switches.
func (s *SeqTracker) Reset(groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, groupID)
}
