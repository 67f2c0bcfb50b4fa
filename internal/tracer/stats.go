package tracer

import "sync/atomic"

// FiringStats provides lock-free per-ProbeID firing counters plus a decode
// error counter. Snapshot atomically reads and resets all counters, making
// it suitable for periodic reporting without contention.
type FiringStats struct {
	counts [maxProbeID + 1]atomic.Uint64
	errors atomic.Uint64
}

// NewFiringStats creates a new FiringStats instance.
func NewFiringStats() *FiringStats {
	return &FiringStats{}
}

// Record increments the counter for the given probe by one.
func (s *FiringStats) Record(id ProbeID) {
	if id > maxProbeID {
		return
	}

	s.counts[id].Add(1)
}

func (s *FiringStats) recordError() {
	s.errors.Add(1)
}

// Snapshot atomically reads and resets all counters, returning a map of
// only non-zero entries and the number of decode errors.
func (s *FiringStats) Snapshot() (map[ProbeID]uint64, uint64) {
	result := make(map[ProbeID]uint64, len(probeNames))

	for i := range s.counts {
		v := s.counts[i].Swap(0)
		if v > 0 {
			result[ProbeID(i)] = v
		}
	}

	return result, s.errors.Swap(0)
}
