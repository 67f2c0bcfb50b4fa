package probe

import "sync/atomic"

// Counts holds the per-family outcome counters accumulated since the last
// snapshot.
type Counts struct {
	// Entered counts records admitted to a correlation store.
	Entered uint64
	// Emitted counts events accepted by the family channel.
	Emitted uint64
	// Dropped counts events discarded because the channel was full.
	Dropped uint64
	// Missing counts terminal or branch firings with no stored record.
	Missing uint64
	// Abandoned counts records discarded on a traced-operation error.
	Abandoned uint64
}

func (c Counts) isZero() bool {
	return c == Counts{}
}

type familyCounters struct {
	entered   atomic.Uint64
	emitted   atomic.Uint64
	dropped   atomic.Uint64
	missing   atomic.Uint64
	abandoned atomic.Uint64
}

// Stats provides lock-free per-family outcome counters.
// Snapshot atomically reads and resets all counters, making it
// suitable for periodic reporting without contention.
type Stats struct {
	families [NumFamilies]familyCounters
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) of(f Family) *familyCounters {
	if f > maxFamily {
		return nil
	}

	return &s.families[f]
}

func (s *Stats) entered(f Family) {
	if c := s.of(f); c != nil {
		c.entered.Add(1)
	}
}

func (s *Stats) missing(f Family) {
	if c := s.of(f); c != nil {
		c.missing.Add(1)
	}
}

func (s *Stats) abandoned(f Family) {
	if c := s.of(f); c != nil {
		c.abandoned.Add(1)
	}
}

func (s *Stats) published(f Family, ok bool) {
	c := s.of(f)
	if c == nil {
		return
	}

	if ok {
		c.emitted.Add(1)
	} else {
		c.dropped.Add(1)
	}
}

// Snapshot atomically reads and resets all counters, returning
// a map of only families with non-zero counts.
func (s *Stats) Snapshot() map[Family]Counts {
	result := make(map[Family]Counts, NumFamilies)

	for i := range s.families {
		c := &s.families[i]

		v := Counts{
			Entered:   c.entered.Swap(0),
			Emitted:   c.emitted.Swap(0),
			Dropped:   c.dropped.Swap(0),
			Missing:   c.missing.Swap(0),
			Abandoned: c.abandoned.Swap(0),
		}

		if !v.isZero() {
			result[Family(i)] = v
		}
	}

	return result
}

// Counters is a fixed-size array of monotonically increasing counters
// indexed by a branch or path discriminant. Out-of-range indices are
// ignored.
type Counters struct {
	c []atomic.Uint64
}

// NewCounters allocates n counters.
func NewCounters(n int) *Counters {
	return &Counters{c: make([]atomic.Uint64, n)}
}

// Inc adds one to counter i.
func (c *Counters) Inc(i int) {
	if i < 0 || i >= len(c.c) {
		return
	}

	c.c[i].Add(1)
}

// Load returns the current value of counter i.
func (c *Counters) Load(i int) uint64 {
	if i < 0 || i >= len(c.c) {
		return 0
	}

	return c.c[i].Load()
}

// Len returns the number of counters.
func (c *Counters) Len() int { return len(c.c) }

// Values returns a copy of every counter.
func (c *Counters) Values() []uint64 {
	out := make([]uint64, len(c.c))
	for i := range c.c {
		out[i] = c.c[i].Load()
	}

	return out
}
