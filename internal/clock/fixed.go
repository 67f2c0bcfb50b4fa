package clock

import "time"

// Fixed converts monotonic timestamps with a constant offset, such as the
// one stored in a capture file.
type Fixed struct {
	offset time.Duration
}

// NewFixed creates a converter for a recorded wall minus monotonic offset.
func NewFixed(offset time.Duration) *Fixed {
	return &Fixed{offset: offset}
}

// WallTime converts a monotonic timestamp to wall-clock time.
func (f *Fixed) WallTime(monoNs uint64) time.Time {
	return time.Unix(0, int64(monoNs)+int64(f.offset)).UTC()
}

// Offset returns the fixed offset.
func (f *Fixed) Offset() time.Duration {
	return f.offset
}
