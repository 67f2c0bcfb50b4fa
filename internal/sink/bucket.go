package sink

import (
	"sync/atomic"
	"time"

	"github.com/kernmlops/kerntrace/internal/probe"
)

// Bucket aggregates events over one window.
type Bucket struct {
	StartTime time.Time

	// Memory
	PageFaultTotal atomic.Int64
	PageFaultMajor atomic.Int64
	PageFaultWrite atomic.Int64
	PageFaultLatNs atomic.Int64
	MadviseCount   atomic.Int64
	MadviseFailed  atomic.Int64
	MadviseBytes   atomic.Int64
	UnmapCount     atomic.Int64
	UnmapHuge      atomic.Int64
	UnmapBytes     atomic.Int64
	RSSStatCount   atomic.Int64

	ZswapStoreCount      atomic.Int64
	ZswapStoreLatNs      atomic.Int64
	ZswapLoadCount       atomic.Int64
	ZswapLoadLatNs       atomic.Int64
	ZswapInvalidateCount atomic.Int64
	ZswapInvalidateLatNs atomic.Int64

	// TCP
	TCPConnectCount  atomic.Int64
	TCPConnectFailed atomic.Int64
	TCPConnectLatNs  atomic.Int64
	TCPRcvCount      atomic.Int64
	TCPRcvDrops      atomic.Int64
	TCPStateChanges  atomic.Int64
	TCPStateErrors   atomic.Int64
	TCPCCAssign      atomic.Int64
	TCPCCCleanup     atomic.Int64
	TCPCubicCount    atomic.Int64
	TCPCubicCwndSum  atomic.Int64

	// Total event count
	EventCount atomic.Int64
}

// NewBucket creates an empty bucket starting at startTime.
func NewBucket(startTime time.Time) *Bucket {
	return &Bucket{StartTime: startTime}
}

// Add incorporates an event into the bucket's counters.
func (b *Bucket) Add(event probe.Event) {
	b.EventCount.Add(1)

	switch e := event.(type) {
	case probe.PageFaultEvent:
		b.addPageFault(e)
	case probe.MadviseEvent:
		b.MadviseCount.Add(1)
		b.MadviseBytes.Add(int64(e.Length))

		if e.Failed {
			b.MadviseFailed.Add(1)
		}
	case probe.UnmapEvent:
		b.UnmapCount.Add(1)
		b.UnmapBytes.Add(int64(e.Length()))

		if e.Huge {
			b.UnmapHuge.Add(1)
		}
	case probe.RSSStatEvent:
		b.RSSStatCount.Add(1)
	case probe.ZswapEvent:
		b.addZswap(e)
	case probe.ConnectEvent:
		b.addConnect(e)
	case probe.ReceiveEvent:
		if e.Branch != probe.ReceiveReturn {
			return
		}

		b.TCPRcvCount.Add(1)

		if e.DropReason != probe.DropNone {
			b.TCPRcvDrops.Add(1)
		}
	case probe.StateEvent:
		// The closing event repeats what the interior branches reported.
		if e.Branch == probe.StateBranchReturn {
			break
		}

		switch e.Type {
		case probe.StateTransition:
			if e.OldState != e.NewState {
				b.TCPStateChanges.Add(1)
			}
		case probe.StateError:
			b.TCPStateErrors.Add(1)
		}
	case probe.CongestionEvent:
		switch e.Kind {
		case probe.CCAssign:
			b.TCPCCAssign.Add(1)
		case probe.CCCleanup:
			b.TCPCCCleanup.Add(1)
		}
	case probe.CubicEvent:
		b.TCPCubicCount.Add(1)
		b.TCPCubicCwndSum.Add(int64(e.Cwnd))
	}
}

func (b *Bucket) addPageFault(e probe.PageFaultEvent) {
	b.PageFaultTotal.Add(1)
	b.PageFaultLatNs.Add(e.LatencyNs)

	if e.IsMajor {
		b.PageFaultMajor.Add(1)
	}

	if e.IsWrite {
		b.PageFaultWrite.Add(1)
	}
}

func (b *Bucket) addZswap(e probe.ZswapEvent) {
	switch e.Op {
	case probe.ZswapStore:
		b.ZswapStoreCount.Add(1)
		b.ZswapStoreLatNs.Add(e.LatencyNs)
	case probe.ZswapLoad:
		b.ZswapLoadCount.Add(1)
		b.ZswapLoadLatNs.Add(e.LatencyNs)
	case probe.ZswapInvalidate:
		b.ZswapInvalidateCount.Add(1)
		b.ZswapInvalidateLatNs.Add(e.LatencyNs)
	}
}

// Connect branch events are intermediate; only the closing event
// counts as one call.
func (b *Bucket) addConnect(e probe.ConnectEvent) {
	if !e.Closing {
		return
	}

	b.TCPConnectCount.Add(1)
	b.TCPConnectLatNs.Add(e.LatencyNs)

	if e.ErrorCode != 0 {
		b.TCPConnectFailed.Add(1)
	}
}

// BucketSnapshot is a point-in-time copy of a bucket's counters.
type BucketSnapshot struct {
	StartTime time.Time

	PageFaultTotal int64
	PageFaultMajor int64
	PageFaultWrite int64
	PageFaultLatNs int64
	MadviseCount   int64
	MadviseFailed  int64
	MadviseBytes   int64
	UnmapCount     int64
	UnmapHuge      int64
	UnmapBytes     int64
	RSSStatCount   int64

	ZswapStoreCount      int64
	ZswapStoreLatNs      int64
	ZswapLoadCount       int64
	ZswapLoadLatNs       int64
	ZswapInvalidateCount int64
	ZswapInvalidateLatNs int64

	TCPConnectCount  int64
	TCPConnectFailed int64
	TCPConnectLatNs  int64
	TCPRcvCount      int64
	TCPRcvDrops      int64
	TCPStateChanges  int64
	TCPStateErrors   int64
	TCPCCAssign      int64
	TCPCCCleanup     int64
	TCPCubicCount    int64
	TCPCubicCwndSum  int64

	EventCount int64
}

// Snapshot returns a point-in-time snapshot of the bucket.
func (b *Bucket) Snapshot() BucketSnapshot {
	return BucketSnapshot{
		StartTime: b.StartTime,

		PageFaultTotal: b.PageFaultTotal.Load(),
		PageFaultMajor: b.PageFaultMajor.Load(),
		PageFaultWrite: b.PageFaultWrite.Load(),
		PageFaultLatNs: b.PageFaultLatNs.Load(),
		MadviseCount:   b.MadviseCount.Load(),
		MadviseFailed:  b.MadviseFailed.Load(),
		MadviseBytes:   b.MadviseBytes.Load(),
		UnmapCount:     b.UnmapCount.Load(),
		UnmapHuge:      b.UnmapHuge.Load(),
		UnmapBytes:     b.UnmapBytes.Load(),
		RSSStatCount:   b.RSSStatCount.Load(),

		ZswapStoreCount:      b.ZswapStoreCount.Load(),
		ZswapStoreLatNs:      b.ZswapStoreLatNs.Load(),
		ZswapLoadCount:       b.ZswapLoadCount.Load(),
		ZswapLoadLatNs:       b.ZswapLoadLatNs.Load(),
		ZswapInvalidateCount: b.ZswapInvalidateCount.Load(),
		ZswapInvalidateLatNs: b.ZswapInvalidateLatNs.Load(),

		TCPConnectCount:  b.TCPConnectCount.Load(),
		TCPConnectFailed: b.TCPConnectFailed.Load(),
		TCPConnectLatNs:  b.TCPConnectLatNs.Load(),
		TCPRcvCount:      b.TCPRcvCount.Load(),
		TCPRcvDrops:      b.TCPRcvDrops.Load(),
		TCPStateChanges:  b.TCPStateChanges.Load(),
		TCPStateErrors:   b.TCPStateErrors.Load(),
		TCPCCAssign:      b.TCPCCAssign.Load(),
		TCPCCCleanup:     b.TCPCCCleanup.Load(),
		TCPCubicCount:    b.TCPCubicCount.Load(),
		TCPCubicCwndSum:  b.TCPCubicCwndSum.Load(),

		EventCount: b.EventCount.Load(),
	}
}

// MeanNs returns total/count, or zero for an empty count.
func MeanNs(total, count int64) int64 {
	if count == 0 {
		return 0
	}

	return total / count
}
