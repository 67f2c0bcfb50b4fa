package sink

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kernmlops/kerntrace/internal/probe"
)

func TestNewBucket(t *testing.T) {
	now := time.Now()
	b := NewBucket(now)

	assert.Equal(t, now, b.StartTime)
	assert.Equal(t, int64(0), b.EventCount.Load())
}

func TestBucket_AddPageFault(t *testing.T) {
	b := NewBucket(time.Now())

	b.Add(probe.PageFaultEvent{IsMajor: true, IsWrite: true, LatencyNs: 9000})
	b.Add(probe.PageFaultEvent{LatencyNs: 1000})

	snap := b.Snapshot()
	assert.Equal(t, int64(2), snap.EventCount)
	assert.Equal(t, int64(2), snap.PageFaultTotal)
	assert.Equal(t, int64(1), snap.PageFaultMajor)
	assert.Equal(t, int64(1), snap.PageFaultWrite)
	assert.Equal(t, int64(10000), snap.PageFaultLatNs)
	assert.Equal(t, int64(5000), MeanNs(snap.PageFaultLatNs, snap.PageFaultTotal))
}

func TestBucket_AddMemoryFamilies(t *testing.T) {
	b := NewBucket(time.Now())

	b.Add(probe.MadviseEvent{Length: 4096})
	b.Add(probe.MadviseEvent{Length: 8192, Failed: true, Ret: -22})
	b.Add(probe.UnmapEvent{Start: 0x1000, End: 0x3000})
	b.Add(probe.UnmapEvent{Start: 0x200000, End: 0x400000, Huge: true})
	b.Add(probe.RSSStatEvent{Member: probe.RSSAnonPages})

	snap := b.Snapshot()
	assert.Equal(t, int64(2), snap.MadviseCount)
	assert.Equal(t, int64(1), snap.MadviseFailed)
	assert.Equal(t, int64(12288), snap.MadviseBytes)
	assert.Equal(t, int64(2), snap.UnmapCount)
	assert.Equal(t, int64(1), snap.UnmapHuge)
	assert.Equal(t, int64(0x2000+0x200000), snap.UnmapBytes)
	assert.Equal(t, int64(1), snap.RSSStatCount)
}

func TestBucket_AddZswap(t *testing.T) {
	b := NewBucket(time.Now())

	b.Add(probe.ZswapEvent{Op: probe.ZswapStore, LatencyNs: 300})
	b.Add(probe.ZswapEvent{Op: probe.ZswapStore, LatencyNs: 500})
	b.Add(probe.ZswapEvent{Op: probe.ZswapLoad, LatencyNs: 200})
	b.Add(probe.ZswapEvent{Op: probe.ZswapInvalidate, LatencyNs: 50})

	snap := b.Snapshot()
	assert.Equal(t, int64(2), snap.ZswapStoreCount)
	assert.Equal(t, int64(800), snap.ZswapStoreLatNs)
	assert.Equal(t, int64(1), snap.ZswapLoadCount)
	assert.Equal(t, int64(200), snap.ZswapLoadLatNs)
	assert.Equal(t, int64(1), snap.ZswapInvalidateCount)
	assert.Equal(t, int64(50), snap.ZswapInvalidateLatNs)
}

func TestBucket_ConnectCountsClosingOnly(t *testing.T) {
	b := NewBucket(time.Now())

	b.Add(probe.ConnectEvent{Branch: probe.ConnectRouteLookup})
	b.Add(probe.ConnectEvent{Branch: probe.ConnectSuccess, Closing: true, LatencyNs: 40000})
	b.Add(probe.ConnectEvent{
		Branch:    probe.ConnectRouteError,
		Closing:   true,
		ErrorCode: probe.ErrnoENETUNREACH,
		LatencyNs: 2000,
	})

	snap := b.Snapshot()
	assert.Equal(t, int64(3), snap.EventCount)
	assert.Equal(t, int64(2), snap.TCPConnectCount)
	assert.Equal(t, int64(1), snap.TCPConnectFailed)
	assert.Equal(t, int64(42000), snap.TCPConnectLatNs)
}

func TestBucket_ReceiveAndState(t *testing.T) {
	b := NewBucket(time.Now())

	b.Add(probe.ReceiveEvent{Branch: probe.ReceiveNoSocket, DropReason: probe.DropNoSocket})
	b.Add(probe.ReceiveEvent{Branch: probe.ReceiveReturn, DropReason: probe.DropNoSocket})
	b.Add(probe.ReceiveEvent{Branch: probe.ReceiveReturn})

	b.Add(probe.StateEvent{Type: probe.StateTransition, OldState: probe.StateSynSent, NewState: probe.StateEstablished})
	b.Add(probe.StateEvent{Type: probe.StateTransition, OldState: probe.StateEstablished, NewState: probe.StateEstablished})
	b.Add(probe.StateEvent{Type: probe.StateError})
	b.Add(probe.StateEvent{Type: probe.StateProcessing})
	b.Add(probe.StateEvent{Branch: probe.StateBranchReturn, Type: probe.StateError, Subtype: probe.SubtypeReset})
	b.Add(probe.StateEvent{Branch: probe.StateBranchReturn, Type: probe.StateTransition, OldState: probe.StateSynSent, NewState: probe.StateEstablished})

	snap := b.Snapshot()
	assert.Equal(t, int64(2), snap.TCPRcvCount)
	assert.Equal(t, int64(1), snap.TCPRcvDrops)
	assert.Equal(t, int64(1), snap.TCPStateChanges)
	assert.Equal(t, int64(1), snap.TCPStateErrors)
}

func TestBucket_CongestionAndCubic(t *testing.T) {
	b := NewBucket(time.Now())

	b.Add(probe.CongestionEvent{Kind: probe.CCAssign})
	b.Add(probe.CongestionEvent{Kind: probe.CCInit})
	b.Add(probe.CongestionEvent{Kind: probe.CCCleanup})
	b.Add(probe.CubicEvent{TCPSnapshot: probe.TCPSnapshot{Cwnd: 10}})
	b.Add(probe.CubicEvent{TCPSnapshot: probe.TCPSnapshot{Cwnd: 14}})

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.TCPCCAssign)
	assert.Equal(t, int64(1), snap.TCPCCCleanup)
	assert.Equal(t, int64(2), snap.TCPCubicCount)
	assert.Equal(t, int64(24), snap.TCPCubicCwndSum)
}

func TestBucket_ConcurrentAdds(t *testing.T) {
	b := NewBucket(time.Now())

	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			b.Add(probe.MadviseEvent{Length: 10})
		}()
	}

	wg.Wait()

	snap := b.Snapshot()
	assert.Equal(t, int64(100), snap.EventCount)
	assert.Equal(t, int64(100), snap.MadviseCount)
	assert.Equal(t, int64(1000), snap.MadviseBytes)
}

func TestBucket_Snapshot_IsPointInTime(t *testing.T) {
	b := NewBucket(time.Now())

	b.Add(probe.PageFaultEvent{})
	snap := b.Snapshot()

	b.Add(probe.PageFaultEvent{})

	assert.Equal(t, int64(1), snap.PageFaultTotal)
	assert.Equal(t, int64(2), b.Snapshot().PageFaultTotal)
}

func TestMeanNs_ZeroCount(t *testing.T) {
	assert.Zero(t, MeanNs(100, 0))
}
