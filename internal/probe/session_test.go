package probe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernmlops/kerntrace/internal/correlation"
)

func testSession(t *testing.T) *Session {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ChannelCapacity = 1024

	return NewSession(cfg)
}

func firing(tgid, tid uint32, ts uint64) Firing {
	f := Firing{
		Ctx:         NewExecContext(tgid, tid),
		TimestampNs: ts,
		CPU:         1,
	}
	copy(f.Comm[:], "bench")

	return f
}

func collect(s *Session) []Event {
	var out []Event

	s.Flush(func(ev Event) { out = append(out, ev) })

	return out
}

func storeStats(s *Session, name string) (correlation.Stats, bool) {
	for _, st := range s.StoreStats() {
		if st.Name == name {
			return st, true
		}
	}

	return correlation.Stats{}, false
}

func TestExecContext(t *testing.T) {
	c := NewExecContext(1234, 5678)

	assert.Equal(t, uint32(1234), c.TGID())
	assert.Equal(t, uint32(5678), c.TID())
	assert.Equal(t, ExecContext(uint64(1234)<<32|5678), c)
}

func TestHeader_CommString(t *testing.T) {
	f := firing(1, 2, 3)
	h := f.header()

	assert.Equal(t, "bench", h.CommString())
	assert.Equal(t, uint32(2), h.PID)
	assert.Equal(t, uint32(1), h.TGID)
	assert.Equal(t, uint32(1), h.CPU)

	var full Header
	copy(full.Comm[:], "0123456789abcdef")
	assert.Equal(t, "0123456789abcdef", full.CommString())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.ChannelCapacity = 0
	cfg.StoreCapacity.Zswap = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_capacity")
	assert.Contains(t, err.Error(), "store_capacity.zswap")
}

func TestParseFamily(t *testing.T) {
	for _, f := range AllFamilies() {
		got, err := ParseFamily(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	_, err := ParseFamily("nope")
	assert.Error(t, err)
	assert.Len(t, AllFamilies(), NumFamilies)
}

func TestSession_StoreStatsCoversEveryStore(t *testing.T) {
	s := testSession(t)

	names := make(map[string]int)
	for _, st := range s.StoreStats() {
		names[st.Name] = st.Capacity
	}

	assert.Equal(t, 10240, names["page_fault"])
	assert.Equal(t, 32768, names["madvise"])
	assert.Equal(t, 32768, names["rss_stat"])
	assert.Contains(t, names, "zswap_store")
	assert.Contains(t, names, "zswap_load")
	assert.Contains(t, names, "zswap_invalidate")
	assert.Contains(t, names, "tcp_state_distribution")
	assert.Len(t, names, 13)
}

func TestSession_ChannelOverflowDropsNewest(t *testing.T) {
	const n = 4

	cfg := DefaultConfig()
	cfg.ChannelCapacity = n
	s := NewSession(cfg)

	for i := range n + 1 {
		f := firing(10, uint32(100+i), uint64(1000+i))
		s.Unmap().Enter(f, 10, uint64(i)*0x1000, uint64(i+1)*0x1000, false)
		f.TimestampNs += 10
		s.Unmap().Return(f)
	}

	events := collect(s)
	require.Len(t, events, n)

	for i, ev := range events {
		u, ok := ev.(UnmapEvent)
		require.True(t, ok)
		assert.Equal(t, uint64(i)*0x1000, u.Start, "survivor %d intact", i)
		assert.Equal(t, int64(10), u.LatencyNs)
	}

	snap := s.Stats().Snapshot()
	assert.Equal(t, uint64(n), snap[FamilyUnmap].Emitted)
	assert.Equal(t, uint64(1), snap[FamilyUnmap].Dropped)
	assert.Equal(t, uint64(n+1), snap[FamilyUnmap].Entered)
	assert.Equal(t, uint64(1), s.Channel(FamilyUnmap).Dropped())
}

func TestSession_StoreCapacityInvariant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoreCapacity.PageFault = 64
	s := NewSession(cfg)

	for i := range 65 {
		s.PageFault().Enter(firing(1, uint32(i), uint64(i)), uint64(i), 0)
	}

	pf, ok := storeStats(s, "page_fault")
	require.True(t, ok)
	assert.Equal(t, 64, pf.Len)
	assert.Equal(t, uint64(1), pf.Evictions)
}

func TestSession_Drain(t *testing.T) {
	s := testSession(t)

	f := firing(7, 7, 100)
	s.Zswap().Enter(ZswapLoad, f)
	f.TimestampNs = 300
	s.Zswap().Return(ZswapLoad, f, 0)

	f.TimestampNs = 400
	s.RSSStat().Stash(f, 7, 7)
	s.RSSStat().Emit(f, RSSAnonPages, 8192)

	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got = make(map[Family]int)
	)

	done := make(chan struct{})

	go func() {
		defer close(done)

		s.Drain(ctx, func(ev Event) {
			mu.Lock()
			got[ev.Family()]++
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return got[FamilyZswap] == 1 && got[FamilyRSSStat] == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestStats_SnapshotResets(t *testing.T) {
	st := NewStats()

	st.entered(FamilyMadvise)
	st.missing(FamilyMadvise)
	st.published(FamilyTCPCC, true)
	st.published(FamilyTCPCC, false)
	st.abandoned(Family(200))

	snap := st.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, Counts{Entered: 1, Missing: 1}, snap[FamilyMadvise])
	assert.Equal(t, Counts{Emitted: 1, Dropped: 1}, snap[FamilyTCPCC])

	assert.Empty(t, st.Snapshot())
}

func TestCounters(t *testing.T) {
	c := NewCounters(4)

	c.Inc(0)
	c.Inc(3)
	c.Inc(3)
	c.Inc(4)
	c.Inc(-1)

	assert.Equal(t, []uint64{1, 0, 0, 2}, c.Values())
	assert.Equal(t, uint64(0), c.Load(9))
	assert.Equal(t, 4, c.Len())
}
